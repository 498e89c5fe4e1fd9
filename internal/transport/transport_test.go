package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestPair(t *testing.T) (client *websocket.Conn, server *Conn, serverDone chan error) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ws := <-serverConnCh
	server = New("test-conn", ws, nil)
	return c, server, make(chan error, 1)
}

func TestConnSendJSONDeliversToPeer(t *testing.T) {
	t.Parallel()

	client, server, serverDone := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		serverDone <- server.Run(ctx, func(data []byte, binary bool) {})
	}()

	if err := server.SendJSON([]byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"type":"hello"}` {
		t.Errorf("got %q", data)
	}
}

func TestConnReadPumpDeliversInboundMessages(t *testing.T) {
	t.Parallel()

	client, server, serverDone := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	go func() {
		serverDone <- server.Run(ctx, func(data []byte, binary bool) {
			received <- data
		})
	}()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != `{"type":"ping"}` {
			t.Errorf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestConnRunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	_, server, serverDone := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		serverDone <- server.Run(ctx, func(data []byte, binary bool) {})
	}()

	cancel()

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestConnSendJSONAfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()

	_, server, serverDone := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		serverDone <- server.Run(ctx, func(data []byte, binary bool) {})
	}()
	cancel()
	<-serverDone

	if err := server.SendJSON([]byte(`{}`)); err != ErrClosed {
		t.Errorf("SendJSON after close = %v, want ErrClosed", err)
	}
}
