// Package transport wraps a single WebSocket connection as a small actor:
// one read-pump goroutine and one write-pump goroutine communicating
// through buffered channels, following a read-loop/write-loop/ctx.Done()
// shape and a non-blocking bounded outbound queue that drops a frame
// rather than block the caller forever.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 10 * time.Second
	pongWait       = 30 * time.Second
	sendQueueDepth = 64
)

// ErrClosed is returned by SendJSON/SendBinary once the connection has been
// torn down.
var ErrClosed = errors.New("transport: connection closed")

// ErrSendQueueFull is returned when the outbound queue cannot absorb another
// message; the caller dropped a message rather than blocking.
var ErrSendQueueFull = errors.New("transport: send queue full")

// Conn is a single WebSocket connection run as an actor. Callers hand it an
// OnMessage callback and call Run; Conn manages the socket's read and write
// goroutines and the ping/pong heartbeat; Run returns once, when the
// connection is torn down.
type Conn struct {
	id   string
	ws   *websocket.Conn
	log  *slog.Logger
	send chan outboundFrame

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	mu        sync.Mutex
}

type outboundFrame struct {
	data   []byte
	binary bool
}

// Handler receives decoded frames off the read pump. binary is true for
// websocket.BinaryMessage frames (e.g. audio chunks); false for JSON text
// frames.
type Handler func(data []byte, binary bool)

// New wraps an already-upgraded *websocket.Conn. id is typically the owning
// session or a per-connection UUID, used only for logging.
func New(id string, ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		id:     id,
		ws:     ws,
		log:    log.With("conn", id),
		send:   make(chan outboundFrame, sendQueueDepth),
		closed: make(chan struct{}),
	}
}

// Run drives the connection until ctx is canceled, the peer disconnects, or
// the heartbeat times out. It blocks until the connection is fully torn
// down and returns the reason (nil on clean shutdown via ctx).
func (c *Conn) Run(ctx context.Context, onMessage Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		c.readPump(ctx, onMessage)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx)
	}()

	// ReadMessage blocks regardless of ctx, so once the context ends (peer
	// gone, heartbeat dead, or caller-driven shutdown) the socket itself must
	// be closed to unblock readPump.
	<-ctx.Done()
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	wg.Wait()

	c.mu.Lock()
	err := c.closeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Conn) readPump(ctx context.Context, onMessage Handler) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.recordCloseErr(fmt.Errorf("transport: read: %w", err))
			return
		}
		switch msgType {
		case websocket.TextMessage:
			onMessage(data, false)
		case websocket.BinaryMessage:
			onMessage(data, true)
		}
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			msgType := websocket.TextMessage
			if frame.binary {
				msgType = websocket.BinaryMessage
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msgType, frame.data); err != nil {
				c.recordCloseErr(fmt.Errorf("transport: write: %w", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.recordCloseErr(fmt.Errorf("transport: ping: %w", err))
				return
			}
		}
	}
}

func (c *Conn) recordCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		c.closeErr = err
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.log.Debug("connection heartbeat timed out")
		}
	}
}

// SendJSON enqueues an already-encoded JSON envelope for the write pump. It
// never blocks: if the outbound queue is full the message is dropped and
// ErrSendQueueFull is returned, so a slow reader can't stall the writer
// doing fan-out.
func (c *Conn) SendJSON(data []byte) error {
	return c.enqueue(outboundFrame{data: data})
}

// SendBinary enqueues a raw binary frame (e.g. a fanned-out audio chunk)
// for the write pump, under the same non-blocking, drop-on-backpressure
// policy as SendJSON.
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outboundFrame{data: data, binary: true})
}

func (c *Conn) enqueue(frame outboundFrame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears down the connection immediately.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

// RemoteAddr reports the peer address, for logging and diagnostics.
func (c *Conn) RemoteAddr() string {
	if c.ws == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}
