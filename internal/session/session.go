// Package session implements UserSession: the single-writer actor that
// owns one user's glasses and App transports, and the collaborator
// managers (subscriptions, apps, display, audio, streams, photos) that
// mediate between them. The actor shape generalizes a per-connection
// Run/readControlLoop actor from "one actor per media session" to "one
// actor per user, merging inbound frames from every socket that session
// owns" — a single-writer session model.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glasshub/broker/internal/appmanager"
	"github.com/glasshub/broker/internal/audio"
	"github.com/glasshub/broker/internal/collab"
	"github.com/glasshub/broker/internal/config"
	"github.com/glasshub/broker/internal/display"
	"github.com/glasshub/broker/internal/photo"
	"github.com/glasshub/broker/internal/router"
	"github.com/glasshub/broker/internal/streamsup"
	"github.com/glasshub/broker/internal/subscription"
	"github.com/glasshub/broker/internal/transport"
	"github.com/glasshub/broker/internal/wire"
)

// Socket is the subset of *transport.Conn a Session depends on, narrowed to
// an interface so tests can drive a Session with a fake socket instead of a
// real WebSocket.
type Socket interface {
	Run(ctx context.Context, onMessage transport.Handler) error
	SendJSON(data []byte) error
	SendBinary(data []byte) error
	Close() error
}

// mailboxDepth bounds the actor's inbound function queue. Deep enough to
// absorb a burst of fan-out/timer callbacks without the posting goroutine
// blocking in the common case.
const mailboxDepth = 256

// Session is a single user's UserSession actor. Every exported method that
// touches session state is safe to call from any goroutine: it posts a
// closure onto the actor's mailbox rather than mutating state directly,
// except for the manager collaborator methods (SendToGlasses, EmitVAD,
// etc.) which the managers already guarantee are only called from within
// the actor loop.
type Session struct {
	userID    string
	sessionID string
	log       *slog.Logger
	cfg       config.Config

	registry *Registry

	mailbox chan func()
	done    chan struct{}

	glasses       Socket
	glassesRouter *router.Router
	capabilities  wire.Capabilities

	apps       map[string]Socket
	appRouters map[string]*router.Router

	Subs    *subscription.Manager
	Apps    *appmanager.Manager
	Display *display.Manager
	Audio   *audio.Manager
	Streams *streamsup.Supervisor
	Photos  *photo.Tracker

	createdAt             time.Time
	lastGlassesActivityAt time.Time

	graceGen int
	disposed bool
}

// Deps bundles the external collaborators a Session needs at construction.
type Deps struct {
	Store   collab.Store
	Media   collab.MediaBackend
	Webhook appmanager.Webhook
}

func newSession(userID, sessionID string, deps Deps, cfg config.Config, registry *Registry, log *slog.Logger) *Session {
	s := &Session{
		userID:     userID,
		sessionID:  sessionID,
		log:        log.With("userId", userID, "sessionId", sessionID),
		cfg:        cfg,
		registry:   registry,
		mailbox:    make(chan func(), mailboxDepth),
		done:       make(chan struct{}),
		apps:       make(map[string]Socket),
		appRouters: make(map[string]*router.Router),
		createdAt:  time.Now(),
	}

	s.Subs = subscription.New()
	s.Apps = appmanager.New(appmanager.Config{
		UserID:       userID,
		SessionID:    sessionID,
		Store:        deps.Store,
		Webhook:      deps.Webhook,
		Sender:       s,
		Scheduler:    s,
		StartTimeout: cfg.AppStartTimeout,
		StopGrace:    cfg.AppStopGrace,
	})
	s.Display = display.New(s, s)
	s.Audio = audio.New(s)
	s.Photos = photo.New(s, s)
	s.Streams = streamsup.New(s, s, deps.Media, s, streamsup.Config{
		KeepAliveInterval: cfg.KeepAliveInterval,
		AckTimeout:        cfg.AckTimeout,
		MaxMissedAcks:     cfg.MaxMissedAcks,
		DirectStopTimeout: cfg.DirectStopTimeout,
		ManagedGrace:      cfg.ManagedGrace,
		MaxOutputsPerApp:  cfg.MaxOutputsPerApp,
		MaxOutputsPerSt:   cfg.MaxOutputsPerSt,
	})
	return s
}

// Run drives the actor's mailbox until ctx is canceled.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// Post enqueues fn to run on the actor goroutine. Safe to call from any
// goroutine, including timer callbacks and socket read pumps.
func (s *Session) Post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

// Schedule implements every manager package's Scheduler interface: run fn
// after d, posted back onto this session's actor rather than firing on the
// timer's own goroutine.
func (s *Session) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { s.Post(fn) })
}

func (s *Session) routerConfig() router.Config {
	return router.Config{MaxErrors: s.cfg.ProtocolErrorLimit, Window: s.cfg.ProtocolErrorWindow}
}

// AttachGlasses binds a new glasses socket to this session, closing any
// prior one (reconnect supersedes), and starts reading from it. Safe to
// call from any goroutine.
func (s *Session) AttachGlasses(ctx context.Context, conn Socket, caps wire.Capabilities) {
	s.Post(func() {
		if s.glasses != nil {
			_ = s.glasses.Close()
		}
		s.glasses = conn
		s.capabilities = caps
		s.lastGlassesActivityAt = time.Now()
		s.graceGen++ // invalidate any pending grace-window disposal
		s.glassesRouter = router.New(s, socketSender{s, "glasses"}, socketCloser{s, "glasses"}, s.log, s.routerConfig(), "glasses")

		go func() {
			_ = conn.Run(ctx, func(data []byte, binary bool) {
				s.Post(func() {
					if s.glasses != conn {
						return
					}
					s.lastGlassesActivityAt = time.Now()
					s.glassesRouter.RouteGlasses(data, binary)
				})
			})
			s.Post(func() { s.onGlassesDisconnected(conn) })
		}()
	})
}

func (s *Session) onGlassesDisconnected(conn Socket) {
	if s.glasses != conn {
		return // superseded by a reconnect already
	}
	s.glasses = nil
	s.glassesRouter = nil

	s.graceGen++
	gen := s.graceGen
	s.Schedule(s.cfg.GlassesGraceWindow, func() {
		if s.graceGen != gen || s.glasses != nil {
			return
		}
		s.registry.Dispose(s.userID)
	})
}

// AttachApp binds an App socket identified by pkg, closing and replacing
// any prior socket for the same pkg. Safe to call from any goroutine.
func (s *Session) AttachApp(ctx context.Context, pkg string, conn Socket) {
	s.Post(func() {
		if old, ok := s.apps[pkg]; ok {
			_ = old.Close()
		}
		s.apps[pkg] = conn
		s.appRouters[pkg] = router.New(s, socketSender{s, pkg}, socketCloser{s, pkg}, s.log, s.routerConfig(), "app")

		go func() {
			_ = conn.Run(ctx, func(data []byte, binary bool) {
				s.Post(func() {
					if s.apps[pkg] != conn || binary {
						return // App sockets never send binary frames
					}
					s.appRouters[pkg].RouteApp(pkg, data)
				})
			})
			s.Post(func() { s.onAppDisconnected(pkg, conn) })
		}()
	})
}

func (s *Session) onAppDisconnected(pkg string, conn Socket) {
	if s.apps[pkg] != conn {
		return
	}
	delete(s.apps, pkg)
	delete(s.appRouters, pkg)
	s.Apps.HandleDisconnect(pkg)
	s.Subs.Clear(pkg)

	for _, st := range s.Streams.List() {
		switch {
		case st.Kind == streamsup.Direct && st.RequesterApp == pkg:
			s.Streams.StopDirect(st.ID)
		case st.Kind == streamsup.Managed && st.Viewers[pkg]:
			s.Streams.RemoveViewer(pkg)
		}
	}
}

// --- collaborator interfaces used by the managers this session owns ---

// SendToGlasses implements appmanager.Sender and streamsup.Sender.
func (s *Session) SendToGlasses(kind wire.Kind, payload any) {
	if s.glasses == nil {
		return
	}
	data, err := wire.Encode(kind, payload)
	if err != nil {
		s.log.Error("encode failed", "kind", kind, "err", err)
		return
	}
	if err := s.glasses.SendJSON(data); err != nil {
		s.log.Warn("send to glasses failed", "kind", kind, "err", err)
	}
}

// SendToApp implements appmanager.Sender, photo.Sender and streamsup.Sender.
func (s *Session) SendToApp(pkg string, kind wire.Kind, payload any) error {
	conn, ok := s.apps[pkg]
	if !ok {
		return fmt.Errorf("session: no socket for app %s", pkg)
	}
	data, err := wire.Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("session: encode %s for %s: %w", kind, pkg, err)
	}
	return conn.SendJSON(data)
}

// CloseAppConn implements appmanager.Sender.
func (s *Session) CloseAppConn(pkg string) {
	if conn, ok := s.apps[pkg]; ok {
		_ = conn.Close()
	}
}

// EmitDisplayEvent implements display.Emitter.
func (s *Session) EmitDisplayEvent(view display.View, content any, layout string) {
	s.SendToGlasses(wire.KindDisplayEvent, wire.DisplayEvent{
		View: string(view), Content: content, Layout: layout, Timestamp: time.Now().UnixMilli(),
	})
}

// FanOutAudioChunk implements audio.Sink.
func (s *Session) FanOutAudioChunk(data []byte) {
	for _, pkg := range s.Subs.SubscribersFor(subscription.AudioChunk) {
		if conn, ok := s.apps[pkg]; ok {
			if err := conn.SendBinary(data); err != nil {
				s.log.Warn("audio fan-out failed", "pkg", pkg, "err", err)
			}
		}
	}
}

// EmitVAD implements audio.Sink.
func (s *Session) EmitVAD(active bool) {
	for _, pkg := range s.Subs.SubscribersFor(subscription.Transcription) {
		_ = s.SendToApp(pkg, wire.KindDataStream, wire.DataStream{StreamType: "VAD", Data: map[string]any{"active": active}})
	}
}

// BroadcastPhotoTaken implements photo.Sender.
func (s *Session) BroadcastPhotoTaken(imageRef, requestID string) {
	for _, pkg := range s.Subs.SubscribersFor(subscription.PhotoTaken) {
		_ = s.SendToApp(pkg, wire.KindDataStream, wire.DataStream{
			StreamType: "PHOTO_TAKEN",
			Data:       map[string]any{"imageRef": imageRef, "requestId": requestID},
		})
	}
}

// BroadcastRTMPStatus implements streamsup.StatusBroadcaster: the busy
// carve-out reaches every RTMP_STATUS subscriber, not just the rejected
// requester.
func (s *Session) BroadcastRTMPStatus(payload wire.RTMPStreamStatus) {
	for _, pkg := range s.Subs.SubscribersFor(subscription.RTMPStatus) {
		_ = s.SendToApp(pkg, wire.KindRTMPStreamStatus, payload)
	}
}

// teardown disposes every manager's outstanding state. Called once, from
// the actor goroutine, by Registry.Dispose.
func (s *Session) teardown(ctx context.Context) {
	if s.disposed {
		return
	}
	s.disposed = true

	s.Streams.TeardownAll(ctx)
	for pkg := range s.apps {
		s.Apps.HandleDisconnect(pkg)
	}
	if s.glasses != nil {
		_ = s.glasses.Close()
	}
	for _, conn := range s.apps {
		_ = conn.Close()
	}
	s.apps = make(map[string]Socket)
	s.appRouters = make(map[string]*router.Router)
}

// socketSender adapts a Session to router.Sender for a single socket
// ("glasses" or a pkg name), since protocol_error replies must go back on
// the socket that sent the malformed message.
type socketSender struct {
	s   *Session
	who string
}

func (t socketSender) SendRaw(kind wire.Kind, payload any) error {
	if t.who == "glasses" {
		t.s.SendToGlasses(kind, payload)
		return nil
	}
	return t.s.SendToApp(t.who, kind, payload)
}

// socketCloser adapts a Session to router.Closer for a single socket.
type socketCloser struct {
	s   *Session
	who string
}

func (t socketCloser) Close() error {
	if t.who == "glasses" {
		if t.s.glasses != nil {
			return t.s.glasses.Close()
		}
		return nil
	}
	t.s.CloseAppConn(t.who)
	return nil
}
