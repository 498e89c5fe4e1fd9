// Package router parses inbound WebSocket envelopes and dispatches them to
// the owning session, enforcing role-based message authorization and a
// malformed-input error budget. The dispatch shape generalizes a
// switch-on-message-type control loop from a binary tag switch to a JSON
// Kind discriminant, using a two-phase decode idiom: wire.ParseKind first,
// then a concrete unmarshal.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/glasshub/broker/internal/metrics"
	"github.com/glasshub/broker/internal/wire"
)

// Config bounds the malformed-input error budget: after MaxErrors such
// errors within Window, the transport is closed. Sourced from internal/config.
type Config struct {
	MaxErrors int
	Window    time.Duration
}

// Dispatcher performs the semantic action for a parsed, role-checked
// message. Implemented by the owning session; split into glasses-side and
// App-side methods since App messages carry an extra pkg identity.
type Dispatcher interface {
	HandleConnectionInit(msg wire.ConnectionInit) error
	HandleRTMPStreamStatus(msg wire.RTMPStreamStatus) error
	HandleKeepAliveAck(msg wire.KeepAliveAck) error
	HandleButtonPress(msg wire.ButtonPress) error
	HandleHeadPosition(msg wire.HeadPositionUpdate) error
	HandleLocationUpdate(msg wire.LocationUpdate) error
	HandleAudioFrame(data []byte) error

	HandleTPAConnectionInit(msg wire.TPAConnectionInit) error
	HandleSubscriptionUpdate(pkg string, msg wire.SubscriptionUpdate) error
	HandleDisplayRequest(pkg string, msg wire.DisplayRequest) error
	HandleRTMPStreamRequest(pkg string, msg wire.RTMPStreamRequest) error
	HandleRTMPStreamStop(pkg string, msg wire.RTMPStreamStop) error
	HandlePhotoRequest(pkg string, msg wire.PhotoRequest) error
}

// Sender delivers a response on the originating socket, used here only for
// protocol_error replies.
type Sender interface {
	SendRaw(kind wire.Kind, payload any) error
}

// Closer closes the originating transport once the error budget is spent.
type Closer interface {
	Close() error
}

// Router is not concurrency-safe on its own; it must be driven from the
// owning session's single actor goroutine, one instance per socket (one for
// the glasses transport, one per App transport).
type Router struct {
	dispatcher Dispatcher
	sender     Sender
	closer     Closer
	log        *slog.Logger
	role       string // "glasses" or "app", for metrics labeling only

	errBudget *rate.Limiter
}

// New creates a Router bound to a single socket's Dispatcher/Sender/Closer.
// role labels the metrics this Router emits ("glasses" or "app") and carries
// no behavioral meaning.
func New(dispatcher Dispatcher, sender Sender, closer Closer, log *slog.Logger, cfg Config, role string) *Router {
	// Burst is MaxErrors-1 so the MaxErrors-th call finds the bucket already
	// empty and triggers closure on that very error, not the one after it.
	burst := cfg.MaxErrors - 1
	if burst < 0 {
		burst = 0
	}
	return &Router{
		dispatcher: dispatcher,
		sender:     sender,
		closer:     closer,
		log:        log,
		role:       role,
		errBudget:  rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxErrors)), burst),
	}
}

// RouteGlasses handles one inbound frame from the glasses socket. Binary
// frames are always audio; JSON frames are decoded by Kind and dispatched.
func (r *Router) RouteGlasses(data []byte, binary bool) {
	if binary {
		if err := r.dispatcher.HandleAudioFrame(data); err != nil {
			r.log.Warn("audio frame handling failed", "err", err)
		}
		return
	}

	kind, err := wire.ParseKind(data)
	if err != nil {
		r.protocolError(fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	h, ok := glassesHandlers[kind]
	if !ok {
		r.log.Warn("unknown message kind from glasses", "kind", kind)
		return
	}
	if err := h(r.dispatcher, data); err != nil {
		r.protocolError(fmt.Sprintf("invalid %s payload: %v", kind, err))
	}
}

// RouteApp handles one inbound JSON frame from an App socket. pkg is the
// identity this connection has already authenticated as, or "" before
// tpa_connection_init has been accepted — in which case only that message
// kind is permitted.
func (r *Router) RouteApp(pkg string, data []byte) {
	kind, err := wire.ParseKind(data)
	if err != nil {
		r.protocolError(fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	if pkg == "" && kind != wire.KindTPAConnectionInit {
		r.protocolError(fmt.Sprintf("expected %s before any other message", wire.KindTPAConnectionInit))
		return
	}

	h, ok := appHandlers[kind]
	if !ok {
		r.log.Warn("unknown message kind from app", "kind", kind, "pkg", pkg)
		return
	}
	if err := h(r.dispatcher, pkg, data); err != nil {
		r.log.Warn("app message handling failed", "kind", kind, "pkg", pkg, "err", err)
	}
}

// protocolError replies with a protocol_error envelope and closes the
// transport once MaxErrors have occurred within Window.
func (r *Router) protocolError(reason string) {
	_ = r.sender.SendRaw(wire.KindProtocolError, wire.ProtocolErrorMsg{Reason: reason})
	r.log.Warn("protocol error", "reason", reason)
	metrics.IncProtocolError(r.role)
	if !r.errBudget.Allow() {
		r.log.Warn("protocol error budget exhausted, closing transport")
		metrics.IncSocketClosed(r.role, "protocol_error")
		_ = r.closer.Close()
	}
}

type glassesHandler func(d Dispatcher, data []byte) error

var glassesHandlers = map[wire.Kind]glassesHandler{
	wire.KindConnectionInit: func(d Dispatcher, data []byte) error {
		var msg wire.ConnectionInit
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleConnectionInit(msg)
	},
	wire.KindRTMPStreamStatus: func(d Dispatcher, data []byte) error {
		var msg wire.RTMPStreamStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleRTMPStreamStatus(msg)
	},
	wire.KindKeepAliveAck: func(d Dispatcher, data []byte) error {
		var msg wire.KeepAliveAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleKeepAliveAck(msg)
	},
	wire.KindButtonPress: func(d Dispatcher, data []byte) error {
		var msg wire.ButtonPress
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleButtonPress(msg)
	},
	wire.KindHeadPosition: func(d Dispatcher, data []byte) error {
		var msg wire.HeadPositionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleHeadPosition(msg)
	},
	wire.KindLocationUpdate: func(d Dispatcher, data []byte) error {
		var msg wire.LocationUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleLocationUpdate(msg)
	},
}

type appHandler func(d Dispatcher, pkg string, data []byte) error

var appHandlers = map[wire.Kind]appHandler{
	wire.KindTPAConnectionInit: func(d Dispatcher, _ string, data []byte) error {
		var msg wire.TPAConnectionInit
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleTPAConnectionInit(msg)
	},
	wire.KindSubscriptionUpdate: func(d Dispatcher, pkg string, data []byte) error {
		var msg wire.SubscriptionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleSubscriptionUpdate(pkg, msg)
	},
	wire.KindDisplayRequest: func(d Dispatcher, pkg string, data []byte) error {
		var msg wire.DisplayRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleDisplayRequest(pkg, msg)
	},
	wire.KindRTMPStreamRequest: func(d Dispatcher, pkg string, data []byte) error {
		var msg wire.RTMPStreamRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleRTMPStreamRequest(pkg, msg)
	},
	wire.KindRTMPStreamStop: func(d Dispatcher, pkg string, data []byte) error {
		var msg wire.RTMPStreamStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandleRTMPStreamStop(pkg, msg)
	},
	wire.KindPhotoRequest: func(d Dispatcher, pkg string, data []byte) error {
		var msg wire.PhotoRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return d.HandlePhotoRequest(pkg, msg)
	},
}
