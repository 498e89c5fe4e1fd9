// Package appmanager drives the per-App lifecycle state machine
// (Stopped → Starting → Running → Stopping → Stopped; a failed start goes
// from Starting straight back to Stopped, with no separate Failed state). It
// generalizes a create-reject-transition registry shape from a single binary
// "has publisher?" state to the four-state App lifecycle, and keeps the same snapshot-then-send discipline for
// broadcasts.
package appmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/glasshub/broker/internal/brokererr"
	"github.com/glasshub/broker/internal/collab"
	"github.com/glasshub/broker/internal/metrics"
	"github.com/glasshub/broker/internal/wire"
)

// State is the App lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Webhook sends the start request to an App's registered URL. Implemented
// by internal/appmanager's default HTTP-based Webhook and by fakes in
// tests.
type Webhook interface {
	Start(ctx context.Context, url string, req StartRequest) error
}

// StartRequest is the payload POSTed to an App's webhook URL to ask it to
// connect.
type StartRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	APIKey    string `json:"apiKey"`
}

// Sender delivers outbound messages and closes App sockets on the owning
// session's behalf.
type Sender interface {
	SendToGlasses(kind wire.Kind, payload any)
	SendToApp(pkg string, kind wire.Kind, payload any) error
	CloseAppConn(pkg string)
}

// Scheduler runs fn after d, posted back onto the owning session's actor.
type Scheduler interface {
	Schedule(d time.Duration, fn func())
}

// Manager is not concurrency-safe on its own; every exported method must be
// called from the owning session's actor goroutine. That single-writer
// guarantee is what lets this package skip a per-pkg mutex: concurrent
// StartApp calls for the same pkg cannot occur here, since the session
// actor only ever processes one inbound event at a time. "Collapse to one"
// is implemented instead by checking the current state before
// re-triggering a webhook.
type Manager struct {
	userID    string
	sessionID string

	store     collab.Store
	webhook   Webhook
	sender    Sender
	scheduler Scheduler
	startTO   time.Duration
	stopGrace time.Duration

	states  map[string]State
	running map[string]bool
	loading map[string]bool

	startGen  map[string]int
	stopGen   map[string]int
	startedAt map[string]time.Time
}

// Config bundles the collaborators and timing Manager needs.
type Config struct {
	UserID       string
	SessionID    string
	Store        collab.Store
	Webhook      Webhook
	Sender       Sender
	Scheduler    Scheduler
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// New creates an empty Manager with every App in the Stopped state.
func New(cfg Config) *Manager {
	return &Manager{
		userID:    cfg.UserID,
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		webhook:   cfg.Webhook,
		sender:    cfg.Sender,
		scheduler: cfg.Scheduler,
		startTO:   cfg.StartTimeout,
		stopGrace: cfg.StopGrace,
		states:    make(map[string]State),
		running:   make(map[string]bool),
		loading:   make(map[string]bool),
		startGen:  make(map[string]int),
		stopGen:   make(map[string]int),
		startedAt: make(map[string]time.Time),
	}
}

// IsAppRunning reports whether pkg is currently in the Running state.
func (m *Manager) IsAppRunning(pkg string) bool { return m.running[pkg] }

// RunningApps returns a snapshot of currently running package names.
func (m *Manager) RunningApps() []string { return keysOf(m.running) }

// LoadingApps returns a snapshot of currently starting package names.
func (m *Manager) LoadingApps() []string { return keysOf(m.loading) }

// StartApp transitions pkg from Stopped to Starting, fires its webhook
// asynchronously (so the session actor never blocks on the App's HTTP
// response), and arms a connect deadline. A call while already
// Starting/Running collapses into a no-op; a call while Stopping is
// rejected with Busy rather than queued behind the pending stop.
func (m *Manager) StartApp(pkg string) error {
	switch m.states[pkg] {
	case Starting, Running:
		return nil
	case Stopping:
		return brokererr.Busy("appmanager.StartApp", fmt.Errorf("app %s is stopping", pkg))
	}

	app, err := m.store.GetApp(context.Background(), pkg)
	if err != nil {
		return brokererr.NotFound("appmanager.StartApp", err)
	}

	m.states[pkg] = Starting
	m.loading[pkg] = true
	m.startGen[pkg]++
	gen := m.startGen[pkg]
	m.startedAt[pkg] = time.Now()

	go m.fireWebhook(pkg, app)
	m.scheduler.Schedule(m.startTO, func() { m.onStartTimeout(pkg, gen) })

	m.BroadcastAppState()
	return nil
}

func (m *Manager) fireWebhook(pkg string, app *collab.App) {
	ctx, cancel := context.WithTimeout(context.Background(), m.startTO)
	defer cancel()

	req := StartRequest{SessionID: m.sessionID, UserID: m.userID, APIKey: app.APIKey}
	if err := m.webhook.Start(ctx, app.WebhookURL, req); err != nil {
		m.scheduler.Schedule(0, func() { m.onWebhookFailed(pkg) })
	}
}

func (m *Manager) onWebhookFailed(pkg string) {
	if m.states[pkg] == Starting {
		metrics.IncAppStart("webhook_error")
		m.failStart(pkg)
	}
}

func (m *Manager) onStartTimeout(pkg string, gen int) {
	if m.startGen[pkg] != gen {
		return // superseded by a confirmed connect or a later StartApp
	}
	if m.states[pkg] == Starting {
		metrics.IncAppStart("timeout")
		m.failStart(pkg)
	}
}

// failStart rolls pkg back from Starting directly to Stopped, emitting the
// state change. There is no separate Failed state.
func (m *Manager) failStart(pkg string) {
	m.states[pkg] = Stopped
	delete(m.loading, pkg)
	m.BroadcastAppState()
}

// ConfirmConnect is called when an App's WebSocket delivers
// tpa_connection_init. It validates the API key and that pkg is currently
// awaiting a connection, then transitions Starting→Running.
func (m *Manager) ConfirmConnect(pkg, apiKey string) error {
	ctx := context.Background()
	valid, err := m.store.ValidateAPIKey(ctx, pkg, apiKey)
	if err != nil {
		return brokererr.NotFound("appmanager.ConfirmConnect", err)
	}
	if !valid {
		return brokererr.Auth("appmanager.ConfirmConnect", fmt.Errorf("api key mismatch for %s", pkg))
	}
	if m.states[pkg] != Starting {
		return brokererr.Protocol("appmanager.ConfirmConnect", fmt.Errorf("app %s not awaiting connection", pkg))
	}

	m.startGen[pkg]++ // invalidate the pending connect-deadline check
	delete(m.loading, pkg)
	m.states[pkg] = Running
	m.running[pkg] = true
	metrics.RunningApps.Inc()
	if startedAt, ok := m.startedAt[pkg]; ok {
		metrics.ObserveAppStartDuration(time.Since(startedAt))
		delete(m.startedAt, pkg)
	}
	metrics.IncAppStart("started")
	_ = m.store.RecordAppActive(ctx, m.userID, pkg)
	m.BroadcastAppState()
	return nil
}

// StopApp transitions Running→Stopping, tells glasses/other Apps the
// running set changed, and closes the App's transport after the
// configured grace period. Idempotent if pkg is not currently running.
func (m *Manager) StopApp(pkg string) {
	if !m.running[pkg] || m.states[pkg] == Stopping {
		return
	}

	m.states[pkg] = Stopping
	delete(m.running, pkg)
	metrics.RunningApps.Dec()
	m.BroadcastAppState()

	m.stopGen[pkg]++
	gen := m.stopGen[pkg]
	m.scheduler.Schedule(m.stopGrace, func() {
		if m.stopGen[pkg] != gen {
			return
		}
		m.sender.CloseAppConn(pkg)
		m.states[pkg] = Stopped
	})
}

// HandleDisconnect is called when an App's transport closes unexpectedly
// (not via StopApp). It moves pkg straight to Stopped and broadcasts.
func (m *Manager) HandleDisconnect(pkg string) {
	if m.states[pkg] == Stopped {
		return
	}
	if _, wasRunning := m.running[pkg]; wasRunning {
		metrics.RunningApps.Dec()
	}
	delete(m.running, pkg)
	delete(m.loading, pkg)
	m.states[pkg] = Stopped
	m.BroadcastAppState()
}

// BroadcastAppState emits the current {running, loading} sets to glasses
// and to every connected App socket.
func (m *Manager) BroadcastAppState() {
	payload := wire.AppStateChange{
		Running: keysOf(m.running),
		Loading: keysOf(m.loading),
	}
	m.sender.SendToGlasses(wire.KindAppStateChange, payload)
	for pkg := range m.running {
		_ = m.sender.SendToApp(pkg, wire.KindAppStateChange, payload)
	}
	for pkg := range m.loading {
		_ = m.sender.SendToApp(pkg, wire.KindAppStateChange, payload)
	}
}

func keysOf(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
