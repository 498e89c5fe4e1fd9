package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glasshub/broker/internal/config"
	"github.com/glasshub/broker/internal/metrics"
	"github.com/glasshub/broker/internal/wire"
)

// Registry is the process-wide userId→Session map. Grounded on the
// teacher's internal/stream.Manager: a sync.RWMutex-guarded map keyed by a
// string identity, with the same create-or-reuse / remove / list shape,
// extended with the reconnect-vs-first-attach distinction and the glasses
// grace window implemented inside Session itself as a cancelable timer
// posted back onto the session's own actor.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	deps func(userID string) Deps
	cfg  config.Config
	log  *slog.Logger
}

// NewRegistry creates an empty Registry. depsFor supplies the
// Store/Media/Webhook collaborators for a newly created session — it is a
// function rather than a fixed value so tests can return per-user fakes if
// needed, though in production it is typically a closure over shared
// singletons.
func NewRegistry(depsFor func(userID string) Deps, cfg config.Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		deps:     depsFor,
		cfg:      cfg,
		log:      log,
	}
}

// Role distinguishes which transport slot Attach should bind to.
type Role int

const (
	RoleGlasses Role = iota
	RoleApp
)

// Attach returns the UserSession for userID, creating one if none exists,
// and binds conn to the role-appropriate transport slot. For RoleApp, pkg
// identifies which App transport slot conn fills.
func (r *Registry) Attach(ctx context.Context, userID string, role Role, conn Socket, caps wire.Capabilities, pkg string) *Session {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok {
		sess = newSession(userID, uuid.NewString(), r.deps(userID), r.cfg, r, r.log)
		r.sessions[userID] = sess
		metrics.ActiveSessions.Inc()
		go sess.Run(ctx)
	}
	r.mu.Unlock()

	switch role {
	case RoleGlasses:
		sess.AttachGlasses(ctx, conn, caps)
	case RoleApp:
		sess.AttachApp(ctx, pkg, conn)
	}
	return sess
}

// Get returns the session for userID, if one exists.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Count returns the number of active sessions, for metrics/diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Dispose tears down and removes userID's session. Idempotent: disposing an
// already-removed or unknown userID is a no-op.
func (r *Registry) Dispose(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	sess.Post(func() { sess.teardown(context.Background()) })
}

// Snapshot returns an Info for every currently active session, for
// internal/api's diagnostic endpoints.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	return out
}

// AllStreams returns a StreamInfo for every stream supervised by any active
// session.
func (r *Registry) AllStreams() []StreamInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	var out []StreamInfo
	for _, sess := range sessions {
		out = append(out, sess.StreamInfos()...)
	}
	return out
}

// DisposeAll tears down every session, for process shutdown. Each session is
// removed from the registry at once; its teardown work is posted to and runs
// asynchronously on its actor, and DisposeAll returns without waiting for it.
func (r *Registry) DisposeAll() {
	r.mu.RLock()
	userIDs := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		userIDs = append(userIDs, id)
	}
	r.mu.RUnlock()

	for _, id := range userIDs {
		r.Dispose(id)
	}
}
