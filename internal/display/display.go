// Package display maintains the dashboard/main display stacks for a single
// UserSession and coalesces display_event emission under a rate limit,
// using the same token-bucket idiom (golang.org/x/time/rate.Limiter) as
// ManuGH-xg2g's internal/ratelimit.
package display

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/glasshub/broker/internal/metrics"
)

// View is one of the two display surfaces glasses arbitrate between based
// on head position.
type View string

const (
	Dashboard View = "dashboard"
	Main      View = "main"
)

const coalesceWindow = 50 * time.Millisecond

// Request is a single display push, scoped to one view and one App.
type Request struct {
	PackageName string
	View        View
	Content     any
	Layout      string
	ExpiresAt   *time.Time
}

// Emitter delivers the resolved display_event to glasses. Implemented by
// the owning session.
type Emitter interface {
	EmitDisplayEvent(view View, content any, layout string)
}

// Scheduler runs fn after d, posted back onto the owning session's single
// actor so state mutation still happens on one goroutine: never block the
// session worker on a wall clock.
type Scheduler interface {
	Schedule(d time.Duration, fn func())
}

// Manager is not concurrency-safe on its own; all calls must come from the
// owning session's actor goroutine.
type Manager struct {
	emitter   Emitter
	scheduler Scheduler

	stacks     map[View][]*Request
	activeView View

	limiter           *rate.Limiter
	coalesceScheduled bool
}

// New creates a Manager with dashboard as the initial active view.
func New(emitter Emitter, scheduler Scheduler) *Manager {
	return &Manager{
		emitter:    emitter,
		scheduler:  scheduler,
		stacks:     map[View][]*Request{Dashboard: nil, Main: nil},
		activeView: Dashboard,
		limiter:    rate.NewLimiter(rate.Every(coalesceWindow), 1),
	}
}

// Push enters req at the top of its view's stack, scheduling eviction if it
// carries an expiry.
func (m *Manager) Push(req *Request) {
	m.stacks[req.View] = append(m.stacks[req.View], req)

	if req.ExpiresAt != nil {
		d := time.Until(*req.ExpiresAt)
		if d < 0 {
			d = 0
		}
		m.scheduler.Schedule(d, func() { m.evict(req) })
	}

	m.scheduleEmit()
}

// evict removes req from its view's stack if still present.
func (m *Manager) evict(req *Request) {
	stack := m.stacks[req.View]
	for i, r := range stack {
		if r == req {
			m.stacks[req.View] = append(stack[:i:i], stack[i+1:]...)
			m.scheduleEmit()
			return
		}
	}
}

// Clear removes every entry belonging to pkg. If view is nil, both views
// are cleared.
func (m *Manager) Clear(pkg string, view *View) {
	views := []View{Dashboard, Main}
	if view != nil {
		views = []View{*view}
	}

	changed := false
	for _, v := range views {
		stack := m.stacks[v]
		kept := stack[:0]
		for _, r := range stack {
			if r.PackageName == pkg {
				changed = true
				continue
			}
			kept = append(kept, r)
		}
		m.stacks[v] = kept
	}
	if changed {
		m.scheduleEmit()
	}
}

// SetView switches the active view and emits the new visible content.
func (m *Manager) SetView(v View) {
	if m.activeView == v {
		return
	}
	m.activeView = v
	m.scheduleEmit()
}

// VisibleContent returns the top-of-stack request for the active view, or
// nil if empty.
func (m *Manager) VisibleContent() *Request {
	stack := m.stacks[m.activeView]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// scheduleEmit emits immediately if the rate limiter allows it, otherwise
// coalesces: at most one pending re-check is scheduled, which emits the
// latest state once the window elapses.
func (m *Manager) scheduleEmit() {
	if m.limiter.Allow() {
		m.emitNow()
		return
	}
	if m.coalesceScheduled {
		metrics.DisplayCoalescedTotal.Inc()
		return
	}
	m.coalesceScheduled = true
	m.scheduler.Schedule(coalesceWindow, func() {
		m.coalesceScheduled = false
		m.emitNow()
	})
}

func (m *Manager) emitNow() {
	visible := m.VisibleContent()
	if visible == nil {
		m.emitter.EmitDisplayEvent(m.activeView, nil, "")
		return
	}
	m.emitter.EmitDisplayEvent(m.activeView, visible.Content, visible.Layout)
}
