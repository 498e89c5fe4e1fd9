package display

import (
	"testing"
	"time"
)

type fakeEmitter struct {
	events []emittedEvent
}

type emittedEvent struct {
	view    View
	content any
	layout  string
}

func (f *fakeEmitter) EmitDisplayEvent(view View, content any, layout string) {
	f.events = append(f.events, emittedEvent{view, content, layout})
}

// fakeScheduler queues scheduled funcs until the test calls runAll, so tests
// can exercise eviction/coalescing without real timers.
type fakeScheduler struct {
	pending []func()
}

func (f *fakeScheduler) Schedule(_ time.Duration, fn func()) {
	f.pending = append(f.pending, fn)
}

func (f *fakeScheduler) runAll() {
	pending := f.pending
	f.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func TestPushEmitsImmediatelyWithinBurst(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "hello", Layout: "text"})

	if len(e.events) != 1 {
		t.Fatalf("events = %d, want 1", len(e.events))
	}
	if e.events[0].content != "hello" {
		t.Errorf("content = %v", e.events[0].content)
	}
}

func TestVisibleContentIsTopOfStack(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "first"})
	m.Push(&Request{PackageName: "com.b", View: Dashboard, Content: "second"})

	visible := m.VisibleContent()
	if visible == nil || visible.Content != "second" {
		t.Errorf("VisibleContent = %+v, want second", visible)
	}
}

func TestClearRemovesPackageEntries(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "a1"})
	m.Push(&Request{PackageName: "com.b", View: Dashboard, Content: "b1"})

	m.Clear("com.b", nil)

	visible := m.VisibleContent()
	if visible == nil || visible.Content != "a1" {
		t.Errorf("VisibleContent after Clear = %+v, want a1", visible)
	}
}

func TestSetViewSwitchesActiveView(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	m.Push(&Request{PackageName: "com.a", View: Main, Content: "main-content"})
	m.SetView(Main)
	s.runAll()

	if len(e.events) == 0 {
		t.Fatal("expected at least one emit after SetView")
	}
	last := e.events[len(e.events)-1]
	if last.view != Main || last.content != "main-content" {
		t.Errorf("last emitted event = %+v", last)
	}
}

func TestEvictionRemovesExpiredRequest(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	expiry := time.Now().Add(time.Millisecond)
	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "transient", ExpiresAt: &expiry})

	if len(s.pending) != 1 {
		t.Fatalf("expected one scheduled eviction, got %d", len(s.pending))
	}
	s.runAll()

	if visible := m.VisibleContent(); visible != nil {
		t.Errorf("VisibleContent after eviction = %+v, want nil", visible)
	}
}

func TestCoalescesBurstUnderRateLimit(t *testing.T) {
	t.Parallel()

	e := &fakeEmitter{}
	s := &fakeScheduler{}
	m := New(e, s)

	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "v1"})
	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "v2"})
	m.Push(&Request{PackageName: "com.a", View: Dashboard, Content: "v3"})

	if len(e.events) != 1 {
		t.Fatalf("expected exactly one immediate emit, got %d", len(e.events))
	}
	if len(s.pending) != 1 {
		t.Fatalf("expected exactly one coalesced re-check scheduled, got %d", len(s.pending))
	}

	s.runAll()

	if len(e.events) != 2 {
		t.Fatalf("expected coalesced emit to fire once window elapses, got %d events", len(e.events))
	}
	if e.events[1].content != "v3" {
		t.Errorf("coalesced emit content = %v, want latest (v3)", e.events[1].content)
	}
}
