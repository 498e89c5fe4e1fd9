package subscription

import (
	"sort"
	"testing"
)

func TestSubscribeAndSubscribersFor(t *testing.T) {
	t.Parallel()

	m := New()
	m.Subscribe("com.a", ButtonPress)
	m.Subscribe("com.b", ButtonPress)
	m.Subscribe("com.a", Location)

	got := m.SubscribersFor(ButtonPress)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "com.a" || got[1] != "com.b" {
		t.Errorf("SubscribersFor(ButtonPress) = %v", got)
	}

	got = m.SubscribersFor(Location)
	if len(got) != 1 || got[0] != "com.a" {
		t.Errorf("SubscribersFor(Location) = %v", got)
	}

	if got := m.SubscribersFor(AudioChunk); got != nil {
		t.Errorf("SubscribersFor(AudioChunk) = %v, want nil", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New()
	m.Unsubscribe("com.a", ButtonPress) // no-op, nothing held
	m.Subscribe("com.a", ButtonPress)
	m.Unsubscribe("com.a", ButtonPress)
	m.Unsubscribe("com.a", ButtonPress) // idempotent second call

	if got := m.SubscribersFor(ButtonPress); got != nil {
		t.Errorf("SubscribersFor after unsubscribe = %v, want nil", got)
	}
}

func TestClearRemovesFromAllTypes(t *testing.T) {
	t.Parallel()

	m := New()
	m.Subscribe("com.a", ButtonPress)
	m.Subscribe("com.a", Location)
	m.Subscribe("com.b", Location)

	m.Clear("com.a")

	if m.IsSubscribed("com.a", ButtonPress) {
		t.Error("com.a still subscribed to ButtonPress after Clear")
	}
	if m.IsSubscribed("com.a", Location) {
		t.Error("com.a still subscribed to Location after Clear")
	}
	if !m.IsSubscribed("com.b", Location) {
		t.Error("com.b should remain subscribed to Location")
	}
}

func TestSnapshotNotRetroactive(t *testing.T) {
	t.Parallel()

	m := New()
	m.Subscribe("com.a", ButtonPress)
	snap := m.SubscribersFor(ButtonPress)

	m.Subscribe("com.b", ButtonPress)

	if len(snap) != 1 {
		t.Errorf("snapshot mutated after later Subscribe: %v", snap)
	}
}
