// Package subscription tracks which Apps want which stream types for a
// single UserSession. It generalizes a viewer-set-keyed-by-stream-identity
// relay shape, with a snapshot-before-fan-out discipline. Unlike a relay
// serving concurrent readers/writers, Manager carries no lock of its own —
// callers are required to be the owning session's single actor goroutine,
// so the snapshot protection a concurrent relay needs is unnecessary here.
package subscription

// StreamType is the subscribable event/status category. Names are
// preserved from the wire-level contract since Apps reference these
// strings directly in subscription_update messages.
type StreamType string

const (
	RTMPStatus    StreamType = "RTMP_STATUS"
	CloudRTMP     StreamType = "CLOUD_RTMP"
	ButtonPress   StreamType = "BUTTON_PRESS"
	Location      StreamType = "LOCATION"
	HeadPosition  StreamType = "HEAD_POSITION"
	Transcription StreamType = "TRANSCRIPTION"
	PhotoTaken    StreamType = "PHOTO_TAKEN"
	AudioChunk    StreamType = "AUDIO_CHUNK"
)

// Manager holds the subscriber sets for one session. Zero value is not
// ready; use New.
type Manager struct {
	byType map[StreamType]map[string]bool
}

// New creates an empty subscription Manager.
func New() *Manager {
	return &Manager{byType: make(map[StreamType]map[string]bool)}
}

// Subscribe adds pkg to the subscriber set for t. Idempotent.
func (m *Manager) Subscribe(pkg string, t StreamType) {
	set, ok := m.byType[t]
	if !ok {
		set = make(map[string]bool)
		m.byType[t] = set
	}
	set[pkg] = true
}

// Unsubscribe removes pkg from t's subscriber set. A no-op if pkg was not
// subscribed.
func (m *Manager) Unsubscribe(pkg string, t StreamType) {
	if set, ok := m.byType[t]; ok {
		delete(set, pkg)
	}
}

// SubscribersFor returns a snapshot of the current subscribers to t. The
// caller owns the returned slice; later Subscribe/Unsubscribe calls do not
// mutate it — no retroactive delivery to subscribers that join afterward.
func (m *Manager) SubscribersFor(t StreamType) []string {
	set := m.byType[t]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	return out
}

// IsSubscribed reports whether pkg currently subscribes to t.
func (m *Manager) IsSubscribed(pkg string, t StreamType) bool {
	return m.byType[t][pkg]
}

// Clear removes pkg from every stream type's subscriber set, called on app
// stop.
func (m *Manager) Clear(pkg string) {
	for _, set := range m.byType {
		delete(set, pkg)
	}
}
