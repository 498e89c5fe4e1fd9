package session

// Info, StreamInfo and Registry.Snapshot/AllStreams give internal/api a safe,
// read-only view of actor state. Since Session fields may only be touched
// from the actor goroutine, every read is a synchronous round trip through
// Post — the same request/response-over-the-mailbox idiom the package's own
// tests already use to observe state from outside the actor.

// Info is a point-in-time snapshot of one user's session, safe to read and
// serialize from any goroutine.
type Info struct {
	UserID       string   `json:"userId"`
	SessionID    string   `json:"sessionId"`
	GlassesUp    bool     `json:"glassesUp"`
	RunningApps  []string `json:"runningApps"`
	LoadingApps  []string `json:"loadingApps"`
	CreatedAtUTC int64    `json:"createdAtUnixMs"`
}

// StreamInfo is a point-in-time snapshot of one supervised RTMP stream.
type StreamInfo struct {
	UserID   string `json:"userId"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Viewers  int    `json:"viewers"`
}

// Info returns a snapshot of this session's current state. Safe to call
// from any goroutine.
func (s *Session) Info() Info {
	ch := make(chan Info, 1)
	s.Post(func() {
		ch <- Info{
			UserID:       s.userID,
			SessionID:    s.sessionID,
			GlassesUp:    s.glasses != nil,
			RunningApps:  s.Apps.RunningApps(),
			LoadingApps:  s.Apps.LoadingApps(),
			CreatedAtUTC: s.createdAt.UnixMilli(),
		}
	})
	return <-ch
}

// StreamInfos returns a snapshot of this session's currently supervised
// RTMP streams. Safe to call from any goroutine.
func (s *Session) StreamInfos() []StreamInfo {
	ch := make(chan []StreamInfo, 1)
	s.Post(func() {
		streams := s.Streams.List()
		out := make([]StreamInfo, 0, len(streams))
		for _, st := range streams {
			out = append(out, StreamInfo{
				UserID:   s.userID,
				StreamID: st.ID,
				Kind:     st.Kind.String(),
				Status:   string(st.Status),
				Viewers:  len(st.Viewers),
			})
		}
		ch <- out
	})
	return <-ch
}

// ResolvePhoto delivers an image captured by glasses back to whoever
// requested it: the image/CDN pipeline calls this (via internal/api's
// photo-upload route) once the captured photo has landed in storage.
// Safe to call from any goroutine.
func (s *Session) ResolvePhoto(requestID, imageRef string) error {
	ch := make(chan error, 1)
	s.Post(func() {
		ch <- s.Photos.Resolve(requestID, imageRef)
	})
	return <-ch
}
