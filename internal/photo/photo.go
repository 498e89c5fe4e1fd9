// Package photo tracks outstanding photo-capture requests and resolves them
// to the App (or the PHOTO_TAKEN broadcast audience) that should receive the
// image once it arrives. It uses the same key→entity-with-expiry shape as
// a stream-ingest registry (Register/Unregister over a plain map keyed by
// a generated id), adapted from tracking live ingests to correlating
// requests with their eventual responses.
package photo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glasshub/broker/internal/brokererr"
	"github.com/glasshub/broker/internal/wire"
)

// DefaultTTL is the lifetime of an unresolved photo request.
const DefaultTTL = 30 * time.Second

// Sender delivers the resolved photo to its audience. Implemented by the
// owning session.
type Sender interface {
	SendToApp(pkg string, kind wire.Kind, payload any) error
	BroadcastPhotoTaken(imageRef, requestID string)
}

// Scheduler runs fn after d, posted back onto the owning session's actor.
type Scheduler interface {
	Schedule(d time.Duration, fn func())
}

type request struct {
	pkg string // empty for a system-originated request
}

// Tracker is not concurrency-safe on its own; every call must come from the
// owning session's actor goroutine.
type Tracker struct {
	sender    Sender
	scheduler Scheduler
	ttl       time.Duration

	pending map[string]request
}

// New creates an empty Tracker using DefaultTTL.
func New(sender Sender, scheduler Scheduler) *Tracker {
	return &Tracker{
		sender:    sender,
		scheduler: scheduler,
		ttl:       DefaultTTL,
		pending:   make(map[string]request),
	}
}

// CreateSystem registers a system-originated photo request (no requesting
// App; resolution broadcasts to PHOTO_TAKEN subscribers).
func (t *Tracker) CreateSystem() string {
	return t.create("")
}

// CreateForApp registers a photo request on behalf of pkg; resolution is
// delivered directly to pkg.
func (t *Tracker) CreateForApp(pkg string) string {
	return t.create(pkg)
}

func (t *Tracker) create(pkg string) string {
	id := uuid.NewString()
	t.pending[id] = request{pkg: pkg}
	t.scheduler.Schedule(t.ttl, func() { t.Expire(id) })
	return id
}

// Resolve correlates requestID with its image and delivers it to the
// originating App, or broadcasts it if the request was system-originated.
func (t *Tracker) Resolve(requestID, imageRef string) error {
	req, ok := t.pending[requestID]
	if !ok {
		return brokererr.NotFound("photo.Resolve", fmt.Errorf("unknown or expired photo request %s", requestID))
	}
	delete(t.pending, requestID)

	if req.pkg == "" {
		t.sender.BroadcastPhotoTaken(imageRef, requestID)
		return nil
	}
	return t.sender.SendToApp(req.pkg, wire.KindDataStream, wire.DataStream{
		StreamType: "PHOTO_TAKEN",
		Data:       map[string]any{"imageRef": imageRef, "requestId": requestID},
	})
}

// Expire drops requestID if it is still outstanding. A no-op if it was
// already resolved.
func (t *Tracker) Expire(requestID string) {
	delete(t.pending, requestID)
}

// Pending reports whether requestID is still outstanding, for tests and
// diagnostics.
func (t *Tracker) Pending(requestID string) bool {
	_, ok := t.pending[requestID]
	return ok
}
