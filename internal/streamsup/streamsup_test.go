package streamsup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glasshub/broker/internal/brokererr"
	"github.com/glasshub/broker/internal/collab"
	"github.com/glasshub/broker/internal/wire"
)

type sentMsg struct {
	to   string
	kind wire.Kind
	body any
}

type fakeSender struct {
	sent []sentMsg
}

func (f *fakeSender) SendToGlasses(kind wire.Kind, payload any) {
	f.sent = append(f.sent, sentMsg{"glasses", kind, payload})
}

func (f *fakeSender) SendToApp(pkg string, kind wire.Kind, payload any) error {
	f.sent = append(f.sent, sentMsg{pkg, kind, payload})
	return nil
}

func (f *fakeSender) kindsTo(to string) []wire.Kind {
	var out []wire.Kind
	for _, s := range f.sent {
		if s.to == to {
			out = append(out, s.kind)
		}
	}
	return out
}

type fakeBroadcaster struct {
	statuses []wire.RTMPStreamStatus
}

func (f *fakeBroadcaster) BroadcastRTMPStatus(payload wire.RTMPStreamStatus) {
	f.statuses = append(f.statuses, payload)
}

type fakeMedia struct {
	allocErr  error
	outputs   map[string]map[string]bool
	nextID    int
	released  []string
	removedID []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{outputs: make(map[string]map[string]bool)}
}

func (f *fakeMedia) AllocateIngest(_ context.Context, streamID string) (collab.IngestAllocation, error) {
	if f.allocErr != nil {
		return collab.IngestAllocation{}, f.allocErr
	}
	return collab.IngestAllocation{
		CFIngestURL: "rtmps://ingest.example.com/" + streamID,
		AccessURLs:  collab.AccessURLs{HLS: "https://cdn.example.com/" + streamID + "/hls"},
	}, nil
}

func (f *fakeMedia) AddRestreamOutput(_ context.Context, streamID, _, _ string) (string, error) {
	f.nextID++
	id := "output-" + string(rune('a'+f.nextID))
	if f.outputs[streamID] == nil {
		f.outputs[streamID] = make(map[string]bool)
	}
	f.outputs[streamID][id] = true
	return id, nil
}

func (f *fakeMedia) RemoveRestreamOutput(_ context.Context, streamID, outputID string) error {
	delete(f.outputs[streamID], outputID)
	f.removedID = append(f.removedID, outputID)
	return nil
}

func (f *fakeMedia) ReleaseIngest(_ context.Context, streamID string) error {
	f.released = append(f.released, streamID)
	return nil
}

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

func testConfig() Config {
	return Config{
		KeepAliveInterval: 15 * time.Second,
		AckTimeout:        5 * time.Second,
		MaxMissedAcks:     3,
		DirectStopTimeout: 15 * time.Second,
		ManagedGrace:      30 * time.Second,
		MaxOutputsPerApp:  10,
		MaxOutputsPerSt:   10,
	}
}

func newTestSupervisor() (*Supervisor, *fakeSender, *fakeBroadcaster, *fakeMedia, *fakeScheduler) {
	sender := &fakeSender{}
	bc := &fakeBroadcaster{}
	media := newFakeMedia()
	sched := &fakeScheduler{}
	return New(sender, bc, media, sched, testConfig()), sender, bc, media, sched
}

func TestRequestDirectStartsStreamAndKeepAlive(t *testing.T) {
	t.Parallel()

	s, sender, _, _, sched := newTestSupervisor()

	id, err := s.RequestDirect("com.a", "rtmp://ingest.example.com/live", Params{})
	if err != nil {
		t.Fatalf("RequestDirect: %v", err)
	}
	if len(sender.kindsTo("glasses")) != 1 || sender.kindsTo("glasses")[0] != wire.KindStartRTMPStream {
		t.Errorf("expected start_rtmp_stream sent to glasses")
	}
	if len(sched.pending) != 1 {
		t.Fatalf("expected one scheduled keep-alive tick, got %d", len(sched.pending))
	}
	if _, ok := s.Get(id); !ok {
		t.Error("stream should be tracked")
	}
}

func TestRequestDirectWhileBusyRejectsAndBroadcasts(t *testing.T) {
	t.Parallel()

	s, sender, bc, _, _ := newTestSupervisor()

	firstID, err := s.RequestDirect("com.a", "rtmp://ingest/a", Params{})
	if err != nil {
		t.Fatalf("first RequestDirect: %v", err)
	}

	_, err = s.RequestDirect("com.b", "rtmp://ingest/b", Params{})
	if brokererr.KindOf(err) != brokererr.KindBusy {
		t.Fatalf("second RequestDirect = %v, want Busy", err)
	}

	if len(bc.statuses) != 1 || bc.statuses[0].Status != wire.RTMPBusy || bc.statuses[0].StreamID != firstID {
		t.Errorf("expected busy broadcast referencing %s, got %v", firstID, bc.statuses)
	}
	found := false
	for _, s := range sender.sent {
		if s.to == "com.b" && s.kind == wire.KindRTMPStreamStatus {
			found = true
		}
	}
	if !found {
		t.Error("expected busy status sent directly to the rejected requester")
	}
}

func TestStopDirectIsIdempotentAndFinalizesOnTimeout(t *testing.T) {
	t.Parallel()

	s, sender, _, _, sched := newTestSupervisor()
	id, _ := s.RequestDirect("com.a", "rtmp://x", Params{})

	s.StopDirect(id)
	st, _ := s.Get(id)
	if st.Status != StatusStopping {
		t.Fatalf("status = %v, want Stopping", st.Status)
	}

	s.StopDirect(id) // idempotent
	sentAfterFirstStop := len(sender.sent)
	s.StopDirect(id)
	if len(sender.sent) != sentAfterFirstStop {
		t.Error("repeated StopDirect should not resend stop_rtmp_stream")
	}

	// Fire every pending timer (keep-alive tick is now stale; stop-timeout fires).
	sched.runAll()
	if st.Status != StatusStopped {
		t.Errorf("status after stop timeout = %v, want Stopped", st.Status)
	}
	if _, ok := s.Get(s.directStreamID); s.directStreamID != "" || ok {
		t.Error("directStreamID should be cleared after finalization")
	}
}

func TestHandleStatusStoppedClearsDirectSlot(t *testing.T) {
	t.Parallel()

	s, sender, _, _, _ := newTestSupervisor()
	id, _ := s.RequestDirect("com.a", "rtmp://x", Params{})

	s.HandleStatus(id, wire.RTMPStopped, map[string]any{"bitrate": 1200}, "")

	st, _ := s.Get(id)
	if st.Status != StatusStopped {
		t.Errorf("status = %v, want Stopped", st.Status)
	}
	if s.directStreamID != "" {
		t.Error("directStreamID should be released on terminal status")
	}

	// A second direct request should now succeed rather than being busy.
	if _, err := s.RequestDirect("com.b", "rtmp://y", Params{}); err != nil {
		t.Errorf("RequestDirect after release: %v", err)
	}
	found := false
	for _, m := range sender.sent {
		if m.to == "com.a" && m.kind == wire.KindRTMPStreamStatus {
			found = true
		}
	}
	if !found {
		t.Error("expected status delivered to the direct requester")
	}
}

func TestAddViewerLazilyAllocatesAndSharesStream(t *testing.T) {
	t.Parallel()

	s, sender, _, media, _ := newTestSupervisor()

	ctx := context.Background()
	st1, err := s.AddViewer(ctx, "com.a")
	if err != nil {
		t.Fatalf("AddViewer: %v", err)
	}
	st2, err := s.AddViewer(ctx, "com.b")
	if err != nil {
		t.Fatalf("AddViewer: %v", err)
	}
	if st1.ID != st2.ID {
		t.Error("second viewer should join the same managed stream")
	}
	if len(st1.Viewers) != 2 {
		t.Errorf("viewers = %d, want 2", len(st1.Viewers))
	}

	startCount := 0
	for _, m := range sender.sent {
		if m.to == "glasses" && m.kind == wire.KindStartRTMPStream {
			startCount++
		}
	}
	if startCount != 1 {
		t.Errorf("start_rtmp_stream sent %d times, want 1 (lazy, shared)", startCount)
	}
	if len(media.released) != 0 {
		t.Error("ingest should not be released while viewers remain")
	}
}

func TestRemoveViewerStopsAfterGraceWithNoRejoin(t *testing.T) {
	t.Parallel()

	s, _, _, media, sched := newTestSupervisor()
	ctx := context.Background()
	st, _ := s.AddViewer(ctx, "com.a")

	s.RemoveViewer("com.a")
	if len(sched.pending) != 2 { // keep-alive tick + grace timer
		t.Fatalf("pending timers = %d, want 2", len(sched.pending))
	}

	sched.runAll()
	if st.Status != StatusStopped {
		t.Errorf("status = %v, want Stopped after grace elapses with no viewers", st.Status)
	}
	if len(media.released) != 1 || media.released[0] != st.ID {
		t.Errorf("released = %v, want [%s]", media.released, st.ID)
	}
}

func TestRemoveViewerGraceIsCanceledByRejoin(t *testing.T) {
	t.Parallel()

	s, _, _, media, sched := newTestSupervisor()
	ctx := context.Background()
	st, _ := s.AddViewer(ctx, "com.a")

	s.RemoveViewer("com.a")
	if _, err := s.AddViewer(ctx, "com.b"); err != nil {
		t.Fatalf("AddViewer rejoin: %v", err)
	}

	sched.runAll() // includes the now-stale grace timer
	if st.Status == StatusStopped {
		t.Error("stream should not stop: a viewer rejoined before the grace timer fired")
	}
	if len(media.released) != 0 {
		t.Error("ingest should not be released after a rejoin")
	}
}

func TestAddOutputEnforcesCapsAndValidation(t *testing.T) {
	t.Parallel()

	s, _, _, _, _ := newTestSupervisor()
	ctx := context.Background()
	st, _ := s.AddViewer(ctx, "com.a")

	if _, err := s.AddOutput(ctx, st.ID, "com.b", "rtmp://out/1", "n"); brokererr.KindOf(err) != brokererr.KindAuth {
		t.Errorf("AddOutput from non-viewer = %v, want Auth", err)
	}

	if _, err := s.AddOutput(ctx, st.ID, "com.a", "http://out/1", "n"); brokererr.KindOf(err) != brokererr.KindProtocol {
		t.Errorf("AddOutput with bad scheme = %v, want Protocol", err)
	}

	outID, err := s.AddOutput(ctx, st.ID, "com.a", "rtmp://out/1", "n")
	if err != nil {
		t.Fatalf("AddOutput: %v", err)
	}
	if _, err := s.AddOutput(ctx, st.ID, "com.a", "rtmp://out/1", "n"); brokererr.KindOf(err) != brokererr.KindProtocol {
		t.Errorf("duplicate AddOutput = %v, want Protocol", err)
	}

	for i := 0; i < 9; i++ {
		if _, err := s.AddOutput(ctx, st.ID, "com.a", "rtmp://out/more"+string(rune('a'+i)), "n"); err != nil {
			t.Fatalf("AddOutput %d: %v", i, err)
		}
	}
	if _, err := s.AddOutput(ctx, st.ID, "com.a", "rtmp://out/overflow", "n"); brokererr.KindOf(err) != brokererr.KindResourceExhausted {
		t.Errorf("AddOutput past cap = %v, want ResourceExhausted", err)
	}

	if err := s.RemoveOutput(ctx, st.ID, outID, "com.a"); err != nil {
		t.Errorf("RemoveOutput: %v", err)
	}
	if err := s.RemoveOutput(ctx, st.ID, outID, "com.a"); brokererr.KindOf(err) != brokererr.KindNotFound {
		t.Errorf("RemoveOutput twice = %v, want NotFound", err)
	}
}

func TestKeepAliveMissedThreeTimesMarksTimeout(t *testing.T) {
	t.Parallel()

	s, sender, _, _, sched := newTestSupervisor()
	id, _ := s.RequestDirect("com.a", "rtmp://x", Params{})
	st, _ := s.Get(id)

	// Each round drains whatever is currently queued (a tick and/or an ack
	// timeout); nothing ever ACKs, so missed acks accumulate one per round
	// until the third miss halts the loop. Bounded well past what's needed.
	for i := 0; i < 10 && st.Status != StatusTimeout; i++ {
		pending := sched.pending
		sched.pending = nil
		for _, fn := range pending {
			fn()
		}
	}

	if st.Status != StatusTimeout {
		t.Fatalf("status = %v, want Timeout after 3 missed acks", st.Status)
	}

	foundStop := false
	for _, m := range sender.sent {
		if m.to == "glasses" && m.kind == wire.KindStopRTMPStream {
			foundStop = true
		}
	}
	if !foundStop {
		t.Error("expected a best-effort stop_rtmp_stream after timeout")
	}
}

func TestHandleAckResetsMissedCounter(t *testing.T) {
	t.Parallel()

	s, _, _, _, sched := newTestSupervisor()
	id, _ := s.RequestDirect("com.a", "rtmp://x", Params{})

	sched.runAll() // tick fires: sends keep-alive, schedules ack-timeout + next tick

	st, _ := s.Get(id)
	var ackID string
	for aid := range st.PendingAcks {
		ackID = aid
	}
	if ackID == "" {
		t.Fatal("expected one pending ack after the tick")
	}

	s.HandleAck(id, ackID)
	if st.MissedAcks != 0 {
		t.Errorf("MissedAcks = %d, want 0 after ack", st.MissedAcks)
	}

	sched.runAll() // the now-stale ack-timeout for ackID must be a no-op
	if st.MissedAcks != 0 {
		t.Errorf("MissedAcks after stale timeout fired = %d, want 0", st.MissedAcks)
	}
}

func TestTeardownAllReleasesManagedIngestAndNotifies(t *testing.T) {
	t.Parallel()

	s, sender, _, media, _ := newTestSupervisor()
	ctx := context.Background()
	st, _ := s.AddViewer(ctx, "com.a")

	s.TeardownAll(ctx)

	if st.Status != StatusStopped {
		t.Errorf("status = %v, want Stopped", st.Status)
	}
	if len(media.released) != 1 || media.released[0] != st.ID {
		t.Errorf("released = %v", media.released)
	}
	found := false
	for _, m := range sender.sent {
		if m.to == "com.a" && m.kind == wire.KindRTMPStreamStatus {
			found = true
		}
	}
	if !found {
		t.Error("expected terminal status notification to viewer")
	}
	if _, ok := s.Get(st.ID); ok {
		t.Error("stream registry should be cleared after teardown")
	}
}

func TestAllocateIngestFailurePropagatesAsTransient(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	bc := &fakeBroadcaster{}
	media := newFakeMedia()
	media.allocErr = errors.New("cdn unavailable")
	sched := &fakeScheduler{}
	s := New(sender, bc, media, sched, testConfig())

	_, err := s.AddViewer(context.Background(), "com.a")
	if brokererr.KindOf(err) != brokererr.KindTransient {
		t.Errorf("AllocateIngest failure = %v, want Transient", err)
	}
}
