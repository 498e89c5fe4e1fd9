package session

import (
	"context"
	"fmt"
	"time"

	"github.com/glasshub/broker/internal/brokererr"
	"github.com/glasshub/broker/internal/display"
	"github.com/glasshub/broker/internal/streamsup"
	"github.com/glasshub/broker/internal/subscription"
	"github.com/glasshub/broker/internal/wire"
)

func timeNowAdd(ms int64) time.Time {
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// The methods in this file implement router.Dispatcher: the semantic
// action taken for each parsed, role-checked wire message. Every method
// here runs on the session actor goroutine (router.RouteGlasses/RouteApp
// are only ever called from inside Session.Post closures).

// --- Glasses → Cloud ---

func (s *Session) HandleConnectionInit(msg wire.ConnectionInit) error {
	s.capabilities = msg.Capabilities
	return nil
}

func (s *Session) HandleRTMPStreamStatus(msg wire.RTMPStreamStatus) error {
	s.Streams.HandleStatus(msg.StreamID, msg.Status, msg.Stats, msg.ErrorDetails)
	return nil
}

func (s *Session) HandleKeepAliveAck(msg wire.KeepAliveAck) error {
	s.Streams.HandleAck(msg.StreamID, msg.AckID)
	return nil
}

func (s *Session) HandleButtonPress(msg wire.ButtonPress) error {
	s.fanOutDataStream(subscription.ButtonPress, "BUTTON_PRESS", map[string]any{
		"buttonId": msg.ButtonID, "pressType": msg.PressType,
	})
	return nil
}

func (s *Session) HandleHeadPosition(msg wire.HeadPositionUpdate) error {
	view := display.Main
	if msg.Position == wire.HeadUp {
		view = display.Dashboard
	}
	s.Display.SetView(view)
	s.fanOutDataStream(subscription.HeadPosition, "HEAD_POSITION", map[string]any{"position": msg.Position})
	return nil
}

func (s *Session) HandleLocationUpdate(msg wire.LocationUpdate) error {
	data := map[string]any{"lat": msg.Lat, "lng": msg.Lng}
	if msg.Accuracy != nil {
		data["accuracy"] = *msg.Accuracy
	}
	s.fanOutDataStream(subscription.Location, "LOCATION", data)
	return nil
}

func (s *Session) HandleAudioFrame(data []byte) error {
	s.Audio.Ingest(time.Now(), data, len(s.Subs.SubscribersFor(subscription.AudioChunk)) > 0)
	return nil
}

func (s *Session) fanOutDataStream(t subscription.StreamType, streamType string, data any) {
	for _, pkg := range s.Subs.SubscribersFor(t) {
		_ = s.SendToApp(pkg, wire.KindDataStream, wire.DataStream{StreamType: streamType, Data: data})
	}
}

// --- App → Cloud ---

func (s *Session) HandleTPAConnectionInit(msg wire.TPAConnectionInit) error {
	if err := s.Apps.ConfirmConnect(msg.PackageName, msg.APIKey); err != nil {
		return err
	}
	return s.SendToApp(msg.PackageName, wire.KindConnectionAck, wire.ConnectionAck{SessionID: s.sessionID})
}

func (s *Session) HandleSubscriptionUpdate(pkg string, msg wire.SubscriptionUpdate) error {
	wasCloudRTMP := s.Subs.IsSubscribed(pkg, subscription.CloudRTMP)

	s.Subs.Clear(pkg)
	stillCloudRTMP := false
	for _, raw := range msg.Subscriptions {
		t := subscription.StreamType(raw)
		s.Subs.Subscribe(pkg, t)
		if t == subscription.CloudRTMP {
			stillCloudRTMP = true
			st, err := s.Streams.AddViewer(context.Background(), pkg)
			if err != nil {
				return err
			}
			_ = s.SendToApp(pkg, wire.KindRTMPStreamStatus, wire.RTMPStreamStatus{
				StreamID: st.ID, Status: wire.RTMPStatus(st.Status),
			})
		}
	}
	if wasCloudRTMP && !stillCloudRTMP {
		s.Streams.RemoveViewer(pkg)
	}
	return nil
}

func (s *Session) HandleDisplayRequest(pkg string, msg wire.DisplayRequest) error {
	req := &display.Request{PackageName: pkg, View: display.View(msg.View), Content: msg.Content, Layout: msg.Layout}
	if msg.DurationMs != nil {
		expires := timeNowAdd(*msg.DurationMs)
		req.ExpiresAt = &expires
	}
	s.Display.Push(req)
	return nil
}

func (s *Session) HandleRTMPStreamRequest(pkg string, msg wire.RTMPStreamRequest) error {
	_, err := s.Streams.RequestDirect(pkg, msg.RTMPURL, streamsup.Params{Video: msg.Video, Audio: msg.Audio, Stream: msg.Stream})
	if brokererr.KindOf(err) == brokererr.KindBusy {
		return nil // RequestDirect already delivered the busy status itself
	}
	return err
}

func (s *Session) HandleRTMPStreamStop(pkg string, msg wire.RTMPStreamStop) error {
	streamID := msg.StreamID
	if streamID == "" {
		return fmt.Errorf("session: rtmp_stream_stop missing streamId")
	}
	s.Streams.StopDirect(streamID)
	return nil
}

func (s *Session) HandlePhotoRequest(pkg string, msg wire.PhotoRequest) error {
	s.Photos.CreateForApp(pkg)
	return nil
}
