// Package wire defines the JSON envelope sum types exchanged between the
// broker and its two WebSocket populations (glasses, Apps), using a
// two-phase decode idiom: read a small discriminant first (ParseKind),
// then decode the full payload once the kind is known.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire-level message type discriminant, carried in every
// envelope's "type" field. Wire names are preserved verbatim for client
// compatibility.
type Kind string

// Glasses → Cloud.
const (
	KindConnectionInit   Kind = "connection_init"
	KindRTMPStreamStatus Kind = "rtmp_stream_status"
	KindKeepAliveAck     Kind = "keep_alive_ack"
	KindButtonPress      Kind = "button_press"
	KindHeadPosition     Kind = "head_position"
	KindLocationUpdate   Kind = "location_update"
)

// Cloud → Glasses.
const (
	KindStartRTMPStream     Kind = "start_rtmp_stream"
	KindStopRTMPStream      Kind = "stop_rtmp_stream"
	KindKeepRTMPStreamAlive Kind = "keep_rtmp_stream_alive"
	KindDisplayEvent        Kind = "display_event"
	KindAppStateChange      Kind = "app_state_change"
	KindMicStateChange      Kind = "microphone_state_change"
)

// App → Cloud.
const (
	KindTPAConnectionInit Kind = "tpa_connection_init"
	KindSubscriptionUpdate Kind = "subscription_update"
	KindDisplayRequest    Kind = "display_request"
	KindRTMPStreamRequest Kind = "rtmp_stream_request"
	KindRTMPStreamStop    Kind = "rtmp_stream_stop"
	KindPhotoRequest      Kind = "photo_request"
)

// Cloud → App.
const (
	KindConnectionAck  Kind = "connection_ack"
	KindDataStream     Kind = "data_stream"
	KindSettingsUpdate Kind = "settings_update"
)

// Cloud → either (diagnostic).
const (
	KindProtocolError Kind = "protocol_error"
)

// Envelope is the outer JSON shape: {"type": "...", ...rest}. ParseKind reads
// Type first, then the caller re-unmarshals the original bytes into the
// concrete payload type for that Kind — mirroring moq.ReadControlMsg's
// "read discriminant, then parse by type" shape, adapted from a binary tag
// to a JSON field.
type Envelope struct {
	Type Kind `json:"type"`
}

// ParseKind reads only the "type" discriminant from raw JSON, without
// decoding the rest of the message.
func ParseKind(data []byte) (Kind, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("wire: parse envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wire: missing type field")
	}
	return env.Type, nil
}

// --- Glasses → Cloud payloads ---

type Capabilities struct {
	Camera  bool `json:"camera"`
	Display bool `json:"display"`
	Mic     bool `json:"mic"`
	Buttons bool `json:"buttons"`
}

type ConnectionInit struct {
	UserID       string       `json:"userId"`
	DeviceModel  string       `json:"deviceModel"`
	Capabilities Capabilities `json:"capabilities"`
}

// RTMPStatus is the glasses-reported lifecycle state of a stream.
type RTMPStatus string

const (
	RTMPConnecting   RTMPStatus = "connecting"
	RTMPInitializing RTMPStatus = "initializing"
	RTMPActive       RTMPStatus = "active"
	RTMPStreaming    RTMPStatus = "streaming"
	RTMPStopping     RTMPStatus = "stopping"
	RTMPStopped      RTMPStatus = "stopped"
	RTMPDisconnected RTMPStatus = "disconnected"
	RTMPTimeout      RTMPStatus = "timeout"
	RTMPError        RTMPStatus = "error"
	RTMPBusy         RTMPStatus = "busy"
)

type RTMPStreamStatus struct {
	StreamID     string         `json:"streamId"`
	Status       RTMPStatus     `json:"status"`
	Stats        map[string]any `json:"stats,omitempty"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
}

type KeepAliveAck struct {
	StreamID  string `json:"streamId"`
	AckID     string `json:"ackId"`
	Timestamp int64  `json:"timestamp"`
}

type ButtonPress struct {
	ButtonID  string `json:"buttonId"`
	PressType string `json:"pressType"`
}

type HeadPosition string

const (
	HeadUp   HeadPosition = "up"
	HeadDown HeadPosition = "down"
)

type HeadPositionUpdate struct {
	Position HeadPosition `json:"position"`
}

type LocationUpdate struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// --- Cloud → Glasses payloads ---

type StartRTMPStream struct {
	StreamID string         `json:"streamId"`
	RTMPURL  string         `json:"rtmpUrl"`
	Video    map[string]any `json:"video,omitempty"`
	Audio    map[string]any `json:"audio,omitempty"`
	Stream   map[string]any `json:"stream,omitempty"`
}

type StopRTMPStream struct {
	AppID string `json:"appId,omitempty"`
}

type KeepRTMPStreamAlive struct {
	StreamID  string `json:"streamId"`
	AckID     string `json:"ackId"`
	Timestamp int64  `json:"timestamp"`
}

type DisplayEvent struct {
	View      string `json:"view"`
	Content   any    `json:"content"`
	Layout    string `json:"layout"`
	Timestamp int64  `json:"timestamp"`
}

type AppStateChange struct {
	Running []string `json:"running"`
	Loading []string `json:"loading"`
}

type MicrophoneStateChange struct {
	Enabled bool `json:"enabled"`
}

// --- App → Cloud payloads ---

type TPAConnectionInit struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

type SubscriptionUpdate struct {
	Subscriptions []string `json:"subscriptions"`
}

type DisplayRequest struct {
	View       string `json:"view"`
	Content    any    `json:"content"`
	Layout     string `json:"layout"`
	DurationMs *int64 `json:"durationMs,omitempty"`
}

type RTMPStreamRequest struct {
	RTMPURL string         `json:"rtmpUrl"`
	Video   map[string]any `json:"video,omitempty"`
	Audio   map[string]any `json:"audio,omitempty"`
	Stream  map[string]any `json:"stream,omitempty"`
}

type RTMPStreamStop struct {
	StreamID string `json:"streamId,omitempty"`
}

type PhotoRequest struct {
	SaveToGallery bool `json:"saveToGallery,omitempty"`
}

// --- Cloud → App payloads ---

type ConnectionAck struct {
	SessionID string `json:"sessionId"`
}

type DataStream struct {
	StreamType string `json:"streamType"`
	Data       any    `json:"data"`
}

type SettingsUpdate struct {
	Settings map[string]any `json:"settings"`
}

// ProtocolErrorMsg is sent back to a sender on malformed input.
type ProtocolErrorMsg struct {
	Reason string `json:"reason"`
}

// Encode wraps a payload with its Kind discriminant and marshals it to JSON.
// Payload must marshal to a JSON object; its fields are merged alongside
// "type" by round-tripping through a map, matching the wire shape
// {"type": "...", ...payload fields}.
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", kind, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("wire: payload for %s is not a JSON object: %w", kind, err)
	}
	fields["type"] = kind
	return json.Marshal(fields)
}
