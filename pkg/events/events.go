package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Names of events exchanged over the stream.
const (
	// Inbound
	EventNotification = "new_request_notification"
	EventNewRequest   = "new_request"
	EventPermissions  = "permissions_updated"
	EventHeartbeat    = "heartbeat"

	// Outbound
	EventJoinRoom = "join_room"
)

// DefaultIDBucket is the time bucket used to derive an effective id for
// events that arrive without one.
const DefaultIDBucket = time.Second

// Event is a user-facing notification as it arrives from the stream.
// It is transient and never persisted.
type Event struct {
	ID         string    `json:"id,omitempty"`
	Message    string    `json:"message"`
	Type       string    `json:"type,omitempty"`
	IsPurchase bool      `json:"isPurchase,omitempty"`
	Sector     string    `json:"sector,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// PermissionSet is the payload of a permissions_updated event, forwarded
// verbatim to the session layer.
type PermissionSet map[string]bool

// Envelope is the wire frame for every stream message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomPayload is the body of an outbound join_room frame.
type JoinRoomPayload struct {
	Room string `json:"room"`
}

// EffectiveID returns the identifier used for de-duplication. Events that
// carry an id use it as-is. For events without one the message text is
// combined with the current time truncated to bucket, so a re-send of the
// same message within the same bucket collapses to one id.
//
// The fallback can under-merge two distinct events that share text within
// one bucket, and over-merge two intentionally repeated events. That is the
// upstream emitter's documented tolerance, so it is kept rather than fixed;
// bucket is a parameter to make the behavior testable.
func EffectiveID(ev Event, now time.Time, bucket time.Duration) string {
	if ev.ID != "" {
		return ev.ID
	}
	if bucket <= 0 {
		bucket = DefaultIDBucket
	}
	return fmt.Sprintf("%s-%d", ev.Message, now.UnixNano()/int64(bucket))
}

// EncodeFrame marshals an envelope carrying the given payload.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeFrame parses a raw stream message into an envelope.
func DecodeFrame(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("frame has no event name")
	}
	return &env, nil
}
