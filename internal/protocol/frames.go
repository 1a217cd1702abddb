// Package protocol implements the client side of the persistent realtime
// channel: handshake, heartbeats, idempotent sends, streamed token delivery,
// reconnect-with-resume and cooperative interruption.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// ProtocolVersion is the wire envelope version this client speaks.
const ProtocolVersion = 1

type FrameType string

const (
	TypeHello     FrameType = "HELLO"
	TypeAck       FrameType = "ACK"
	TypePing      FrameType = "PING"
	TypePong      FrameType = "PONG"
	TypeChatSend  FrameType = "CHAT_SEND"
	TypeChatToken FrameType = "CHAT_TOKEN"
	TypeChatDone  FrameType = "CHAT_DONE"
	TypeInterrupt FrameType = "INTERRUPT"

	// Non-chat event types; same envelope/seq/cursor discipline.
	TypeSuggestion    FrameType = "SUGGESTION"
	TypeJobStatus     FrameType = "JOB_STATUS"
	TypeTimelineEvent FrameType = "TIMELINE_EVENT"
	TypeRoomEvent     FrameType = "ROOM_EVENT"
)

// Frame is the JSON envelope shared by both directions. Server frames
// additionally carry server_event_id/seq/cursor; seq is server-assigned,
// strictly increasing per save_id.
type Frame struct {
	ProtocolVersion int             `json:"protocol_version"`
	Type            FrameType       `json:"type"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	DeviceID        string          `json:"device_id,omitempty"`
	SaveID          string          `json:"save_id"`
	TS              int64           `json:"ts"`
	ResumeFrom      int64           `json:"resume_from,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`

	ServerEventID string `json:"server_event_id,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
	AckRequired   bool   `json:"ack_required,omitempty"`
}

func (f *Frame) validate() error {
	if f == nil {
		return errors.New("protocol: nil frame")
	}
	if f.ProtocolVersion != ProtocolVersion {
		return errors.New("protocol: unsupported protocol_version")
	}
	if strings.TrimSpace(string(f.Type)) == "" {
		return errors.New("protocol: missing type")
	}
	if strings.TrimSpace(f.SaveID) == "" {
		return errors.New("protocol: missing save_id")
	}
	return nil
}

// --- payloads ---

type HelloPayload struct {
	// Client -> server: advertised capabilities; server -> client: session
	// confirmation.
	Client string `json:"client,omitempty"`
}

type AckPayload struct {
	// UpTo is the highest seq the sender has durably processed.
	UpTo int64 `json:"up_to,omitempty"`
	// ClientRequestID confirms receipt of an idempotent send.
	ClientRequestID string `json:"client_request_id,omitempty"`
}

type ChatSendPayload struct {
	Text string `json:"text"`
}

type ChatTokenPayload struct {
	MessageID  string `json:"message_id"`
	TokenIndex int    `json:"token_index"`
	Text       string `json:"text"`
}

type ChatDonePayload struct {
	MessageID   string `json:"message_id"`
	Interrupted bool   `json:"interrupted"`
}

type InterruptPayload struct {
	MessageID string `json:"message_id,omitempty"`
}

func unmarshalStrictish(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("protocol: missing payload")
	}
	return json.Unmarshal(raw, v)
}

func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
