package model

import (
	"encoding/json"
	"fmt"
)

// Event types exchanged over a room connection.
const (
	// TypeHello is sent by the server right after the websocket is accepted
	// and carries the connection-scoped identity.
	TypeHello = "hello"
	// TypeJoin is a client's request to enter a room.
	TypeJoin = "join"
	// TypeJoined announces an admission to every member of the room,
	// the admitted connection included.
	TypeJoined = "joined"
	// TypeDisconnected announces an eviction to the remaining members.
	TypeDisconnected = "disconnected"
	// TypeCodeChange carries the full buffer text of the sender.
	TypeCodeChange = "code_change"
	// TypeSyncCode is the targeted late-joiner state transfer.
	TypeSyncCode = "sync_code"
	// TypeChat is a room chat message.
	TypeChat = "message"
)

// Member is a roster entry as seen by every room participant.
type Member struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// Event is the wire envelope for everything crossing a room connection.
type Event struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound events the server re-assigns this based on the websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a marshaled payload.
func NewEvent(typ string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Payload: b}, nil
}

// MustEvent is NewEvent for payload types that cannot fail to marshal.
func MustEvent(typ string, payload any) Event {
	ev, err := NewEvent(typ, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (ev Event) Decode(v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}

// HelloPayload delivers the server-assigned connection id.
type HelloPayload struct {
	ConnectionID string `json:"connection_id"`
}

// JoinPayload is a request to enter a room.
type JoinPayload struct {
	RoomID      string `json:"room_id"`
	DisplayName string `json:"display_name"`
}

// JoinedPayload carries the post-admission roster snapshot.
type JoinedPayload struct {
	Members      []Member `json:"members"`
	DisplayName  string   `json:"display_name"`
	ConnectionID string   `json:"connection_id"`
}

// DisconnectedPayload names the vacated connection.
type DisconnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// CodeChangePayload is the full buffer text after a local edit.
type CodeChangePayload struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// SyncCodePayload is the late-joiner state transfer. ConnectionID is the
// admitted connection the text is destined for.
type SyncCodePayload struct {
	Text         string `json:"text"`
	ConnectionID string `json:"connection_id"`
}

// ChatPayload is a room chat message.
type ChatPayload struct {
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

// Wire is the channel pair bridging one websocket session and the relay.
// RX carries events read from the connection, TX events to be written to it.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}
