package types

import (
	"encoding/json"
	"time"
)

// Wire event names. The JSON-serialized WebsocketMessage is what actually
// travels over the websocket connection, in both directions.
const (
	WireEventInfo     = "info"
	WireEventChat     = "chat"
	WireEventHistory  = "history"
	WireEventCommand  = "command"
	WireEventNotice   = "notice"
	WireEventError    = "error"
	WireEventPresence = "presence"
	WireEventMembers  = "members"
	WireEventAck      = "ack"
	WireEventDM       = "dm"
)

// Error codes carried by WireError.
const (
	ErrCodeAuthRequired = "auth_required"
	ErrCodeValidation   = "validation"
	ErrCodeForbidden    = "forbidden"
	ErrCodeBackend      = "backend"
)

type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Envelope wraps a payload into a WebsocketMessage. Marshal errors are
// programming errors (all payloads are plain structs), so they surface as
// a nil slice the caller logs and drops.
func Envelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// ChatSend is the client->server payload for a chat line. ClientRef is an
// opaque client-side reference echoed back in rejections so the composer
// text can be preserved for retry; for direct messages it is the temporary
// id of the optimistic local echo.
type ChatSend struct {
	Body      string `json:"body" mapstructure:"body"`
	ClientRef string `json:"client_ref" mapstructure:"client_ref"`
}

// WireHistory is the initial page of messages sent on registration,
// ordered created_at ascending (id ascending on ties).
type WireHistory struct {
	RoomId   string       `json:"room_id,omitempty"`
	ThreadId string       `json:"thread_id,omitempty"`
	Messages []*Message   `json:"messages,omitempty"`
	DMs      []*DMMessage `json:"dms,omitempty"`
}

// WireNotice is a transient, non-persisted status line delivered to a single
// client only (f.e. the feedback after a successful /mode command).
type WireNotice struct {
	Text      string `json:"text"`
	ClientRef string `json:"client_ref,omitempty"`
}

// WireError is a user-visible failure for one attempted operation. The
// attempt is terminal, there are no automatic retries.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

// WirePresence is the full-state snapshot of online user ids in a room.
// Receivers replace their online set, they never accumulate.
type WirePresence struct {
	RoomId  string   `json:"room_id"`
	UserIds []string `json:"user_ids"`
}

// WireMembers is the resynchronized membership list after any membership
// change, ordered by user id ascending.
type WireMembers struct {
	RoomId  string        `json:"room_id"`
	Members []*Membership `json:"members"`
}

// WireAck confirms an append to its sender and closes the client_ref of the
// send. For direct messages TempId matches the optimistic echo and Message is
// the authoritative row; for room chat Chat carries the stored message.
type WireAck struct {
	TempId  string     `json:"temp_id"`
	Message *DMMessage `json:"message,omitempty"`
	Chat    *Message   `json:"chat,omitempty"`
}

// WireInfo describes the joined room to a freshly registered client.
type WireInfo struct {
	Room        *Room     `json:"room,omitempty"`
	ThreadId    string    `json:"thread_id,omitempty"`
	Connections int       `json:"connections"`
	ServerTime  time.Time `json:"server_time"`
}
