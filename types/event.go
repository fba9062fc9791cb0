package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Event kinds routed through hubs and the cross-instance bus.
const (
	EventKindChat       = "chat"
	EventKindDM         = "dm"
	EventKindPresence   = "presence"
	EventKindMembership = "membership"
	EventKindRoom       = "room"
)

// Event is the internal change-feed record: one durable append or state
// change, routed to every subscribed client (and to peer instances via the
// bus). Id is content-derived so replays and cross-instance echoes can be
// suppressed by id.
type Event struct {
	Id        string    `json:"id"`
	Kind      string    `json:"kind"`
	RoomId    string    `json:"room_id,omitempty"`
	ThreadId  string    `json:"thread_id,omitempty"`
	SourceId  string    `json:"source_id,omitempty"` // originating user
	Origin    string    `json:"origin,omitempty"`    // originating server instance
	CreatedAt time.Time `json:"created_at"`

	Message    *Message    `json:"message,omitempty"`
	DM         *DMMessage  `json:"dm,omitempty"`
	Room       *Room       `json:"room,omitempty"`
	Membership *Membership `json:"membership,omitempty"`
	UserIds    []string    `json:"user_ids,omitempty"` // presence snapshot
}

// CreateId derives the event id from its content. Call once after the event
// is fully populated.
func (e *Event) CreateId() error {
	h, err := hashstructure.Hash(e, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	e.Id = fmt.Sprintf("%016x", h)
	return nil
}

func NewChatEvent(msg *Message) *Event {
	e := &Event{
		Kind:      EventKindChat,
		RoomId:    msg.RoomId,
		SourceId:  msg.AuthorId,
		CreatedAt: msg.CreatedAt,
		Message:   msg,
	}
	e.Id = "chat:" + msg.Id
	return e
}

func NewDMEvent(msg *DMMessage) *Event {
	e := &Event{
		Kind:      EventKindDM,
		ThreadId:  msg.ThreadId,
		SourceId:  msg.AuthorId,
		CreatedAt: msg.CreatedAt,
		DM:        msg,
	}
	e.Id = "dm:" + msg.Id
	return e
}

func NewPresenceEvent(roomId string, userIds []string) *Event {
	e := &Event{
		Kind:      EventKindPresence,
		RoomId:    roomId,
		CreatedAt: time.Now().UTC(),
		UserIds:   userIds,
	}
	_ = e.CreateId()
	return e
}

func NewMembershipEvent(m *Membership) *Event {
	e := &Event{
		Kind:       EventKindMembership,
		RoomId:     m.RoomId,
		SourceId:   m.UserId,
		CreatedAt:  time.Now().UTC(),
		Membership: m,
	}
	_ = e.CreateId()
	return e
}

func NewRoomEvent(room *Room) *Event {
	e := &Event{
		Kind:      EventKindRoom,
		RoomId:    room.Id,
		CreatedAt: time.Now().UTC(),
		Room:      room,
	}
	_ = e.CreateId()
	return e
}
