package types

import (
	"time"

	"github.com/google/uuid"
)

// Message is a room-scoped chat line. Append-only, ordered by CreatedAt
// ascending with the id as the deterministic tie-break for identical
// timestamps.
type Message struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	RoomId    string    `json:"room_id" gorm:"index:idx_messages_room_created,priority:1"`
	AuthorId  string    `json:"author_id" gorm:"index"`
	Author    *User     `json:"author,omitempty" gorm:"foreignKey:AuthorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_messages_room_created,priority:2"`
}

// NewMessage assigns the id and timestamp for a freshly appended message.
func NewMessage(roomId, authorId, body string) *Message {
	return &Message{
		Id:        uuid.NewString(),
		RoomId:    roomId,
		AuthorId:  authorId,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// Before reports the canonical render order: CreatedAt ascending, id
// ascending on equal timestamps.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Id < other.Id
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
