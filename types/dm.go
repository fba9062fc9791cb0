package types

import (
	"time"

	"github.com/google/uuid"
)

// DMThread is a direct-message conversation between exactly two users.
// The pair is stored canonically (UserA < UserB) so the unique index
// guarantees at most one thread per unordered pair.
type DMThread struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	UserA     string    `json:"user_a" gorm:"uniqueIndex:idx_dm_pair,priority:1"`
	UserB     string    `json:"user_b" gorm:"uniqueIndex:idx_dm_pair,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalPair orders two user ids into the stored (UserA, UserB) form.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Peer returns the other participant of the thread.
func (t *DMThread) Peer(userId string) string {
	if t.UserA == userId {
		return t.UserB
	}
	return t.UserA
}

// Includes reports whether the user participates in the thread.
func (t *DMThread) Includes(userId string) bool {
	return t.UserA == userId || t.UserB == userId
}

// DMMessage is one direct message. Append-only, same ordering rule as Message.
type DMMessage struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	ThreadId  string    `json:"thread_id" gorm:"index:idx_dm_thread_created,priority:1"`
	AuthorId  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_dm_thread_created,priority:2"`
}

func NewDMMessage(threadId, authorId, body string) *DMMessage {
	return &DMMessage{
		Id:        uuid.NewString(),
		ThreadId:  threadId,
		AuthorId:  authorId,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// Before is the canonical render order, cf. Message.Before.
func (m *DMMessage) Before(other *DMMessage) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Id < other.Id
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
