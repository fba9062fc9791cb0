package types

import (
	"time"

	"gorm.io/gorm"
)

// Membership roles, ordered by privilege.
const (
	RoleOwner     = "owner"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// Room is a Clique: a named real-time chat group. The slug is derived from
// the name (see the slug package) and unique across the instance, it is the
// URL-facing identifier. Moderated gates free speech: when set, only the
// owner, moderators and voiced members may post.
type Room struct {
	Id          string         `json:"id" gorm:"primaryKey"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug" gorm:"uniqueIndex"`
	Description string         `json:"description"`
	OwnerId     string         `json:"owner_id" gorm:"index"`
	Owner       *User          `json:"owner,omitempty" gorm:"foreignKey:OwnerId"`
	Moderated   bool           `json:"moderated"`
	Tags        JSONStringMap  `json:"tags"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"-"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

// Membership ties a user to a room. The composite primary key makes a
// duplicate join an upsert at the storage layer, never a second row.
// Voice grants speaking rights in a moderated room without an elevated role.
type Membership struct {
	RoomId   string    `json:"room_id" gorm:"primaryKey"`
	UserId   string    `json:"user_id" gorm:"primaryKey"`
	User     *User     `json:"user,omitempty" gorm:"foreignKey:UserId"`
	Role     string    `json:"role"`
	Voice    bool      `json:"voice"`
	JoinedAt time.Time `json:"joined_at"`
}

// Elevated reports whether the membership role bypasses moderation gating.
func (m *Membership) Elevated() bool {
	return m.Role == RoleOwner || m.Role == RoleModerator
}

// CanSpeak reports whether the member may post in the given room state.
func (m *Membership) CanSpeak(moderated bool) bool {
	if !moderated {
		return true
	}
	return m.Elevated() || m.Voice
}
