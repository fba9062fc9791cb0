package types

import (
	"time"
)

// User is a Devzarr profile. The id is assigned at first login, the handle is
// chosen by the user and unique across the instance.
type User struct {
	Id          string        `json:"id" gorm:"primaryKey"`
	Handle      string        `json:"handle" gorm:"uniqueIndex"`
	DisplayName string        `json:"display_name"`
	Email       string        `json:"-" gorm:"index"` // from the OIDC claim, unique per provider
	AvatarURL   string        `json:"avatar_url"`
	Tags        JSONStringMap `json:"tags"` // free-form profile metadata (links, location, ...)
	LastOnline  time.Time     `json:"last_online"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"-"`
}
