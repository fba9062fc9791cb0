package types

import (
	"time"

	"gorm.io/gorm"
)

// Project is an indie-dev project presented in the feed.
type Project struct {
	Id        string         `json:"id" gorm:"primaryKey"`
	OwnerId   string         `json:"owner_id" gorm:"index"`
	Owner     *User          `json:"owner,omitempty" gorm:"foreignKey:OwnerId"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug" gorm:"uniqueIndex"`
	Summary   string         `json:"summary"`
	Link      string         `json:"link"`
	Tags      JSONStringMap  `json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Post is a project update shown in follower streams.
type Post struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	ProjectId string    `json:"project_id" gorm:"index:idx_posts_project_created,priority:1"`
	AuthorId  string    `json:"author_id"`
	Author    *User     `json:"author,omitempty" gorm:"foreignKey:AuthorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_posts_project_created,priority:2"`
}

// Follow subscribes a user to a project's update stream.
type Follow struct {
	ProjectId string    `json:"project_id" gorm:"primaryKey"`
	UserId    string    `json:"user_id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomActivity is a row of the "most active rooms" derived query.
type RoomActivity struct {
	Room         *Room `json:"room"`
	MessageCount int64 `json:"message_count"`
}

// ProjectActivity is a row of the "top projects" derived query.
type ProjectActivity struct {
	Project   *Project `json:"project"`
	PostCount int64    `json:"post_count"`
}
