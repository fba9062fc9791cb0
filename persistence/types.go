package persistence

import (
	"errors"
	"time"

	"github.com/devzarr/devzarr/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert races a uniqueness constraint
	// (duplicate slug, duplicate membership, duplicate DM thread). It is a
	// recoverable, user-visible failure, not a crash.
	ErrConflict = errors.New("conflict")
	// ErrUnsupported is returned by backends that only implement the chat
	// subset (buntdb).
	ErrUnsupported = errors.New("not supported by this persistence backend")
)

// Persister is the storage contract of the server. All durability lives
// behind this interface; postgres and sqlite are served by the gorm
// implementation, buntdb covers a single-file chat-only deployment.
type Persister interface {
	// Users
	StoreUser(types.User) error
	GetUser(*types.User) error
	GetUserByHandle(handle string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	GetUsers() ([]*types.User, error)
	UpdateUserTags(*types.User, []*types.TagUpdate) ([]bool, error)
	DeleteUser(*types.User) error

	// Rooms. CreateRoom atomically inserts the room and the owner
	// membership (role owner); the room slug is unique.
	CreateRoom(types.Room) error
	StoreRoom(types.Room) error
	GetRoom(*types.Room) error
	GetRoomBySlug(slug string) (*types.Room, error)
	GetRooms() ([]*types.Room, error)
	SlugExists(slug string) (bool, error)
	SetRoomModerated(roomId string, moderated bool) error
	UpdateRoomTags(*types.Room, []*types.TagUpdate) ([]bool, error)
	DeleteRoom(*types.Room) error

	// Memberships. Join is an upsert keyed on (room, user): a duplicate
	// call never produces a second row. Memberships returns the roster
	// joined with profiles, ordered by user id ascending.
	Join(roomId, userId string) (*types.Membership, error)
	GetMembership(roomId, userId string) (*types.Membership, error)
	Memberships(roomId string) ([]*types.Membership, error)
	SetRole(roomId, userId, role string) error
	SetVoice(roomId, userId string, voice bool) error

	// Messages, append-only.
	StoreMessage(types.Message) error
	GetMessageHistory(roomId string, limit int) ([]*types.Message, error)

	// Direct messages. GetOrCreateThread canonicalizes the unordered pair
	// and guarantees at most one thread per pair.
	GetOrCreateThread(userA, userB string) (*types.DMThread, error)
	GetThread(threadId string) (*types.DMThread, error)
	GetThreads(userId string) ([]*types.DMThread, error)
	StoreDMMessage(types.DMMessage) error
	GetDMHistory(threadId string, limit int) ([]*types.DMMessage, error)

	// Projects and the feed surface.
	StoreProject(types.Project) error
	GetProject(*types.Project) error
	GetProjectBySlug(slug string) (*types.Project, error)
	GetProjects() ([]*types.Project, error)
	StorePost(types.Post) error
	GetPosts(projectId string, limit int) ([]*types.Post, error)
	StoreFollow(types.Follow) error
	DeleteFollow(types.Follow) error
	GetFollowedProjects(userId string) ([]*types.Project, error)

	// Derived queries backing the feed endpoints.
	ActiveRooms(window time.Duration, limit int) ([]*types.RoomActivity, error)
	TopProjects(window time.Duration, limit int) ([]*types.ProjectActivity, error)

	Close() error
}
