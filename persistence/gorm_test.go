package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/types"
)

func testPersister(t *testing.T) Persister {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "sqlite",
			DSN:  filepath.Join(t.TempDir(), "test.db"),
		},
	}
	p, err := NewPersister(cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { p.Close() })
	return p
}

func storeUser(t *testing.T, p Persister, id, handle string) {
	t.Helper()
	require.NoError(t, p.StoreUser(types.User{Id: id, Handle: handle, Email: handle + "@example.com"}))
}

func TestCreateRoomInsertsOwnerMembership(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u-owner", "owner")

	room := types.Room{Id: "r1", Name: "My Clique", Slug: "my-clique", OwnerId: "u-owner"}
	require.NoError(t, p.CreateRoom(room))

	m, err := p.GetMembership("r1", "u-owner")
	require.NoError(t, err)
	assert.Equal(t, types.RoleOwner, m.Role)
}

func TestCreateRoomSlugConflict(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")

	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "Clique", Slug: "clique", OwnerId: "u1"}))
	err := p.CreateRoom(types.Room{Id: "r2", Name: "Clique 2", Slug: "clique", OwnerId: "u2"})
	assert.ErrorIs(t, err, ErrConflict)

	exists, err := p.SlugExists("clique")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = p.SlugExists("other")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJoinIsIdempotent(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")
	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "C", Slug: "c", OwnerId: "u1"}))

	m, err := p.Join("r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, types.RoleMember, m.Role)

	// a second join must not reset anything
	require.NoError(t, p.SetVoice("r1", "u2", true))
	m, err = p.Join("r1", "u2")
	require.NoError(t, err)
	assert.True(t, m.Voice)
	assert.Equal(t, types.RoleMember, m.Role)

	members, err := p.Memberships("r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	// ordered by user id ascending, profiles joined in
	assert.Equal(t, "u1", members[0].UserId)
	assert.Equal(t, "u2", members[1].UserId)
	require.NotNil(t, members[1].User)
	assert.Equal(t, "bob", members[1].User.Handle)
}

func TestSetRoleAndModerated(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")
	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "C", Slug: "c", OwnerId: "u1"}))
	_, err := p.Join("r1", "u2")
	require.NoError(t, err)

	require.NoError(t, p.SetRole("r1", "u2", types.RoleModerator))
	m, err := p.GetMembership("r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, types.RoleModerator, m.Role)

	assert.ErrorIs(t, p.SetRole("r1", "nobody", types.RoleModerator), ErrNotFound)

	require.NoError(t, p.SetRoomModerated("r1", true))
	room := types.Room{Id: "r1"}
	require.NoError(t, p.GetRoom(&room))
	assert.True(t, room.Moderated)

	// setting the flag twice keeps it set
	require.NoError(t, p.SetRoomModerated("r1", true))
	room = types.Room{Id: "r1"}
	require.NoError(t, p.GetRoom(&room))
	assert.True(t, room.Moderated)
}

func TestMessageHistoryOrdering(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "C", Slug: "c", OwnerId: "u1"}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// stored out of order, identical timestamps on b/c to exercise the id
	// tie-break
	msgs := []types.Message{
		{Id: "m-c", RoomId: "r1", AuthorId: "u1", Body: "third", CreatedAt: base.Add(time.Second)},
		{Id: "m-a", RoomId: "r1", AuthorId: "u1", Body: "first", CreatedAt: base},
		{Id: "m-b", RoomId: "r1", AuthorId: "u1", Body: "second", CreatedAt: base.Add(time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, p.StoreMessage(m))
	}

	history, err := p.GetMessageHistory("r1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m-a", history[0].Id)
	assert.Equal(t, "m-b", history[1].Id)
	assert.Equal(t, "m-c", history[2].Id)

	// the page is the most recent N, still ascending
	history, err = p.GetMessageHistory("r1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m-b", history[0].Id)
	assert.Equal(t, "m-c", history[1].Id)
}

func TestGetOrCreateThreadCanonicalizes(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")

	t1, err := p.GetOrCreateThread("u2", "u1")
	require.NoError(t, err)
	t2, err := p.GetOrCreateThread("u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, t1.Id, t2.Id)
	assert.Equal(t, "u1", t1.UserA)
	assert.Equal(t, "u2", t1.UserB)

	_, err = p.GetOrCreateThread("u1", "u1")
	assert.Error(t, err)

	threads, err := p.GetThreads("u2")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "u1", threads[0].Peer("u2"))
}

func TestDMHistory(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")
	thread, err := p.GetOrCreateThread("u1", "u2")
	require.NoError(t, err)

	first := types.NewDMMessage(thread.Id, "u1", "hello")
	second := types.NewDMMessage(thread.Id, "u2", "hey")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, p.StoreDMMessage(*second))
	require.NoError(t, p.StoreDMMessage(*first))

	history, err := p.GetDMHistory(thread.Id, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, "hey", history[1].Body)
}

func TestActiveRoomsAndTopProjects(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "Busy", Slug: "busy", OwnerId: "u1"}))
	require.NoError(t, p.CreateRoom(types.Room{Id: "r2", Name: "Quiet", Slug: "quiet", OwnerId: "u1"}))

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		m := types.NewMessage("r1", "u1", "hi")
		require.NoError(t, p.StoreMessage(*m))
	}
	old := types.Message{Id: "old", RoomId: "r2", AuthorId: "u1", Body: "stale", CreatedAt: now.Add(-2 * time.Hour)}
	require.NoError(t, p.StoreMessage(old))

	active, err := p.ActiveRooms(30*time.Minute, 5)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].Room.Id)
	assert.Equal(t, int64(3), active[0].MessageCount)

	require.NoError(t, p.StoreProject(types.Project{Id: "p1", OwnerId: "u1", Name: "Tool", Slug: "tool"}))
	require.NoError(t, p.StorePost(types.Post{ProjectId: "p1", AuthorId: "u1", Body: "shipped"}))
	top, err := p.TopProjects(7*24*time.Hour, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "p1", top[0].Project.Id)
	assert.Equal(t, int64(1), top[0].PostCount)
}

func TestFollows(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")
	storeUser(t, p, "u2", "bob")
	require.NoError(t, p.StoreProject(types.Project{Id: "p1", OwnerId: "u1", Name: "Tool", Slug: "tool"}))

	require.NoError(t, p.StoreFollow(types.Follow{ProjectId: "p1", UserId: "u2"}))
	// duplicate follow is a no-op
	require.NoError(t, p.StoreFollow(types.Follow{ProjectId: "p1", UserId: "u2"}))

	projects, err := p.GetFollowedProjects("u2")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].Id)

	require.NoError(t, p.DeleteFollow(types.Follow{ProjectId: "p1", UserId: "u2"}))
	projects, err = p.GetFollowedProjects("u2")
	require.NoError(t, err)
	assert.Len(t, projects, 0)
}

func TestUserLookups(t *testing.T) {
	p := testPersister(t)
	storeUser(t, p, "u1", "alice")

	u, err := p.GetUserByHandle("alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Id)

	u, err = p.GetUserByEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Id)

	_, err = p.GetUserByHandle("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
