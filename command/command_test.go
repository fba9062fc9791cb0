package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

type fixture struct {
	p      persistence.Persister
	interp *Interpreter
	room   *types.Room
	owner  *types.Membership
	member *types.Membership
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "sqlite",
			DSN:  filepath.Join(t.TempDir(), "test.db"),
		},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.StoreUser(types.User{Id: "u-owner", Handle: "alice"}))
	require.NoError(t, p.StoreUser(types.User{Id: "u-member", Handle: "bob"}))
	require.NoError(t, p.CreateRoom(types.Room{Id: "r1", Name: "Clique", Slug: "clique", OwnerId: "u-owner"}))
	_, err = p.Join("r1", "u-member")
	require.NoError(t, err)

	room := &types.Room{Id: "r1"}
	require.NoError(t, p.GetRoom(room))
	owner, err := p.GetMembership("r1", "u-owner")
	require.NoError(t, err)
	member, err := p.GetMembership("r1", "u-member")
	require.NoError(t, err)

	return &fixture{p: p, interp: NewInterpreter(p), room: room, owner: owner, member: member}
}

func (f *fixture) moderated(t *testing.T) bool {
	t.Helper()
	room := types.Room{Id: f.room.Id}
	require.NoError(t, f.p.GetRoom(&room))
	return room.Moderated
}

func TestModeToggleModerated(t *testing.T) {
	f := setup(t)

	res, err := f.interp.Run(f.room, f.owner, "/mode +m")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "Moderated chat enabled")
	require.Len(t, res.Events, 1)
	assert.Equal(t, types.EventKindRoom, res.Events[0].Kind)
	assert.True(t, f.moderated(t))

	// idempotent
	_, err = f.interp.Run(f.room, f.owner, "/mode +m")
	require.NoError(t, err)
	assert.True(t, f.moderated(t))

	res, err = f.interp.Run(f.room, f.owner, "/mode -m")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "disabled")
	assert.False(t, f.moderated(t))
}

func TestModeRequiresElevation(t *testing.T) {
	f := setup(t)

	_, err := f.interp.Run(f.room, f.member, "/mode +m")
	var cmdErr *Error
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CodeForbidden, cmdErr.Code)
	assert.False(t, f.moderated(t))
}

func TestModeVoice(t *testing.T) {
	f := setup(t)

	res, err := f.interp.Run(f.room, f.owner, "/mode +v bob")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "@bob")
	m, err := f.p.GetMembership("r1", "u-member")
	require.NoError(t, err)
	assert.True(t, m.Voice)

	_, err = f.interp.Run(f.room, f.owner, "/mode -v @bob")
	require.NoError(t, err)
	m, err = f.p.GetMembership("r1", "u-member")
	require.NoError(t, err)
	assert.False(t, m.Voice)
}

func TestModeModeratorOwnerOnly(t *testing.T) {
	f := setup(t)

	_, err := f.interp.Run(f.room, f.owner, "/mode +o bob")
	require.NoError(t, err)
	m, err := f.p.GetMembership("r1", "u-member")
	require.NoError(t, err)
	assert.Equal(t, types.RoleModerator, m.Role)

	// the freshly promoted moderator may toggle moderation but not promote
	_, err = f.interp.Run(f.room, m, "/mode +m")
	require.NoError(t, err)
	_, err = f.interp.Run(f.room, m, "/mode +o bob")
	var cmdErr *Error
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CodeForbidden, cmdErr.Code)

	// the owner role itself is immutable
	_, err = f.interp.Run(f.room, f.owner, "/mode -o alice")
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CodeValidation, cmdErr.Code)
}

func TestMalformedCommands(t *testing.T) {
	f := setup(t)

	for _, line := range []string{
		"/mode",
		"/mode m",
		"/mode +x",
		"/mode +v",
		"/mode +m extra",
		"/mode +v nobody",
		"/frobnicate",
	} {
		_, err := f.interp.Run(f.room, f.owner, line)
		var cmdErr *Error
		require.ErrorAs(t, err, &cmdErr, "line %q", line)
		assert.Equal(t, CodeValidation, cmdErr.Code, "line %q", line)
	}
}

func TestHelp(t *testing.T) {
	f := setup(t)
	res, err := f.interp.Run(f.room, f.member, "/help")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "/mode +m")
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand("/mode +m"))
	assert.True(t, IsCommand("  /help"))
	assert.False(t, IsCommand("hello /mode"))
	assert.False(t, IsCommand(""))
}
