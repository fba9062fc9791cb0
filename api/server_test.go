package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devzarr/devzarr/auth"
	"github.com/devzarr/devzarr/bus"
	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

func newTestServer(t *testing.T) (*Server, *auth.Sessions, persistence.Persister) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "sqlite",
			DSN:  filepath.Join(dir, "test.db"),
		},
		SessionConfig: config.SessionConfig{Secret: "test-secret"},
		UploadConfig:  config.UploadConfig{Dir: filepath.Join(dir, "uploads"), BaseURL: "http://localhost/uploads"},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	sessions, err := auth.NewSessions(cfg)
	require.NoError(t, err)

	srv, err := NewServer(cfg, p, sessions, bus.NewLocalBus(), "test-instance")
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, sessions, p
}

func sessionFor(t *testing.T, sessions *auth.Sessions, p persistence.Persister, id, handle string) string {
	t.Helper()
	require.NoError(t, p.StoreUser(types.User{Id: id, Handle: handle, Email: handle + "@example.com"}))
	token, err := sessions.Issue(id)
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var wireErr types.WireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wireErr))
	assert.Equal(t, types.ErrCodeAuthRequired, wireErr.Code)
}

func TestLoginUnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/login", "", loginRequest{IdToken: "abc", Provider: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlugCheck(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	token := sessionFor(t, sessions, p, "u1", "alice")

	rec := doJSON(t, router, http.MethodGet, "/api/rooms/slug-check?name=My+Cool+Clique", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var check struct {
		Slug      string `json:"slug"`
		Available bool   `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, "my-cool-clique", check.Slug)
	assert.True(t, check.Available)

	rec = doJSON(t, router, http.MethodPost, "/api/rooms", token, createRoomRequest{Name: "My Cool Clique"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/rooms/slug-check?name=My+Cool+Clique", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.False(t, check.Available)
}

func TestCreateRoomAndJoin(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	ownerToken := sessionFor(t, sessions, p, "u-owner", "owner")
	memberToken := sessionFor(t, sessions, p, "u-member", "member")

	rec := doJSON(t, router, http.MethodPost, "/api/rooms", ownerToken, createRoomRequest{Name: "Game Devs", Moderated: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "game-devs", created.Slug)
	assert.True(t, created.Moderated)

	// the owner membership exists from the same call
	m, err := p.GetMembership(created.Id, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, types.RoleOwner, m.Role)

	// duplicate name is a conflict
	rec = doJSON(t, router, http.MethodPost, "/api/rooms", memberToken, createRoomRequest{Name: "Game Devs"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// joining twice stays one membership
	rec = doJSON(t, router, http.MethodPost, "/api/rooms/game-devs/join", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/rooms/game-devs/join", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/rooms/game-devs/members", ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var members []*types.Membership
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
	assert.Len(t, members, 2)
}

func TestCreateRoomRejectsEmptySlug(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	token := sessionFor(t, sessions, p, "u1", "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/rooms", token, createRoomRequest{Name: "!!!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadCanonicalization(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	aliceToken := sessionFor(t, sessions, p, "u-alice", "alice")
	bobToken := sessionFor(t, sessions, p, "u-bob", "bob")

	rec := doJSON(t, router, http.MethodPost, "/api/dm/threads", aliceToken, createThreadRequest{PeerHandle: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var first types.DMThread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	// the reverse direction lands on the same thread
	rec = doJSON(t, router, http.MethodPost, "/api/dm/threads", bobToken, createThreadRequest{PeerHandle: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second types.DMThread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.Id, second.Id)

	rec = doJSON(t, router, http.MethodPost, "/api/dm/threads", aliceToken, createThreadRequest{PeerHandle: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/dm/threads", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var threads []*types.DMThread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &threads))
	assert.Len(t, threads, 1)
}

func TestProjectsAndFeed(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	token := sessionFor(t, sessions, p, "u1", "alice")
	otherToken := sessionFor(t, sessions, p, "u2", "bob")

	rec := doJSON(t, router, http.MethodPost, "/api/projects", token, createProjectRequest{Name: "Pixel Farm", Summary: "a farming game"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var project types.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	assert.Equal(t, "pixel-farm", project.Slug)

	// only the owner posts updates
	rec = doJSON(t, router, http.MethodPost, "/api/projects/pixel-farm/posts", otherToken, createPostRequest{Body: "not mine"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/projects/pixel-farm/posts", token, createPostRequest{Body: "devlog #1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/projects/pixel-farm/follow", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/feed/following", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var followed []*types.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &followed))
	require.Len(t, followed, 1)
	assert.Equal(t, "pixel-farm", followed[0].Slug)

	srv.RefreshTrending()
	rec = doJSON(t, router, http.MethodGet, "/api/feed/top-projects", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var top []*types.ProjectActivity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &top))
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].PostCount)

	rec = doJSON(t, router, http.MethodDelete, "/api/projects/pixel-farm/follow", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/api/feed/following", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &followed))
	assert.Empty(t, followed)
}

func TestUploadUpsertByPath(t *testing.T) {
	srv, sessions, p := newTestServer(t)
	router := srv.Router()
	token := sessionFor(t, sessions, p, "u1", "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/avatars/alice.png", strings.NewReader("first content"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "http://localhost/uploads/avatars/alice.png", resp["url"])

	// same path again: content replaced, URL stable
	req = httptest.NewRequest(http.MethodPost, "/api/uploads/avatars/alice.png", strings.NewReader("second content"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp2 map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp2))
	assert.Equal(t, resp["url"], resp2["url"])
}
