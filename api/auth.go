package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devzarr/devzarr/auth"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/slug"
	"github.com/devzarr/devzarr/types"
)

type contextKey string

const userContextKey contextKey = "user"

// sessionToken extracts the session JWT: Authorization bearer header first,
// the token query parameter as the fallback (websocket clients cannot set
// headers).
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireAuth resolves the session to a full user profile and puts it on the
// request context. Missing or invalid sessions are a 401.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, types.ErrCodeAuthRequired, "sign in to continue")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

func (s *Server) authenticate(r *http.Request) (*types.User, error) {
	token := sessionToken(r)
	if token == "" {
		return nil, auth.ErrInvalidSession
	}
	userId, err := s.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.userCache.Get(userId); ok {
		if user, ok := cached.(*types.User); ok {
			return user, nil
		}
	}
	user := types.User{Id: userId}
	if err := s.persister.GetUser(&user); err != nil {
		return nil, err
	}
	s.userCache.Add(userId, &user)
	return &user, nil
}

func requestUser(r *http.Request) *types.User {
	user, _ := r.Context().Value(userContextKey).(*types.User)
	return user
}

type loginRequest struct {
	IdToken  string `json:"id_token"`
	Provider string `json:"provider"`
	Handle   string `json:"handle"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *types.User `json:"user"`
}

// loginHandler verifies an OIDC ID token and issues a session JWT. A first
// login creates the profile; the handle comes from the request, falling back
// to the local part of the verified e-mail address.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "invalid request body")
		return
	}
	if req.IdToken == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "id_token and provider are required")
		return
	}

	identity, err := auth.Authenticate(r.Context(), req.IdToken, req.Provider, s.cfg)
	if err != nil {
		writeError(w, http.StatusUnauthorized, types.ErrCodeAuthRequired, "could not verify identity")
		return
	}
	if identity == nil || identity.Email == "" {
		writeError(w, http.StatusUnauthorized, types.ErrCodeAuthRequired, "unknown identity provider")
		return
	}

	user, err := s.persister.GetUserByEmail(identity.Email)
	if errors.Is(err, persistence.ErrNotFound) {
		user, err = s.createProfile(identity, req.Handle)
	}
	if err != nil {
		globals.AppLogger.Error("could not resolve profile", "error", err)
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not resolve profile")
		return
	}

	token, err := s.sessions.Issue(user.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not issue session")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) createProfile(identity *auth.Identity, handle string) (*types.User, error) {
	if handle == "" {
		if at := strings.Index(identity.Email, "@"); at > 0 {
			handle = identity.Email[:at]
		}
	}
	handle = slug.Make(handle)
	user := &types.User{
		Id:          uuid.NewString(),
		Handle:      handle,
		DisplayName: identity.Name,
		Email:       identity.Email,
		AvatarURL:   identity.Picture,
		Tags:        make(types.JSONStringMap),
		LastOnline:  time.Now().UTC(),
	}
	err := s.persister.StoreUser(*user)
	for errors.Is(err, persistence.ErrConflict) {
		// handle taken, disambiguate
		user.Handle = handle + "-" + uuid.NewString()[:8]
		err = s.persister.StoreUser(*user)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// logoutHandler acknowledges the logout. Sessions are stateless JWTs, the
// client discards the token and expiry does the rest.
func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
