package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/slug"
	"github.com/devzarr/devzarr/types"
)

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Moderated   bool   `json:"moderated"`
}

// createRoomHandler creates a room. The slug is derived from the name and
// must be unique; the caller becomes the owner with an owner membership in
// the same transaction.
func (s *Server) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "invalid request body")
		return
	}
	roomSlug := slug.Make(req.Name)
	if roomSlug == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "name must contain at least one letter or digit")
		return
	}

	rm := types.Room{
		Id:          uuid.NewString(),
		Name:        req.Name,
		Slug:        roomSlug,
		Description: req.Description,
		OwnerId:     user.Id,
		Moderated:   req.Moderated,
		Tags:        make(types.JSONStringMap),
	}
	if err := s.persister.CreateRoom(rm); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			writeError(w, http.StatusConflict, types.ErrCodeValidation, "a room with this name already exists")
			return
		}
		globals.AppLogger.Error("could not create room", "error", err)
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not create room")
		return
	}
	created, err := s.persister.GetRoomBySlug(roomSlug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not load room")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.persister.GetRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// slugCheckHandler previews the slug for a prospective room name and reports
// availability. Unauthenticated: the create form checks while typing.
func (s *Server) slugCheckHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	roomSlug := slug.Make(name)
	if roomSlug == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"slug": "", "available": false})
		return
	}
	exists, err := s.persister.SlugExists(roomSlug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not check slug")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slug": roomSlug, "available": !exists})
}

func (s *Server) getRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.roomBySlug(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// joinRoomHandler adds the caller as a member. Joining twice is the same as
// joining once: the storage upsert keeps the existing role and voice.
func (s *Server) joinRoomHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	rm, ok := s.roomBySlug(w, r)
	if !ok {
		return
	}
	membership, err := s.persister.Join(rm.Id, user.Id)
	if err != nil {
		globals.AppLogger.Error("could not join room", "error", err)
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not join room")
		return
	}
	if hub := s.openRoomHub(rm.Id); hub != nil {
		hub.LocalEvents(types.NewMembershipEvent(membership))
	}
	writeJSON(w, http.StatusOK, membership)
}

func (s *Server) membersHandler(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.roomBySlug(w, r)
	if !ok {
		return
	}
	members, err := s.persister.Memberships(rm.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list members")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) roomBySlug(w http.ResponseWriter, r *http.Request) (*types.Room, bool) {
	rm, err := s.persister.GetRoomBySlug(mux.Vars(r)["slug"])
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.ErrCodeValidation, "no such room")
		} else {
			writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not load room")
		}
		return nil, false
	}
	return rm, true
}
