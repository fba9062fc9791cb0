package api

import (
	"errors"
	"net/http"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

type createThreadRequest struct {
	PeerHandle string `json:"peer_handle"`
}

// createThreadHandler gets or creates the thread between the caller and a
// peer. The pair is unordered: either participant asking for the other lands
// on the same thread.
func (s *Server) createThreadHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil || req.PeerHandle == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "peer_handle is required")
		return
	}
	peer, err := s.persister.GetUserByHandle(req.PeerHandle)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.ErrCodeValidation, "no such user")
		} else {
			writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not look up user")
		}
		return
	}
	if peer.Id == user.Id {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "cannot open a thread with yourself")
		return
	}
	thread, err := s.persister.GetOrCreateThread(user.Id, peer.Id)
	if err != nil {
		globals.AppLogger.Error("could not get or create thread", "error", err)
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not open thread")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) listThreadsHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	threads, err := s.persister.GetThreads(user.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list threads")
		return
	}
	writeJSON(w, http.StatusOK, threads)
}
