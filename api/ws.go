package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/devzarr/devzarr/filter"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
	"github.com/devzarr/devzarr/ws"
)

// chatWebsocketHandler upgrades /chat/{slug}. An invalid or missing session
// still gets a connection as a read-only guest: guests receive the room
// stream but have no membership, so every send is rejected. An optional
// filter query parameter carries an expr subscription predicate, compiled
// once here and evaluated per broadcast event.
func (s *Server) chatWebsocketHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := s.persister.GetRoomBySlug(mux.Vars(r)["slug"])
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	var filterProg *vm.Program
	if expression := r.URL.Query().Get("filter"); expression != "" {
		filterProg, err = filter.Compile(expression)
		if err != nil {
			globals.AppLogger.Debug("rejecting bad subscription filter", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	user, err := s.authenticate(r)
	if err != nil {
		user = guestUser()
	} else {
		s.touchLastOnline(user)
	}

	hub := s.roomHub(rm)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	doneChan := make(chan struct{})
	c := ws.NewClient(hub, conn, user, filterProg, doneChan)

	hub.Register <- c
	defer func() {
		hub.Unregister <- c
	}()
	c.Add(2)
	go c.ReadLoop()
	go c.WriteLoop()
	<-doneChan
}

// dmWebsocketHandler upgrades /dm/{thread}. Threads are private: the session
// must belong to one of the two participants.
func (s *Server) dmWebsocketHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	thread, err := s.persister.GetThread(mux.Vars(r)["thread"])
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	if !thread.Includes(user.Id) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	s.touchLastOnline(user)

	hub := s.dmHub(thread)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	doneChan := make(chan struct{})
	c := ws.NewDMClient(hub, conn, user, doneChan)

	hub.Register <- c
	defer func() {
		hub.Unregister <- c
	}()
	c.Add(2)
	go c.ReadLoop()
	go c.WriteLoop()
	<-doneChan
}

// guestUser builds an unpersisted spectator profile with a generated fantasy
// handle.
func guestUser() *types.User {
	name := goname.New(goname.FantasyMap).FirstLast()
	return &types.User{
		Id:          "guest-" + uuid.NewString()[:8],
		Handle:      "",
		DisplayName: name + " (guest)",
		Tags:        make(types.JSONStringMap),
	}
}

// touchLastOnline persists a fresh last_online stamp. The passed profile may
// be shared through the session cache, so it is copied, never mutated.
func (s *Server) touchLastOnline(user *types.User) {
	u := *user
	u.LastOnline = time.Now().UTC()
	if err := s.persister.StoreUser(u); err != nil {
		globals.AppLogger.Error("could not update last online", "error", err)
	}
}
