// Package api is the HTTP surface: login, rooms, the project feed, direct
// message threads, uploads, and the websocket endpoints. All state flows
// through the persistence layer; hubs are created lazily per open room or
// thread.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"

	"github.com/devzarr/devzarr/auth"
	"github.com/devzarr/devzarr/bus"
	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
	"github.com/devzarr/devzarr/ws"
)

type Server struct {
	cfg        *config.Config
	persister  persistence.Persister
	sessions   *auth.Sessions
	eventBus   bus.Bus
	instanceId string

	hubsLock sync.RWMutex
	hubs     map[string]*ws.Hub   // by room id
	dmHubs   map[string]*ws.DMHub // by thread id

	trendingLock sync.RWMutex
	activeRooms  []*types.RoomActivity
	topProjects  []*types.ProjectActivity

	upgrader websocket.Upgrader

	// profiles resolved from session tokens, keyed by user id
	userCache *lru.Cache

	unsubscribe func()
}

func NewServer(cfg *config.Config, persister persistence.Persister, sessions *auth.Sessions, eventBus bus.Bus, instanceId string) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		persister:  persister,
		sessions:   sessions,
		eventBus:   eventBus,
		instanceId: instanceId,
		hubs:       make(map[string]*ws.Hub),
		dmHubs:     make(map[string]*ws.DMHub),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	userCache, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	s.userCache = userCache
	cancel, err := eventBus.Subscribe(s.routeRemoteEvent)
	if err != nil {
		return nil, err
	}
	s.unsubscribe = cancel
	return s, nil
}

// Close stops bus delivery. Hubs drain on their own when the process exits.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// routeRemoteEvent forwards a bus-delivered event (local publications and
// peer instances alike) to the hub it concerns. Rooms or threads not open on
// this instance are skipped.
func (s *Server) routeRemoteEvent(event *types.Event) {
	s.hubsLock.RLock()
	defer s.hubsLock.RUnlock()
	if event.ThreadId != "" {
		if hub, ok := s.dmHubs[event.ThreadId]; ok {
			hub.RemoteEvent(event)
		}
		return
	}
	if event.RoomId != "" {
		if hub, ok := s.hubs[event.RoomId]; ok {
			hub.RemoteEvent(event)
		}
	}
}

// roomHub returns the hub for a room, creating and starting it on first use.
func (s *Server) roomHub(rm *types.Room) *ws.Hub {
	s.hubsLock.Lock()
	defer s.hubsLock.Unlock()
	if hub, ok := s.hubs[rm.Id]; ok {
		return hub
	}
	hub := ws.NewHub(rm, s.cfg, s.persister, s.eventBus, s.instanceId)
	s.hubs[rm.Id] = hub
	go hub.Run()
	return hub
}

func (s *Server) dmHub(thread *types.DMThread) *ws.DMHub {
	s.hubsLock.Lock()
	defer s.hubsLock.Unlock()
	if hub, ok := s.dmHubs[thread.Id]; ok {
		return hub
	}
	hub := ws.NewDMHub(thread, s.cfg, s.persister, s.eventBus)
	s.dmHubs[thread.Id] = hub
	go hub.Run()
	return hub
}

// openRoomHub returns the already-running hub for a room id, nil if the room
// is not open on this instance.
func (s *Server) openRoomHub(roomId string) *ws.Hub {
	s.hubsLock.RLock()
	defer s.hubsLock.RUnlock()
	return s.hubs[roomId]
}

// Router mounts all routes. Login and slug-check are the only unauthenticated
// API endpoints.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.loginHandler).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.requireAuth(s.logoutHandler)).Methods(http.MethodPost)

	api.HandleFunc("/rooms", s.requireAuth(s.createRoomHandler)).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.requireAuth(s.listRoomsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/rooms/slug-check", s.slugCheckHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{slug:[a-z0-9-]+}", s.requireAuth(s.getRoomHandler)).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{slug:[a-z0-9-]+}/join", s.requireAuth(s.joinRoomHandler)).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{slug:[a-z0-9-]+}/members", s.requireAuth(s.membersHandler)).Methods(http.MethodGet)

	api.HandleFunc("/projects", s.requireAuth(s.createProjectHandler)).Methods(http.MethodPost)
	api.HandleFunc("/projects", s.requireAuth(s.listProjectsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{slug:[a-z0-9-]+}", s.requireAuth(s.getProjectHandler)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{slug:[a-z0-9-]+}/posts", s.requireAuth(s.createPostHandler)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{slug:[a-z0-9-]+}/posts", s.requireAuth(s.listPostsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{slug:[a-z0-9-]+}/follow", s.requireAuth(s.followHandler)).Methods(http.MethodPut)
	api.HandleFunc("/projects/{slug:[a-z0-9-]+}/follow", s.requireAuth(s.unfollowHandler)).Methods(http.MethodDelete)

	api.HandleFunc("/feed/active-rooms", s.requireAuth(s.activeRoomsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/feed/top-projects", s.requireAuth(s.topProjectsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/feed/following", s.requireAuth(s.followingHandler)).Methods(http.MethodGet)

	api.HandleFunc("/dm/threads", s.requireAuth(s.createThreadHandler)).Methods(http.MethodPost)
	api.HandleFunc("/dm/threads", s.requireAuth(s.listThreadsHandler)).Methods(http.MethodGet)

	api.HandleFunc("/uploads/{path:.+}", s.requireAuth(s.uploadHandler)).Methods(http.MethodPost)

	router.HandleFunc("/chat/{slug:[a-z0-9-]+}", s.chatWebsocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/dm/{thread}", s.dmWebsocketHandler).Methods(http.MethodGet)

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		globals.AppLogger.Error("could not encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.WireError{Code: code, Message: message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
