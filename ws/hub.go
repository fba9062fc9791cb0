package ws

import (
	"context"
	"sync"
	"time"

	"github.com/devzarr/devzarr/bus"
	"github.com/devzarr/devzarr/command"
	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/room"
	"github.com/devzarr/devzarr/types"
)

const (
	maxMessageSize       = 4096
	pongWait             = 2 * time.Minute
	pingPeriod           = time.Minute
	writeWait            = 10 * time.Second
	defaultHistorySize   = 100
	broadcastChannelSize = 1000
)

// Hub fans events out to every open connection of one room. There is one hub
// per open room; the hub owns the roster cache and is the only writer to it.
type Hub struct {
	Roster *room.Roster

	// Registered clients.
	clients map[*Client]struct{}

	// Events to fan out to all clients (local appends and bus deliveries).
	Broadcast chan *types.Event

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	Cfg         *config.Config
	Persister   persistence.Persister
	Interpreter *command.Interpreter
	EventBus    bus.Bus

	instanceId  string
	historySize int

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(rm *types.Room, cfg *config.Config, persister persistence.Persister, eventBus bus.Bus, instanceId string) *Hub {
	historySize := defaultHistorySize
	if cfg.HistoryConfig.HistorySize > 0 {
		historySize = cfg.HistoryConfig.HistorySize
	}
	hub := &Hub{
		Roster:      room.NewRoster(rm, instanceId),
		clients:     make(map[*Client]struct{}),
		Broadcast:   make(chan *types.Event, broadcastChannelSize),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		Cfg:         cfg,
		Persister:   persister,
		Interpreter: command.NewInterpreter(persister),
		EventBus:    eventBus,
		instanceId:  instanceId,
		historySize: historySize,
	}
	members, err := persister.Memberships(rm.Id)
	if err != nil {
		globals.AppLogger.Error("could not load memberships", "room", rm.Slug, "error", err)
	}
	hub.Roster.Refresh(members)
	return hub
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// LocalEvents publishes locally originated events to the bus, which delivers
// them back to this hub (and to peer instances) exactly once. Fan-out never
// bypasses the bus, a frame reaches each client a single time.
func (h *Hub) LocalEvents(events ...*types.Event) {
	for _, event := range events {
		if event == nil {
			continue
		}
		event.Origin = h.instanceId
		if err := h.EventBus.Publish(context.Background(), event); err != nil {
			globals.AppLogger.Error("could not publish event", "error", err)
		}
	}
}

// RemoteEvent queues a bus-delivered event for fan-out. It is not
// republished.
func (h *Hub) RemoteEvent(event *types.Event) {
	h.Broadcast <- event
}

// Run is the main hub event loop handling register, unregister and broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			globals.AppLogger.Debug("register new client", "room", h.Roster.Room().Slug)
			h.Lock()
			h.clients[client] = struct{}{}
			h.Unlock()
			snapshot, changed := h.Roster.SetOnline(client.user.Id, true)
			go h.greet(client)
			if changed {
				h.LocalEvents(types.NewPresenceEvent(h.Roster.Room().Id, snapshot))
			}

		case client := <-h.Unregister:
			go func() {
				h.RLock()
				if _, ok := h.clients[client]; ok {
					h.RUnlock()

					h.Lock()
					delete(h.clients, client)
					// the user may hold further connections to this room,
					// only the last one leaving takes the presence down
					lastConn := true
					for c := range h.clients {
						if c.user.Id == client.user.Id {
							lastConn = false
							break
						}
					}
					client.conn.Close()
					// wait for all loops and pending writes before closing
					// the send channel, see the client WaitGroup
					client.Wait()
					close(client.Send)
					h.Unlock()
					if lastConn {
						if snapshot, changed := h.Roster.SetOnline(client.user.Id, false); changed {
							h.LocalEvents(types.NewPresenceEvent(h.Roster.Room().Id, snapshot))
						}
					}
				} else {
					h.RUnlock()
				}
			}()

		case event := <-h.Broadcast:
			h.handleEvent(event)
		}
	}
}

// handleEvent applies an event to the roster cache and fans the wire
// rendition out to every client whose subscription filter passes it.
func (h *Hub) handleEvent(event *types.Event) {
	rm := h.Roster.Room()
	var raw []byte
	var err error
	switch event.Kind {
	case types.EventKindChat:
		if event.Message == nil {
			return
		}
		raw, err = types.Envelope(types.WireEventChat, event.Message)

	case types.EventKindPresence:
		// full-state snapshot of the originating instance: its bucket is
		// replaced, never merged. Clients see the union over all instances.
		h.Roster.ReplaceOnline(event.Origin, event.UserIds)
		raw, err = types.Envelope(types.WireEventPresence, types.WirePresence{RoomId: rm.Id, UserIds: h.Roster.Online()})

	case types.EventKindMembership:
		if event.Membership == nil {
			return
		}
		h.Roster.Apply(event.Membership)
		raw, err = types.Envelope(types.WireEventMembers, types.WireMembers{RoomId: rm.Id, Members: h.Roster.Members()})

	case types.EventKindRoom:
		if event.Room == nil {
			return
		}
		h.Roster.SetRoom(event.Room)
		raw, err = types.Envelope(types.WireEventInfo, types.WireInfo{
			Room:        event.Room,
			Connections: h.NoClients(),
			ServerTime:  time.Now().UTC(),
		})

	default:
		return
	}
	if err != nil {
		globals.AppLogger.Error("could not marshal wire event", "error", err)
		return
	}

	go func() {
		var wg sync.WaitGroup
		h.RLock()
		for client := range h.clients {
			if !client.RunFilterEvent(event, client.filter) {
				continue
			}
			wg.Add(1)
			client.Add(1)
			go func(c *Client, data []byte) {
				defer wg.Done()
				defer c.Done()
				c.Send <- data
			}(client, raw)
		}
		wg.Wait()
		h.RUnlock()
	}()
}

// greet sends the initial state to a freshly registered client: room info,
// the most recent history page, the membership list and the presence
// snapshot.
func (h *Hub) greet(client *Client) {
	rm := h.Roster.Room()
	history, err := h.Persister.GetMessageHistory(rm.Id, h.historySize)
	if err != nil {
		globals.AppLogger.Error("could not load message history", "room", rm.Slug, "error", err)
	}

	client.sendEnvelope(types.WireEventInfo, types.WireInfo{
		Room:        &rm,
		Connections: h.NoClients(),
		ServerTime:  time.Now().UTC(),
	})
	client.sendEnvelope(types.WireEventHistory, types.WireHistory{RoomId: rm.Id, Messages: history})
	client.sendEnvelope(types.WireEventMembers, types.WireMembers{RoomId: rm.Id, Members: h.Roster.Members()})
	client.sendEnvelope(types.WireEventPresence, types.WirePresence{RoomId: rm.Id, UserIds: h.Roster.Online()})
}
