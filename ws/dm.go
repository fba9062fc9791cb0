package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/devzarr/devzarr/bus"
	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

// DMHub fans direct messages out to the open connections of one thread.
// There is one hub per open thread; both participants may hold several
// connections at once.
type DMHub struct {
	Thread types.DMThread

	clients map[*DMClient]struct{}

	Broadcast  chan *types.Event
	Register   chan *DMClient
	Unregister chan *DMClient

	Cfg       *config.Config
	Persister persistence.Persister
	EventBus  bus.Bus

	historySize int

	sync.RWMutex
}

func NewDMHub(thread *types.DMThread, cfg *config.Config, persister persistence.Persister, eventBus bus.Bus) *DMHub {
	historySize := defaultHistorySize
	if cfg.HistoryConfig.HistorySize > 0 {
		historySize = cfg.HistoryConfig.HistorySize
	}
	return &DMHub{
		Thread:      *thread,
		clients:     make(map[*DMClient]struct{}),
		Broadcast:   make(chan *types.Event, broadcastChannelSize),
		Register:    make(chan *DMClient),
		Unregister:  make(chan *DMClient),
		Cfg:         cfg,
		Persister:   persister,
		EventBus:    eventBus,
		historySize: historySize,
	}
}

func (h *DMHub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// LocalEvents publishes locally originated events to the bus; delivery back
// into this hub happens through the bus subscription, exactly once.
func (h *DMHub) LocalEvents(events ...*types.Event) {
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := h.EventBus.Publish(context.Background(), event); err != nil {
			globals.AppLogger.Error("could not publish event", "error", err)
		}
	}
}

func (h *DMHub) RemoteEvent(event *types.Event) {
	h.Broadcast <- event
}

// Run is the main hub event loop handling register, unregister and broadcast events.
func (h *DMHub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.Lock()
			h.clients[client] = struct{}{}
			h.Unlock()
			go h.greet(client)

		case client := <-h.Unregister:
			go func() {
				h.RLock()
				if _, ok := h.clients[client]; ok {
					h.RUnlock()

					h.Lock()
					delete(h.clients, client)
					client.conn.Close()
					client.Wait()
					close(client.Send)
					h.Unlock()
				} else {
					h.RUnlock()
				}
			}()

		case event := <-h.Broadcast:
			if event.Kind != types.EventKindDM || event.DM == nil {
				continue
			}
			raw, err := types.Envelope(types.WireEventDM, event.DM)
			if err != nil {
				globals.AppLogger.Error("could not marshal dm event", "error", err)
				continue
			}
			go func() {
				var wg sync.WaitGroup
				h.RLock()
				for client := range h.clients {
					wg.Add(1)
					client.Add(1)
					go func(c *DMClient) {
						defer wg.Done()
						defer c.Done()
						c.Send <- raw
					}(client)
				}
				wg.Wait()
				h.RUnlock()
			}()
		}
	}
}

func (h *DMHub) greet(client *DMClient) {
	history, err := h.Persister.GetDMHistory(h.Thread.Id, h.historySize)
	if err != nil {
		globals.AppLogger.Error("could not load dm history", "thread", h.Thread.Id, "error", err)
	}
	client.sendEnvelope(types.WireEventInfo, types.WireInfo{
		ThreadId:    h.Thread.Id,
		Connections: h.NoClients(),
		ServerTime:  time.Now().UTC(),
	})
	client.sendEnvelope(types.WireEventHistory, types.WireHistory{ThreadId: h.Thread.Id, DMs: history})
}

// DMClient is a middleman between one websocket connection and a DM hub.
type DMClient struct {
	hub  *DMHub
	conn *websocket.Conn
	Send chan []byte

	user *types.User

	doneChan chan struct{}

	sync.WaitGroup
}

func NewDMClient(hub *DMHub, conn *websocket.Conn, user *types.User, doneChan chan struct{}) *DMClient {
	return &DMClient{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		user:     user,
		doneChan: doneChan,
	}
}

func (c *DMClient) sendEnvelope(event string, payload interface{}) {
	raw, err := types.Envelope(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal wire message", "event", event, "error", err)
		return
	}
	c.hub.RLock()
	if _, ok := c.hub.clients[c]; ok {
		c.Send <- raw
	}
	c.hub.RUnlock()
}

func (c *DMClient) sendError(code, message, clientRef string) {
	c.sendEnvelope(types.WireEventError, types.WireError{Code: code, Message: message, ClientRef: clientRef})
}

// ReadLoop pumps direct messages from the websocket connection to the hub.
func (c *DMClient) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	message := &types.WebsocketMessage{}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "error", err)
			}
			return
		}

		err = json.Unmarshal(raw, &message)
		if err != nil {
			globals.AppLogger.Error("could not unmarshal ws message", "error", err)
			return
		}

		switch message.Event {
		case types.WireEventDM, types.WireEventChat:
			sendMsgMap := make(map[string]interface{})
			if err := json.Unmarshal(message.Data, &sendMsgMap); err != nil {
				globals.AppLogger.Error("could not unmarshal dm send", "error", err)
				return
			}
			sendMsg := types.ChatSend{}
			if err := mapstructure.WeakDecode(sendMsgMap, &sendMsg); err != nil {
				globals.AppLogger.Error("could not decode dm send", "error", err)
				return
			}
			c.handleSend(sendMsg)
		}
	}
}

// handleSend appends a direct message. ClientRef carries the temporary id of
// the sender's optimistic echo: on success it comes back in the ack so the
// echo is replaced with the authoritative row, on failure it comes back in
// the error so the echo is removed and the composer restored.
func (c *DMClient) handleSend(sendMsg types.ChatSend) {
	if sendMsg.Body == "" {
		c.sendError(types.ErrCodeValidation, "empty message", sendMsg.ClientRef)
		return
	}
	msg := types.NewDMMessage(c.hub.Thread.Id, c.user.Id, sendMsg.Body)
	if err := c.hub.Persister.StoreDMMessage(*msg); err != nil {
		globals.AppLogger.Error("could not persist dm", "error", err)
		c.sendError(types.ErrCodeBackend, "could not store message", sendMsg.ClientRef)
		return
	}
	c.sendEnvelope(types.WireEventAck, types.WireAck{TempId: sendMsg.ClientRef, Message: msg})
	c.hub.LocalEvents(types.NewDMEvent(msg))
}

// WriteLoop pumps messages from the hub to the websocket connection.
func (c *DMClient) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case <-c.doneChan:
			return
		default:
		}
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
