package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/devzarr/devzarr/command"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

const sendChannelSize = 1000

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	user *types.User

	// subscription filter compiled at connect time, nil passes everything
	filter *vm.Program

	doneChan chan struct{}

	// WaitGroup which keeps track of running read/write loops and write access to Send. If the WaitGroup is done,
	// it is safe to close all channels (all loops are done and there are no more write operations on the channels)
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, user *types.User, filterProg *vm.Program, doneChan chan struct{}) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		user:     user,
		filter:   filterProg,
		doneChan: doneChan,
	}
}

func (c *Client) User() *types.User { return c.user }

// sendEnvelope marshals and queues a wire message for this client only. The
// hub read lock guards against a concurrent close of the Send channel.
func (c *Client) sendEnvelope(event string, payload interface{}) {
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

func (c *Client) sendError(code, message, clientRef string) {
	c.sendEnvelope(types.WireEventError, types.WireError{Code: code, Message: message, ClientRef: clientRef})
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
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
		case types.WireEventChat, types.WireEventCommand:
			sendMsgMap := make(map[string]interface{})
			if err := json.Unmarshal(message.Data, &sendMsgMap); err != nil {
				globals.AppLogger.Error("could not unmarshal chat send", "error", err)
				return
			}
			sendMsg := types.ChatSend{}
			if err := mapstructure.WeakDecode(sendMsgMap, &sendMsg); err != nil {
				globals.AppLogger.Error("could not decode chat send", "error", err)
				return
			}
			if command.IsCommand(sendMsg.Body) {
				c.handleCommand(sendMsg)
			} else {
				c.handleChat(sendMsg)
			}
		}
	}
}

// handleChat appends a chat line. Gating is evaluated against fresh state:
// the moderated flag and the caller's membership are re-read from the
// persister before every append, a concurrent /mode takes effect
// immediately.
func (c *Client) handleChat(sendMsg types.ChatSend) {
	if sendMsg.Body == "" {
		c.sendError(types.ErrCodeValidation, "empty message", sendMsg.ClientRef)
		return
	}
	rm := types.Room{Id: c.hub.Roster.Room().Id}
	if err := c.hub.Persister.GetRoom(&rm); err != nil {
		c.sendError(types.ErrCodeBackend, "could not load room", sendMsg.ClientRef)
		return
	}
	membership, err := c.hub.Persister.GetMembership(rm.Id, c.user.Id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.sendError(types.ErrCodeForbidden, "you are not a member of this room", sendMsg.ClientRef)
		} else {
			c.sendError(types.ErrCodeBackend, "could not load membership", sendMsg.ClientRef)
		}
		return
	}
	if !membership.CanSpeak(rm.Moderated) {
		c.sendError(types.ErrCodeForbidden, "this room is moderated, only voiced members may post", sendMsg.ClientRef)
		return
	}

	msg := types.NewMessage(rm.Id, c.user.Id, sendMsg.Body)
	if err := c.hub.Persister.StoreMessage(*msg); err != nil {
		globals.AppLogger.Error("could not persist message", "error", err)
		c.sendError(types.ErrCodeBackend, "could not store message", sendMsg.ClientRef)
		return
	}
	msg.Author = c.user
	// the ack closes the sender's client_ref; the line itself arrives via the
	// room broadcast like everyone else's
	c.sendEnvelope(types.WireEventAck, types.WireAck{TempId: sendMsg.ClientRef, Chat: msg})
	c.hub.LocalEvents(types.NewChatEvent(msg))
}

// handleCommand runs a slash command. The outcome goes to the invoking
// client only; state changes are broadcast as events by the hub.
func (c *Client) handleCommand(sendMsg types.ChatSend) {
	rm := types.Room{Id: c.hub.Roster.Room().Id}
	if err := c.hub.Persister.GetRoom(&rm); err != nil {
		c.sendError(types.ErrCodeBackend, "could not load room", sendMsg.ClientRef)
		return
	}
	caller, err := c.hub.Persister.GetMembership(rm.Id, c.user.Id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.sendError(types.ErrCodeForbidden, "you are not a member of this room", sendMsg.ClientRef)
		} else {
			c.sendError(types.ErrCodeBackend, "could not load membership", sendMsg.ClientRef)
		}
		return
	}

	result, err := c.hub.Interpreter.Run(&rm, caller, sendMsg.Body)
	if err != nil {
		var cmdErr *command.Error
		if errors.As(err, &cmdErr) {
			c.sendError(cmdErr.Code, cmdErr.Message, sendMsg.ClientRef)
		} else {
			c.sendError(types.ErrCodeBackend, err.Error(), sendMsg.ClientRef)
		}
		return
	}
	if result.Notice != "" {
		c.sendEnvelope(types.WireEventNotice, types.WireNotice{Text: result.Notice, ClientRef: sendMsg.ClientRef})
	}
	c.hub.LocalEvents(result.Events...)
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
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
				// The hub closed the channel.
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
