// Package client is the Go client library for the chat service: session
// state machines over a cancellable event stream. Sessions never talk to a
// socket directly, they consume a Stream, so any source can be injected.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

var ErrStreamClosed = errors.New("stream closed")

// Stream is one cancellable server subscription. Events terminates when the
// subscription ends, for whatever reason; Close cancels it and is safe to
// call more than once.
type Stream interface {
	Events() <-chan *types.WebsocketMessage
	Send(msg *types.WebsocketMessage) error
	Close() error
}

type wsStream struct {
	conn   *websocket.Conn
	events chan *types.WebsocketMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a websocket Stream against a /chat/{slug} or /dm/{thread}
// endpoint. The session token travels as a query parameter.
func Dial(ctx context.Context, rawURL, token string) (Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	s := &wsStream{
		conn:   conn,
		events: make(chan *types.WebsocketMessage, 64),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			globals.AppLogger.Error("could not unmarshal server message", "error", err)
			continue
		}
		select {
		case s.events <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *wsStream) Events() <-chan *types.WebsocketMessage { return s.events }

func (s *wsStream) Send(msg *types.WebsocketMessage) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
