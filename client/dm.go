package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

// DMItem is one rendered bubble in a DM thread. Pending marks the optimistic
// local echo: it is replaced in place when the server acks (matched by the
// temporary id, never by position) and removed when the server rejects.
type DMItem struct {
	Message *types.DMMessage
	Pending bool
}

// DMSession is the client-side state of one open direct-message thread.
type DMSession struct {
	stream   Stream
	selfId   string
	threadId string

	mu      sync.RWMutex
	state   State
	items   []*DMItem
	seen    map[string]struct{} // authoritative ids
	byTemp  map[string]*DMItem  // pending echoes by temporary id
	notices []string
	lastErr *types.WireError

	closeOnce sync.Once
	done      chan struct{}
}

// OpenDM starts a DM session over the given stream. The session owns the
// stream and closes it on Close.
func OpenDM(stream Stream, selfId, threadId string) *DMSession {
	s := &DMSession{
		stream:   stream,
		selfId:   selfId,
		threadId: threadId,
		state:    StateLoading,
		seen:     make(map[string]struct{}),
		byTemp:   make(map[string]*DMItem),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *DMSession) run() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.stream.Events():
			if !ok {
				s.Close()
				return
			}
			s.apply(msg)
		}
	}
}

func (s *DMSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Items returns the rendered thread in canonical order, pending echoes
// included at their optimistic position.
func (s *DMSession) Items() []*DMItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*DMItem, len(s.items))
	copy(res, s.items)
	return res
}

func (s *DMSession) Notices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]string, len(s.notices))
	copy(res, s.notices)
	return res
}

func (s *DMSession) LastError() *types.WireError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Send appends an optimistic echo immediately and submits the message. The
// echo carries a temporary id and the local timestamp; the server ack swaps
// in the authoritative row, a server error removes the echo and records a
// notice. The bubble is never duplicated and never silently vanishes.
func (s *DMSession) Send(body string) (string, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if body == "" {
		s.mu.Unlock()
		return "", ErrEmptyDraft
	}
	echo := &DMItem{
		Message: &types.DMMessage{
			Id:        uuid.NewString(),
			ThreadId:  s.threadId,
			AuthorId:  s.selfId,
			Body:      body,
			CreatedAt: time.Now().UTC(),
		},
		Pending: true,
	}
	tempId := echo.Message.Id
	s.items = append(s.items, echo)
	s.byTemp[tempId] = echo
	s.mu.Unlock()

	data, err := json.Marshal(types.ChatSend{Body: body, ClientRef: tempId})
	if err != nil {
		return "", err
	}
	if err := s.stream.Send(&types.WebsocketMessage{Event: types.WireEventDM, Data: data}); err != nil {
		s.mu.Lock()
		s.removeTempLocked(tempId)
		s.mu.Unlock()
		return "", err
	}
	return tempId, nil
}

func (s *DMSession) apply(msg *types.WebsocketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	switch msg.Event {
	case types.WireEventHistory:
		var history types.WireHistory
		if err := json.Unmarshal(msg.Data, &history); err != nil {
			globals.AppLogger.Error("could not decode history", "error", err)
			return
		}
		for _, m := range history.DMs {
			s.insertLocked(m)
		}
		if s.state == StateLoading {
			s.state = StateReady
		}

	case types.WireEventDM:
		var m types.DMMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			globals.AppLogger.Error("could not decode dm", "error", err)
			return
		}
		s.insertLocked(&m)

	case types.WireEventAck:
		var ack types.WireAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			globals.AppLogger.Error("could not decode ack", "error", err)
			return
		}
		s.reconcileLocked(&ack)

	case types.WireEventNotice:
		var notice types.WireNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			globals.AppLogger.Error("could not decode notice", "error", err)
			return
		}
		s.notices = append(s.notices, notice.Text)

	case types.WireEventError:
		var wireErr types.WireError
		if err := json.Unmarshal(msg.Data, &wireErr); err != nil {
			globals.AppLogger.Error("could not decode error", "error", err)
			return
		}
		s.lastErr = &wireErr
		if _, ok := s.byTemp[wireErr.ClientRef]; ok {
			s.removeTempLocked(wireErr.ClientRef)
			s.notices = append(s.notices, "message could not be sent: "+wireErr.Message)
		}
	}
}

// reconcileLocked swaps a pending echo for the authoritative row. The echo
// is matched by temporary id; if the broadcast copy already arrived the echo
// is simply dropped.
func (s *DMSession) reconcileLocked(ack *types.WireAck) {
	echo, ok := s.byTemp[ack.TempId]
	if !ok || ack.Message == nil {
		return
	}
	delete(s.byTemp, ack.TempId)
	if _, dup := s.seen[ack.Message.Id]; dup {
		s.removeItemLocked(echo)
		return
	}
	s.seen[ack.Message.Id] = struct{}{}
	echo.Message = ack.Message
	echo.Pending = false
	s.resortLocked()
}

// insertLocked places an authoritative message at its canonical position.
// Duplicates by id are dropped.
func (s *DMSession) insertLocked(m *types.DMMessage) {
	if m == nil || m.Id == "" {
		return
	}
	if _, ok := s.seen[m.Id]; ok {
		return
	}
	s.seen[m.Id] = struct{}{}
	s.items = append(s.items, &DMItem{Message: m})
	s.resortLocked()
}

func (s *DMSession) removeTempLocked(tempId string) {
	echo, ok := s.byTemp[tempId]
	if !ok {
		return
	}
	delete(s.byTemp, tempId)
	s.removeItemLocked(echo)
}

func (s *DMSession) removeItemLocked(item *DMItem) {
	for i, it := range s.items {
		if it == item {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *DMSession) resortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].Message.Before(s.items[j].Message)
	})
}

// Close tears the session down. Idempotent; events already in flight are
// dropped.
func (s *DMSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		err = s.stream.Close()
	})
	return err
}
