package client

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/devzarr/devzarr/command"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

// Session lifecycle. Loading until the initial history page has been
// applied, Closed is terminal.
type State int

const (
	StateLoading State = iota
	StateReady
	StateClosed
)

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrCannotSpeak is the local refusal: the latest gating information
	// says the caller may not post in this room. The draft is untouched.
	ErrCannotSpeak = errors.New("posting is restricted in this room")
	ErrEmptyDraft  = errors.New("empty draft")
)

// RoomSession is the client-side state of one open room. It consumes the
// stream in its own goroutine; all accessors are safe for concurrent use.
// Messages are held in canonical order (created_at ascending, id ascending
// on ties) no matter the arrival order, and duplicates are suppressed by id.
type RoomSession struct {
	stream Stream
	selfId string

	mu       sync.RWMutex
	state    State
	room     types.Room
	messages []*types.Message
	seen     map[string]struct{}
	members  map[string]*types.Membership
	online   []string
	notices  []string
	lastErr  *types.WireError

	draft   string
	pending map[string]string // client ref -> sent draft, restored on rejection

	closeOnce sync.Once
	done      chan struct{}
}

// OpenRoom starts a room session over the given stream. The session owns the
// stream and closes it on Close.
func OpenRoom(stream Stream, selfId string) *RoomSession {
	s := &RoomSession{
		stream:  stream,
		selfId:  selfId,
		state:   StateLoading,
		seen:    make(map[string]struct{}),
		members: make(map[string]*types.Membership),
		pending: make(map[string]string),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *RoomSession) run() {
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

func (s *RoomSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *RoomSession) Room() types.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Messages returns the rendered message list in canonical order.
func (s *RoomSession) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*types.Message, len(s.messages))
	copy(res, s.messages)
	return res
}

// Members lists the current membership mirror ordered by user id ascending.
func (s *RoomSession) Members() []*types.Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*types.Membership, 0, len(s.members))
	for _, m := range s.members {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserId < res[j].UserId })
	return res
}

// Online returns the latest presence snapshot.
func (s *RoomSession) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]string, len(s.online))
	copy(res, s.online)
	return res
}

// Notices returns transient status lines (command feedback) in arrival order.
func (s *RoomSession) Notices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]string, len(s.notices))
	copy(res, s.notices)
	return res
}

// LastError returns the most recent server rejection, nil if none.
func (s *RoomSession) LastError() *types.WireError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *RoomSession) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

func (s *RoomSession) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// canSpeakLocked evaluates gating against the latest known state. Unknown
// membership is treated as allowed, the server has the authoritative say.
func (s *RoomSession) canSpeakLocked() bool {
	m, ok := s.members[s.selfId]
	if !ok {
		return true
	}
	return m.CanSpeak(s.room.Moderated)
}

// Send submits the current draft. Slash lines go out as command sends and
// skip gating. A normal line is refused locally, draft untouched, when the
// latest gating info says the caller cannot speak; otherwise the draft is
// cleared and remembered under a client ref until the server settles the
// send: a rejection restores it, the ack discards it.
func (s *RoomSession) Send() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	line := s.draft
	if line == "" {
		s.mu.Unlock()
		return ErrEmptyDraft
	}
	event := types.WireEventChat
	if command.IsCommand(line) {
		event = types.WireEventCommand
	} else if !s.canSpeakLocked() {
		s.mu.Unlock()
		return ErrCannotSpeak
	}
	ref := uuid.NewString()
	s.pending[ref] = line
	s.draft = ""
	s.mu.Unlock()

	data, err := json.Marshal(types.ChatSend{Body: line, ClientRef: ref})
	if err != nil {
		return err
	}
	if err := s.stream.Send(&types.WebsocketMessage{Event: event, Data: data}); err != nil {
		s.mu.Lock()
		s.draft = s.pending[ref]
		delete(s.pending, ref)
		s.mu.Unlock()
		return err
	}
	return nil
}

// apply folds one server message into the session. After Close it is a
// no-op.
func (s *RoomSession) apply(msg *types.WebsocketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	switch msg.Event {
	case types.WireEventInfo:
		var info types.WireInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			globals.AppLogger.Error("could not decode info", "error", err)
			return
		}
		if info.Room != nil {
			s.room = *info.Room
		}

	case types.WireEventHistory:
		var history types.WireHistory
		if err := json.Unmarshal(msg.Data, &history); err != nil {
			globals.AppLogger.Error("could not decode history", "error", err)
			return
		}
		for _, m := range history.Messages {
			s.insertLocked(m)
		}
		if s.state == StateLoading {
			s.state = StateReady
		}

	case types.WireEventChat:
		var m types.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			globals.AppLogger.Error("could not decode chat message", "error", err)
			return
		}
		s.insertLocked(&m)

	case types.WireEventMembers:
		var members types.WireMembers
		if err := json.Unmarshal(msg.Data, &members); err != nil {
			globals.AppLogger.Error("could not decode members", "error", err)
			return
		}
		s.members = make(map[string]*types.Membership, len(members.Members))
		for _, m := range members.Members {
			s.members[m.UserId] = m
		}

	case types.WireEventPresence:
		var presence types.WirePresence
		if err := json.Unmarshal(msg.Data, &presence); err != nil {
			globals.AppLogger.Error("could not decode presence", "error", err)
			return
		}
		// full-state snapshot: replace, never accumulate
		s.online = presence.UserIds

	case types.WireEventAck:
		var ack types.WireAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			globals.AppLogger.Error("could not decode ack", "error", err)
			return
		}
		// the send is confirmed, the saved draft is no longer needed
		delete(s.pending, ack.TempId)
		if ack.Chat != nil {
			s.insertLocked(ack.Chat)
		}

	case types.WireEventNotice:
		var notice types.WireNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			globals.AppLogger.Error("could not decode notice", "error", err)
			return
		}
		s.notices = append(s.notices, notice.Text)
		if notice.ClientRef != "" {
			delete(s.pending, notice.ClientRef)
		}

	case types.WireEventError:
		var wireErr types.WireError
		if err := json.Unmarshal(msg.Data, &wireErr); err != nil {
			globals.AppLogger.Error("could not decode error", "error", err)
			return
		}
		s.lastErr = &wireErr
		if line, ok := s.pending[wireErr.ClientRef]; ok {
			// rejection: the attempt is terminal, the text goes back into
			// the composer for manual retry
			s.draft = line
			delete(s.pending, wireErr.ClientRef)
		}
	}
}

// insertLocked places a message at its canonical position. Duplicates by id
// are dropped, out-of-order arrivals land at the right slot.
func (s *RoomSession) insertLocked(m *types.Message) {
	if m == nil || m.Id == "" {
		return
	}
	if _, ok := s.seen[m.Id]; ok {
		return
	}
	s.seen[m.Id] = struct{}{}
	idx := sort.Search(len(s.messages), func(i int) bool { return m.Before(s.messages[i]) })
	s.messages = append(s.messages, nil)
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = m
}

// Close tears the session down. Idempotent; events already in flight are
// dropped.
func (s *RoomSession) Close() error {
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
