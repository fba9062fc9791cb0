package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devzarr/devzarr/types"
)

type fakeStream struct {
	events chan *types.WebsocketMessage

	mu      sync.Mutex
	sent    []*types.WebsocketMessage
	sendErr error
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *types.WebsocketMessage, 16)}
}

func (f *fakeStream) Events() <-chan *types.WebsocketMessage { return f.events }

func (f *fakeStream) Send(msg *types.WebsocketMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) sentMessages() []*types.WebsocketMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]*types.WebsocketMessage, len(f.sent))
	copy(res, f.sent)
	return res
}

func envelope(t *testing.T, event string, payload interface{}) *types.WebsocketMessage {
	t.Helper()
	raw, err := types.Envelope(event, payload)
	require.NoError(t, err)
	msg := &types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(raw, msg))
	return msg
}

func chatMessage(id, roomId string, at time.Time, body string) *types.Message {
	return &types.Message{Id: id, RoomId: roomId, AuthorId: "author", Body: body, CreatedAt: at}
}

func TestRoomSessionHistoryOrdering(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	assert.Equal(t, StateLoading, s.State())

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.apply(envelope(t, types.WireEventHistory, types.WireHistory{RoomId: "r1", Messages: []*types.Message{
		chatMessage("m1", "r1", base, "first"),
		chatMessage("m2", "r1", base.Add(time.Second), "second"),
	}}))
	assert.Equal(t, StateReady, s.State())

	// out of order arrival lands at its canonical slot
	s.apply(envelope(t, types.WireEventChat, chatMessage("m0", "r1", base.Add(-time.Second), "earlier")))
	// identical timestamps break the tie on id
	s.apply(envelope(t, types.WireEventChat, chatMessage("m1b", "r1", base, "tie")))

	got := s.Messages()
	require.Len(t, got, 4)
	ids := []string{got[0].Id, got[1].Id, got[2].Id, got[3].Id}
	assert.Equal(t, []string{"m0", "m1", "m1b", "m2"}, ids)
}

func TestRoomSessionDuplicateSuppression(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	base := time.Now().UTC()
	msg := chatMessage("m1", "r1", base, "hello")
	s.apply(envelope(t, types.WireEventHistory, types.WireHistory{RoomId: "r1", Messages: []*types.Message{msg}}))
	s.apply(envelope(t, types.WireEventChat, msg))
	s.apply(envelope(t, types.WireEventChat, msg))

	assert.Len(t, s.Messages(), 1)
}

func TestRoomSessionLocalGating(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	s.apply(envelope(t, types.WireEventInfo, types.WireInfo{Room: &types.Room{Id: "r1", Moderated: true}}))
	s.apply(envelope(t, types.WireEventMembers, types.WireMembers{RoomId: "r1", Members: []*types.Membership{
		{RoomId: "r1", UserId: "me", Role: types.RoleMember, Voice: false},
	}}))

	s.SetDraft("can I speak?")
	err := s.Send()
	assert.ErrorIs(t, err, ErrCannotSpeak)
	assert.Equal(t, "can I speak?", s.Draft())
	assert.Empty(t, stream.sentMessages())

	// a slash command is not gated
	s.SetDraft("/mode -m")
	assert.NoError(t, s.Send())
	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.WireEventCommand, sent[0].Event)

	// voice lifts the restriction
	s.apply(envelope(t, types.WireEventMembers, types.WireMembers{RoomId: "r1", Members: []*types.Membership{
		{RoomId: "r1", UserId: "me", Role: types.RoleMember, Voice: true},
	}}))
	s.SetDraft("now I can")
	assert.NoError(t, s.Send())
	assert.Equal(t, "", s.Draft())
}

func TestRoomSessionRejectionRestoresDraft(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	s.SetDraft("rejected line")
	require.NoError(t, s.Send())
	assert.Equal(t, "", s.Draft())

	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	var payload types.ChatSend
	require.NoError(t, json.Unmarshal(sent[0].Data, &payload))
	require.NotEmpty(t, payload.ClientRef)

	s.apply(envelope(t, types.WireEventError, types.WireError{
		Code:      types.ErrCodeForbidden,
		Message:   "this room is moderated",
		ClientRef: payload.ClientRef,
	}))

	assert.Equal(t, "rejected line", s.Draft())
	require.NotNil(t, s.LastError())
	assert.Equal(t, types.ErrCodeForbidden, s.LastError().Code)
}

func TestRoomSessionAckSettlesPending(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.SetDraft("line")
		require.NoError(t, s.Send())
	}
	sent := stream.sentMessages()
	require.Len(t, sent, 5)

	// every confirmed send releases its saved draft, the map never grows
	for i, msg := range sent {
		var payload types.ChatSend
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		require.NotEmpty(t, payload.ClientRef)
		stored := chatMessage("m"+payload.ClientRef, "r1", base.Add(time.Duration(i)*time.Second), "line")
		s.apply(envelope(t, types.WireEventAck, types.WireAck{TempId: payload.ClientRef, Chat: stored}))
	}

	s.mu.RLock()
	pending := len(s.pending)
	s.mu.RUnlock()
	assert.Zero(t, pending)
	assert.Len(t, s.Messages(), 5)

	// the broadcast copy of an acked message is not a second bubble
	first := chatMessage(s.Messages()[0].Id, "r1", base, "line")
	s.apply(envelope(t, types.WireEventChat, first))
	assert.Len(t, s.Messages(), 5)
}

func TestRoomSessionPresenceReplace(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	s.apply(envelope(t, types.WireEventPresence, types.WirePresence{RoomId: "r1", UserIds: []string{"a", "b", "c"}}))
	assert.Equal(t, []string{"a", "b", "c"}, s.Online())

	// snapshots replace, they never accumulate
	s.apply(envelope(t, types.WireEventPresence, types.WirePresence{RoomId: "r1", UserIds: []string{"b"}}))
	assert.Equal(t, []string{"b"}, s.Online())
}

func TestRoomSessionCloseIdempotent(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	// events after close are no-ops
	s.apply(envelope(t, types.WireEventChat, chatMessage("m1", "r1", time.Now().UTC(), "late")))
	assert.Empty(t, s.Messages())

	s.SetDraft("too late")
	assert.ErrorIs(t, s.Send(), ErrSessionClosed)
}

func TestRoomSessionNotices(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	s.apply(envelope(t, types.WireEventNotice, types.WireNotice{Text: "moderation enabled"}))
	assert.Equal(t, []string{"moderation enabled"}, s.Notices())
}

func TestRoomSessionStreamDelivery(t *testing.T) {
	stream := newFakeStream()
	s := OpenRoom(stream, "me")
	defer s.Close()

	stream.events <- envelope(t, types.WireEventHistory, types.WireHistory{RoomId: "r1", Messages: []*types.Message{
		chatMessage("m1", "r1", time.Now().UTC(), "via stream"),
	}})

	assert.Eventually(t, func() bool {
		return s.State() == StateReady && len(s.Messages()) == 1
	}, time.Second, 10*time.Millisecond)
}
