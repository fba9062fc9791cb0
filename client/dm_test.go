package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devzarr/devzarr/types"
)

func dmMessage(id, threadId, authorId string, at time.Time, body string) *types.DMMessage {
	return &types.DMMessage{Id: id, ThreadId: threadId, AuthorId: authorId, Body: body, CreatedAt: at}
}

func sentRef(t *testing.T, stream *fakeStream, idx int) string {
	t.Helper()
	sent := stream.sentMessages()
	require.Greater(t, len(sent), idx)
	var payload types.ChatSend
	require.NoError(t, json.Unmarshal(sent[idx].Data, &payload))
	return payload.ClientRef
}

func TestDMSendOptimisticEcho(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")
	defer s.Close()

	tempId, err := s.Send("hello there")
	require.NoError(t, err)
	require.NotEmpty(t, tempId)

	items := s.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Pending)
	assert.Equal(t, "hello there", items[0].Message.Body)
	assert.Equal(t, tempId, items[0].Message.Id)

	// the wire payload carries the temp id as client ref
	assert.Equal(t, tempId, sentRef(t, stream, 0))
}

func TestDMAckReplacesByTempId(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")
	defer s.Close()

	temp1, err := s.Send("first")
	require.NoError(t, err)
	temp2, err := s.Send("second")
	require.NoError(t, err)

	// ack the first send while the second is still pending: the match is
	// by temp id, not by position
	authoritative := dmMessage("srv-1", "t1", "me", time.Now().UTC(), "first")
	s.apply(envelope(t, types.WireEventAck, types.WireAck{TempId: temp1, Message: authoritative}))

	items := s.Items()
	require.Len(t, items, 2)
	var acked, pending *DMItem
	for _, it := range items {
		if it.Pending {
			pending = it
		} else {
			acked = it
		}
	}
	require.NotNil(t, acked)
	require.NotNil(t, pending)
	assert.Equal(t, "srv-1", acked.Message.Id)
	assert.Equal(t, "first", acked.Message.Body)
	assert.Equal(t, temp2, pending.Message.Id)
}

func TestDMAckAfterBroadcastNoDuplicate(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")
	defer s.Close()

	tempId, err := s.Send("raced")
	require.NoError(t, err)

	// the broadcast copy beats the ack
	authoritative := dmMessage("srv-1", "t1", "me", time.Now().UTC(), "raced")
	s.apply(envelope(t, types.WireEventDM, authoritative))
	s.apply(envelope(t, types.WireEventAck, types.WireAck{TempId: tempId, Message: authoritative}))

	items := s.Items()
	require.Len(t, items, 1)
	assert.False(t, items[0].Pending)
	assert.Equal(t, "srv-1", items[0].Message.Id)
}

func TestDMErrorRemovesEcho(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")
	defer s.Close()

	tempId, err := s.Send("will fail")
	require.NoError(t, err)
	require.Len(t, s.Items(), 1)

	s.apply(envelope(t, types.WireEventError, types.WireError{
		Code:      types.ErrCodeBackend,
		Message:   "storage unavailable",
		ClientRef: tempId,
	}))

	// the echo is gone, but not silently: a notice records the failure
	assert.Empty(t, s.Items())
	require.Len(t, s.Notices(), 1)
	assert.Contains(t, s.Notices()[0], "storage unavailable")
}

func TestDMHistoryOrdering(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")
	defer s.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.apply(envelope(t, types.WireEventHistory, types.WireHistory{ThreadId: "t1", DMs: []*types.DMMessage{
		dmMessage("d2", "t1", "peer", base.Add(time.Second), "later"),
		dmMessage("d1", "t1", "me", base, "earlier"),
	}}))
	assert.Equal(t, StateReady, s.State())

	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "d1", items[0].Message.Id)
	assert.Equal(t, "d2", items[1].Message.Id)
}

func TestDMClosedSessionIgnoresEvents(t *testing.T) {
	stream := newFakeStream()
	s := OpenDM(stream, "me", "t1")

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	s.apply(envelope(t, types.WireEventDM, dmMessage("d1", "t1", "peer", time.Now().UTC(), "late")))
	assert.Empty(t, s.Items())

	_, err := s.Send("too late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
