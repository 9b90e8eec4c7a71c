package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join room: %w", ErrRoomFull.Wrap(errors.New("cap 2")))

	assert.ErrorIs(t, wrapped, ErrRoomFull, "expected wrapped error to match sentinel")
	assert.NotErrorIs(t, wrapped, ErrRoomClosed, "expected wrapped error not to match other codes")
	assert.Equal(t, "room is full: cap 2", ErrRoomFull.Wrap(errors.New("cap 2")).Error())
}

func TestAsHubError(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		code string
	}{
		{name: "nil", err: nil, code: ""},
		{name: "sentinel", err: ErrForbidden, code: "Forbidden"},
		{name: "wrapped sentinel", err: fmt.Errorf("x: %w", ErrRoomNotFound), code: "RoomNotFound"},
		{name: "unknown error", err: errors.New("boom"), code: "Internal"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			he := AsHubError(tc.err)
			if tc.err == nil {
				assert.Nil(t, he)
				return
			}
			assert.Equal(t, tc.code, he.Code)
		})
	}
}

func TestNewErrorEvent_HidesInternalCause(t *testing.T) {
	ev := NewErrorEvent(errors.New("pq: connection refused"))
	assert.Equal(t, "internal server error", ev.Message)
	assert.Equal(t, "Internal", ev.Code)

	ev = NewErrorEvent(ErrRoomClosed)
	assert.Equal(t, "room is closed", ev.Message)
	assert.Equal(t, EventError, ev.EventName())
}

func TestNewEvent(t *testing.T) {
	v, err := NewEvent(EventPlayerJoined)
	require.NoError(t, err)
	assert.IsType(t, &PlayerJoined{}, v)

	e, err := Deref(v)
	require.NoError(t, err)
	assert.Equal(t, EventPlayerJoined, e.EventName())

	_, err = NewEvent("nope")
	assert.Error(t, err)
}

func TestRoomSnapshot_UserIds(t *testing.T) {
	s := RoomSnapshot{Players: []Player{{UserId: "host"}, {UserId: "1"}}}
	assert.Equal(t, []string{"host", "1"}, s.UserIds())
}

func TestMsgpack_UsesJsonTags(t *testing.T) {
	in := RoomEvent{RoomId: "AB12C", FromUserId: "1", Name: "answer", Payload: map[string]any{"choice": "b"}}
	b, err := MarshalMsgpack(in)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, UnmarshalMsgpack(b, &raw))
	assert.Contains(t, raw, "RoomId", "expected json tag names on the wire")

	var out RoomEvent
	require.NoError(t, UnmarshalMsgpack(b, &out))
	assert.Equal(t, "AB12C", out.RoomId)
	assert.Equal(t, map[string]any{"choice": "b"}, out.Payload)
}
