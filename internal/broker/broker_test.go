package broker

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/quizhub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishRun(t *testing.T) {
	b := NewLocal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 8)
	go b.Run(ctx, func(_ context.Context, env Envelope) {
		got <- env
	})

	for i := range 3 {
		err := b.Publish(ctx, Envelope{
			Key:      "AB12C",
			Audience: Audience{Hub: types.RoomHub, UserIds: []string{"u1"}},
			Event:    types.GameStarted{RoomId: "AB12C", QuizId: string(rune('a' + i))},
		})
		require.NoError(t, err)
	}

	for i := range 3 {
		select {
		case env := <-got:
			ev, ok := env.Event.(types.GameStarted)
			require.True(t, ok, "expected GameStarted event")
			assert.Equal(t, string(rune('a'+i)), ev.QuizId, "expected publish order to be kept")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func TestLocal_Close(t *testing.T) {
	b := NewLocal(1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background(), func(context.Context, Envelope) {})
	}()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "expected Close to be idempotent")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after Close")
	}

	err := b.Publish(context.Background(), Envelope{Event: types.GameStarted{}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_PublishHonorsContext(t *testing.T) {
	b := NewLocal(1)
	require.NoError(t, b.Publish(context.Background(), Envelope{Event: types.GameStarted{}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, Envelope{Event: types.GameStarted{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "expected full queue to block until the deadline")
}

func TestEnvelopeCodec(t *testing.T) {
	ts := types.Now()
	tcases := []struct {
		name string
		env  Envelope
	}{
		{
			name: "player joined",
			env: Envelope{
				Key: "room:AB12C",
				Audience: Audience{
					Hub:           types.RoomHub,
					UserIds:       []string{"host", "u1"},
					Room:          "AB12C",
					ConnectionIds: []string{"c-host", "c-u1"},
				},
				Event: types.PlayerJoined{
					QuizId:     "q1",
					RoomId:     "AB12C",
					HostId:     "host",
					PlayerList: []types.Player{{UserId: "host", JoinSeq: 1, Connected: true}},
				},
			},
		},
		{
			name: "receive message",
			env: Envelope{
				Key:      "group:7",
				Audience: Audience{Hub: types.ChatHub, UserIds: []string{"u1"}, SkipConnectionId: "c1"},
				Event: types.ReceiveMessage{
					MessageId:  42,
					UserId:     "u2",
					FromUserId: "u2",
					Message:    "hi",
					Timestamp:  ts,
					GroupId:    7,
					Sequence:   3,
				},
			},
		},
		{
			name: "unread counts",
			env: Envelope{
				Audience: Audience{Hub: types.ChatHub, UserIds: []string{"u1"}},
				Event:    types.UnreadMessageCounts{{GroupId: 7, UnreadCount: 5}},
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := encodeEnvelope(tc.env)
			require.NoError(t, err)

			got, err := decodeEnvelope(b)
			require.NoError(t, err)
			assert.Equal(t, tc.env.Key, got.Key)
			assert.Equal(t, tc.env.Audience, got.Audience)
			assert.Equal(t, tc.env.Event.EventName(), got.Event.EventName())
			if rm, ok := got.Event.(types.ReceiveMessage); ok {
				assert.True(t, ts.Equal(rm.Timestamp), "expected timestamp to survive encoding")
				assert.Equal(t, int64(3), rm.Sequence)
			}
		})
	}

	_, err := encodeEnvelope(Envelope{})
	assert.Error(t, err, "expected envelope without event to be rejected")

	_, err = decodeEnvelope([]byte{0xc1})
	assert.Error(t, err, "expected garbage to be rejected")
}
