package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/testutil"
	"github.com/npezzotti/quizhub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := NewGateway(30*time.Second, auth.NewJWTAuthenticator(testSigningKey, ""), stats.Noop{}, testutil.TestLogger(t))
	require.NoError(t, err)
	return g
}

func TestGateway_Negotiate(t *testing.T) {
	g := newTestGateway(t)

	res, err := g.Negotiate(types.ChatHub)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConnectionId)
	assert.NotEmpty(t, res.ConnectionToken)
	assert.NotEqual(t, res.ConnectionId, res.ConnectionToken, "expected the token to differ from the public id")
	assert.Equal(t, []string{ProtocolJSON, ProtocolMessagePack}, res.Protocols)
	assert.Equal(t, 1, g.NumPending())

	other, err := g.Negotiate(types.ChatHub)
	require.NoError(t, err)
	assert.NotEqual(t, res.ConnectionId, other.ConnectionId)

	_, err = g.Negotiate(types.Hub("nohub"))
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
}

func TestGateway_Connect(t *testing.T) {
	goodToken, err := auth.SignToken(testSigningKey, alice, time.Minute)
	require.NoError(t, err)

	tcases := []struct {
		name      string
		hub       types.Hub
		token     func(g *Gateway, negotiated string) string
		authToken string
		advance   time.Duration
		err       error
	}{
		{
			name:      "valid",
			hub:       types.RoomHub,
			token:     func(_ *Gateway, negotiated string) string { return negotiated },
			authToken: goodToken,
		},
		{
			name:      "unknown token",
			hub:       types.RoomHub,
			token:     func(*Gateway, string) string { return "not-a-token" },
			authToken: goodToken,
			err:       types.ErrNegotiationExpired,
		},
		{
			name:      "window passed",
			hub:       types.RoomHub,
			token:     func(_ *Gateway, negotiated string) string { return negotiated },
			authToken: goodToken,
			advance:   time.Minute,
			err:       types.ErrNegotiationExpired,
		},
		{
			name:      "other hub",
			hub:       types.ChatHub,
			token:     func(_ *Gateway, negotiated string) string { return negotiated },
			authToken: goodToken,
			err:       types.ErrNegotiationExpired,
		},
		{
			name:      "bad auth token",
			hub:       types.RoomHub,
			token:     func(_ *Gateway, negotiated string) string { return negotiated },
			authToken: "garbage",
			err:       types.ErrUnauthenticated,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t)
			start := time.Now()
			g.now = func() time.Time { return start }

			neg, err := g.Negotiate(types.RoomHub)
			require.NoError(t, err)

			g.now = func() time.Time { return start.Add(tc.advance) }
			sess, err := g.Connect(context.Background(), tc.hub, tc.token(g, neg.ConnectionToken), tc.authToken)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, neg.ConnectionId, sess.ConnectionId)
			assert.Equal(t, alice.Id, sess.User.Id)
			assert.Equal(t, types.RoomHub, sess.Hub)
			assert.Zero(t, g.NumPending(), "expected the token to be consumed")
		})
	}
}

func TestGateway_TokenIsSingleUse(t *testing.T) {
	g := newTestGateway(t)
	token, err := auth.SignToken(testSigningKey, alice, time.Minute)
	require.NoError(t, err)

	neg, err := g.Negotiate(types.RoomHub)
	require.NoError(t, err)

	_, err = g.Connect(context.Background(), types.RoomHub, neg.ConnectionToken, "garbage")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, err = g.Connect(context.Background(), types.RoomHub, neg.ConnectionToken, token)
	assert.ErrorIs(t, err, types.ErrNegotiationExpired, "expected a failed attempt to spend the token")
}

func TestGateway_Expire(t *testing.T) {
	g := newTestGateway(t)
	start := time.Now()
	g.now = func() time.Time { return start }

	_, err := g.Negotiate(types.RoomHub)
	require.NoError(t, err)
	g.now = func() time.Time { return start.Add(20 * time.Second) }
	_, err = g.Negotiate(types.ChatHub)
	require.NoError(t, err)

	g.now = func() time.Time { return start.Add(40 * time.Second) }
	assert.Equal(t, 1, g.expire())
	assert.Equal(t, 1, g.NumPending())
}
