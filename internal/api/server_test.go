package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/cache"
	"github.com/npezzotti/quizhub/internal/config"
	"github.com/npezzotti/quizhub/internal/room"
	"github.com/npezzotti/quizhub/internal/server"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/testutil"
	"github.com/npezzotti/quizhub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testApp struct {
	api   *Server
	hub   *server.Server
	rooms *room.Coordinator
}

func newTestApp(t *testing.T, health map[string]Pinger) *testApp {
	t.Helper()
	logger := testutil.TestLogger(t)

	br := broker.NewLocal(64)
	rooms := room.NewCoordinator(room.Config{}, br, stats.Noop{}, logger)

	hub, err := server.NewServer(server.Config{}, auth.NewJWTAuthenticator(testSigningKey, ""), rooms, nil, br, stats.Noop{}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		hub.Run(ctx)
	}()

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		hub.Shutdown(shutdownCtx)
		rooms.Shutdown(shutdownCtx)
		cancel()
		br.Close()
		<-runDone
	})

	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	api := NewServer(http.NewServeMux(), logger, hub, rooms, auth.NewJWTAuthenticator(testSigningKey, ""), nil, health, cfg)

	return &testApp{api: api, hub: hub, rooms: rooms}
}

func signToken(t *testing.T, user types.User) string {
	t.Helper()
	token, err := auth.SignToken(testSigningKey, user, time.Minute)
	require.NoError(t, err)
	return token
}

func TestNewServer(t *testing.T) {
	app := newTestApp(t, nil)

	assert.NotNil(t, app.api.logger, "expected logger to be set")
	assert.Equal(t, app.hub, app.api.hub, "expected hub to be set")
	assert.Equal(t, app.rooms, app.api.rooms, "expected room reader to be set")
	assert.Equal(t, cache.NoopLimiter{}, app.api.limiter, "expected a default limiter")
	assert.Equal(t, "localhost:0", app.api.srv.Addr, "expected server address to match config")
	assert.Equal(t, []string{"http://localhost:3000"}, app.api.allowedOrigins)
}

func TestHealthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		health     map[string]Pinger
		statusCode int
	}{
		{
			name:       "no dependencies",
			statusCode: http.StatusOK,
		},
		{
			name: "all healthy",
			health: map[string]Pinger{
				"database": pingFunc(func(context.Context) error { return nil }),
				"redis":    pingFunc(func(context.Context) error { return nil }),
			},
			statusCode: http.StatusOK,
		},
		{
			name: "dependency down",
			health: map[string]Pinger{
				"database": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
			},
			statusCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, tc.health)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.api.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tc.statusCode, rr.Code, "expected status code %d", tc.statusCode)
			if tc.statusCode == http.StatusOK {
				assert.Equal(t, "OK", rr.Body.String())
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	app := newTestApp(t, nil)

	tcases := []struct {
		name       string
		path       string
		statusCode int
	}{
		{name: "room hub", path: "/roomhub/negotiate", statusCode: http.StatusOK},
		{name: "chat hub", path: "/chathub/negotiate", statusCode: http.StatusOK},
		{name: "unknown hub", path: "/lobby/negotiate", statusCode: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			app.api.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tc.statusCode, rr.Code, "expected status code %d", tc.statusCode)
			if tc.statusCode != http.StatusOK {
				return
			}

			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var res server.NegotiateResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
			assert.NotEmpty(t, res.ConnectionId, "expected a connection id")
			assert.NotEmpty(t, res.ConnectionToken, "expected a connection token")
			assert.Equal(t, []string{"WebSockets"}, res.AvailableTransports)
			assert.NotEmpty(t, res.ExpiresAt, "expected an expiry")
		})
	}
}

func TestServeWs_Rejected(t *testing.T) {
	app := newTestApp(t, nil)

	negotiate := func(t *testing.T, hub types.Hub) string {
		res, err := app.hub.Negotiate(hub)
		require.NoError(t, err)
		return res.ConnectionToken
	}
	validToken := signToken(t, types.User{Id: "u1"})

	tcases := []struct {
		name       string
		path       func(t *testing.T) string
		statusCode int
		code       string
	}{
		{
			name: "unknown protocol",
			path: func(t *testing.T) string {
				return "/roomhub?protocol=xml&id=" + negotiate(t, types.RoomHub) + "&access_token=" + validToken
			},
			statusCode: http.StatusBadRequest,
		},
		{
			name: "unknown connection token",
			path: func(t *testing.T) string {
				return "/roomhub?id=nope&access_token=" + validToken
			},
			statusCode: http.StatusNotFound,
			code:       "NegotiationExpired",
		},
		{
			name: "token negotiated on another hub",
			path: func(t *testing.T) string {
				return "/roomhub?id=" + negotiate(t, types.ChatHub) + "&access_token=" + validToken
			},
			statusCode: http.StatusNotFound,
			code:       "NegotiationExpired",
		},
		{
			name: "bad auth token",
			path: func(t *testing.T) string {
				return "/roomhub?id=" + negotiate(t, types.RoomHub) + "&access_token=garbage"
			},
			statusCode: http.StatusUnauthorized,
			code:       "Unauthenticated",
		},
		{
			name: "missing auth token",
			path: func(t *testing.T) string {
				return "/roomhub?id=" + negotiate(t, types.RoomHub)
			},
			statusCode: http.StatusUnauthorized,
			code:       "Unauthenticated",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path(t), nil)
			app.api.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tc.statusCode, rr.Code, "expected status code %d", tc.statusCode)

			var apiErr ApiError
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

type wireFrame struct {
	Type         string          `json:"type"`
	InvocationId string          `json:"invocationId"`
	Target       string          `json:"target"`
	Arguments    json.RawMessage `json:"arguments"`
	Error        string          `json:"error"`
}

func TestServeWs_EndToEnd(t *testing.T) {
	app := newTestApp(t, nil)
	ts := httptest.NewServer(app.api.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/roomhub/negotiate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var neg server.NegotiateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&neg))

	token := signToken(t, types.User{Id: "host", Name: "Host"})
	q := url.Values{}
	q.Set("id", neg.ConnectionToken)
	q.Set("access_token", token)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/roomhub?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "expected websocket upgrade to succeed")
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{
		"type":         "invocation",
		"invocationId": "1",
		"target":       "CreateRoom",
		"arguments":    map[string]any{"QuizId": "quiz-7", "Capacity": 4},
	})
	require.NoError(t, err)

	var (
		completed bool
		created   types.RoomCreated
	)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !completed || created.RoomId == "" {
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f), "expected a frame before the deadline")

		switch {
		case f.Type == "completion" && f.InvocationId == "1":
			assert.Empty(t, f.Error, "expected CreateRoom to succeed")
			completed = true
		case f.Type == "event" && f.Target == types.EventRoomCreated:
			require.NoError(t, json.Unmarshal(f.Arguments, &created))
		}
	}

	assert.Equal(t, "quiz-7", created.QuizId)
	assert.Equal(t, "host", created.HostId)
	assert.Equal(t, 4, created.Capacity)
	assert.Len(t, created.RoomId, 5, "expected a five character join code")

	t.Run("token is single use", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("room snapshot", func(t *testing.T) {
		tcases := []struct {
			name       string
			code       string
			token      string
			statusCode int
		}{
			{name: "live room", code: created.RoomId, token: token, statusCode: http.StatusOK},
			{name: "unknown room", code: "ZZZZZ", token: token, statusCode: http.StatusNotFound},
			{name: "unauthenticated", code: created.RoomId, statusCode: http.StatusUnauthorized},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/rooms/"+tc.code, nil)
				require.NoError(t, err)
				if tc.token != "" {
					req.Header.Set("Authorization", "Bearer "+tc.token)
				}

				resp, err := http.DefaultClient.Do(req)
				require.NoError(t, err)
				defer resp.Body.Close()

				assert.Equal(t, tc.statusCode, resp.StatusCode, "expected status code %d", tc.statusCode)
				if tc.statusCode != http.StatusOK {
					return
				}

				var snap types.RoomSnapshot
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
				assert.Equal(t, created.RoomId, snap.RoomId)
				assert.Equal(t, types.RoomOpen, snap.State)
				assert.Equal(t, []string{"host"}, snap.UserIds())
			})
		}
	})
}

func TestServeWs_MessagePack(t *testing.T) {
	app := newTestApp(t, nil)
	ts := httptest.NewServer(app.api.Handler())
	t.Cleanup(ts.Close)

	neg, err := app.hub.Negotiate(types.RoomHub)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("id", neg.ConnectionToken)
	q.Set("protocol", server.ProtocolMessagePack)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, types.User{Id: "u1"}))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/roomhub?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	codec, err := server.CodecFor(server.ProtocolMessagePack)
	require.NoError(t, err)

	// an unknown target is answered with a completion carrying the error
	data, err := codec.Encode(&server.ServerFrame{Type: server.FrameInvocation, InvocationId: "7", Target: "Nope"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType, "expected binary frames")

	f, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, server.FrameCompletion, f.Type)
	assert.Equal(t, "7", f.InvocationId)
}

func TestServeWs_OriginCheck(t *testing.T) {
	app := newTestApp(t, nil)
	ts := httptest.NewServer(app.api.Handler())
	t.Cleanup(ts.Close)

	tcases := []struct {
		name    string
		origin  string
		upgrade bool
	}{
		{name: "allowed origin", origin: "http://localhost:3000", upgrade: true},
		{name: "no origin", upgrade: true},
		{name: "foreign origin", origin: "http://evil.example", upgrade: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			neg, err := app.hub.Negotiate(types.RoomHub)
			require.NoError(t, err)

			q := url.Values{}
			q.Set("id", neg.ConnectionToken)
			q.Set("access_token", signToken(t, types.User{Id: "u1"}))
			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/roomhub?"+q.Encode(), header)
			if tc.upgrade {
				require.NoError(t, err)
				conn.Close()
				return
			}

			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}
