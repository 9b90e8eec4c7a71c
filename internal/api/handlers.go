package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/server"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("json encode", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	errResp := FromHubError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			s.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			errResp := NewServiceUnavailableError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	hub := types.Hub(r.PathValue("hub"))
	if !hub.Valid() {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	res, err := s.hub.Negotiate(hub)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

// serveWs trades a negotiated connection token and an auth token for a
// websocket bound to the user.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	hub := types.Hub(r.PathValue("hub"))
	if !hub.Valid() {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	codec, err := server.CodecFor(r.URL.Query().Get("protocol"))
	if err != nil {
		errResp := NewBadRequestError()
		errResp.Err = err
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess, err := s.hub.Connect(r.Context(), hub, r.URL.Query().Get("id"), auth.TokenFromRequest(r))
	if err != nil {
		s.logger.Debug("connect rejected", zap.String("hub", string(hub)), zap.Error(err))
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// native mobile clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading connection", zap.Error(err))
		return
	}

	if _, err := s.hub.Serve(sess, conn, codec); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, types.AsHubError(err).Message),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rooms.Snapshot(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, snap)
}
