package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-geochat/internal/server"
)

type HealthResponse struct {
	Status string         `json:"status"`
	Mode   map[string]any `json:"mode"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Mode:   s.cs.Mode(),
	})
}

// originAllowed accepts requests without an Origin header, e.g. from
// non-browser clients.
func (s *GoChatApp) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request. The connection stays anonymous until it
// sends room:join with a credential.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.originAllowed(r) {
		s.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("rejected websocket origin")
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	if !s.cs.Register(client) {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
