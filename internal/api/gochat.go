package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-geochat/internal/config"
	"github.com/npezzotti/go-geochat/internal/server"
	"github.com/rs/zerolog"
)

type GoChatApp struct {
	log            zerolog.Logger
	mux            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
	draining       atomic.Bool
}

// NewGoChatApp mounts the websocket and health endpoints on mux. Metrics
// endpoints are mounted on the same mux by the stats updater.
func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", noCache(s.healthz))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	return s.mux.ListenAndServe()
}

// Shutdown stops accepting new sockets and waits for in-flight HTTP
// requests. Open sockets are closed by the chat server.
func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	s.draining.Store(true)
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
