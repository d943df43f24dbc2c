package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SourceHTTP names the HTTP transport in logs and the ledger.
const SourceHTTP = "http"

const maxRequestBody = 64 << 10

// Server exposes the command registry over HTTP. Every command answers 200
// with the response state inside the body.
type Server struct {
	addr       string
	registry   *Registry
	events     http.Handler
	httpServer *http.Server
}

// NewServer creates a command server. events, when not nil, is mounted on
// GET /events.
func NewServer(host string, port int, registry *Registry, events http.Handler) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		registry: registry,
		events:   events,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /methods/{name}", s.handleMethod)
	mux.HandleFunc("GET /methods", s.handleList)
	if s.events != nil {
		mux.Handle("GET /events", s.events)
	}
	return mux
}

// Run starts the command server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting command server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Command server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	defer r.Body.Close()
	if err != nil {
		writeJSON(w, Fail(fmt.Errorf("%w: %w", ErrInvalidRequest, err)))
		return
	}

	log.Debug().
		Str("command", name).
		Int("body_len", len(body)).
		Msg("Received command request")

	writeJSON(w, s.registry.Dispatch(r.Context(), name, SourceHTTP, body))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"methods": s.registry.Names()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write command response")
	}
}
