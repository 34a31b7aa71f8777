// Package server exposes the conversation pipeline over HTTP: an SSE chat
// endpoint plus history, search, and health surfaces.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/threadline/pkg/checkpoint"
	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/pipeline"
	"github.com/dotsetgreg/threadline/pkg/retrieval"
	"github.com/dotsetgreg/threadline/pkg/transcript"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

type Server struct {
	cfg         *config.Config
	pipe        *pipeline.Pipeline
	transcripts *transcript.Log
	checkpoints *checkpoint.Store
	retriever   *retrieval.Retriever
	store       *vectorstore.Client
}

// New assembles the HTTP layer. retriever and store may be nil when no
// vector store is configured; the search endpoint then reports it as down.
func New(cfg *config.Config, pipe *pipeline.Pipeline, transcripts *transcript.Log, checkpoints *checkpoint.Store, retriever *retrieval.Retriever, store *vectorstore.Client) *Server {
	return &Server{
		cfg:         cfg,
		pipe:        pipe,
		transcripts: transcripts,
		checkpoints: checkpoints,
		retriever:   retriever,
		store:       store,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/history", s.handleHistory)
	mux.HandleFunc("POST /api/chat/message", s.handleMessage)
	mux.HandleFunc("GET /api/chat/search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.authGuard(mux)
}

// HTTPServer returns the configured server, ready for Run.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port),
		Handler: s.Handler(),
	}
}

// authGuard enforces the bearer token on /api/ routes when one is
// configured. The health endpoint stays open for probes.
func (s *Server) authGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.AuthToken
		if token == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func Run(srv *http.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.InfoCF("server", "Gateway listening", map[string]interface{}{
		"addr": srv.Addr,
	})

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.InfoCF("server", "Shutting down", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
