// Package diagapi exposes a minimal read-only HTTP surface for inspecting
// a running stream handler: per-stream diagnostic counters, per-sequencer
// shaper state, and packet pool occupancy. Grounded on the teacher's
// pkg/api/server.go (net/http, an embedded static page served alongside a
// handful of JSON endpoints, graceful Start/Stop around http.Server with
// the same read/write/idle timeouts), trimmed to read-only diagnostics
// since this package has no session-creation or proxy surface to expose.
package diagapi

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/engine"
	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
)

//go:embed web
var webFS embed.FS

// Server serves read-only diagnostics over HTTP for one engine.Context.
type Server struct {
	ctx        *engine.Context
	pool       *packetpool.Pool
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer builds a diagnostics server bound to a running engine context.
func NewServer(ctx *engine.Context, pool *packetpool.Pool, log *logger.Logger) *Server {
	return &Server{ctx: ctx, pool: pool, log: log}
}

// Start runs the HTTP server in a background goroutine, returning once it
// has bound its listener or failed immediately.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/sequencers", s.handleSequencers)
	mux.HandleFunc("/api/pool", s.handlePool)

	staticFS, err := fs.Sub(webFS, "web")
	if err != nil {
		return err
	}
	mux.Handle("/", http.FileServer(http.FS(staticFS)))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error().Err(err).Msg("diagapi: server error")
			}
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		if s.log != nil {
			s.log.Info().Str("addr", addr).Msg("diagapi: listening")
		}
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ctx.StreamSnapshot())
}

func (s *Server) handleSequencers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.ctx.TxEngine.SequencerStats()
	resp := make(map[string]interface{}, len(stats))
	for class, st := range stats {
		resp[class.String()] = st
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]int{
		"capacity": s.pool.Capacity(),
		"free":     s.pool.FreeCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
