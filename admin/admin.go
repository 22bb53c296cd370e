// Package admin serves the operational HTTP endpoints of a msgnet process:
// liveness, a session listing and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/logger"
)

// shutdownGrace bounds how long Serve waits for in-flight requests.
const shutdownGrace = 5 * time.Second

// SessionSource is what the endpoints report on. *server.Server satisfies it.
type SessionSource interface {
	Running() bool
	Sessions() []*connection.Connection
}

// RegistryStats is optionally implemented by a SessionSource to expose the
// state of its session registry.
type RegistryStats interface {
	NextID() uint32
	Pending() int
}

// Config holds admin settings.
type Config struct {
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Logger receives admin events. Nil discards them.
	Logger logger.Logger
}

// Session is one entry of the /sessions listing.
type Session struct {
	ID         uint32 `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
	Backlog    int    `json:"backlog"`
}

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Running  bool      `json:"running"`
	Count    int       `json:"count"`
	NextID   uint32    `json:"next_id,omitempty"`
	Pending  int       `json:"registry_pending,omitempty"`
	Sessions []Session `json:"sessions"`
}

// NewRouter builds the admin routes.
//
// Parameters:
//   - source: Server to report on
//   - config: Metrics gatherer and logger
//
// Returns:
//   - A chi router serving /healthz, /sessions and /metrics
func NewRouter(source SessionSource, config Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !source.Running() {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, sessions(source))
	})

	if config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func sessions(source SessionSource) SessionsResponse {
	resp := SessionsResponse{
		Running:  source.Running(),
		Sessions: []Session{},
	}

	for _, c := range source.Sessions() {
		resp.Sessions = append(resp.Sessions, Session{
			ID:         c.ID(),
			RemoteAddr: c.RemoteAddr().String(),
			State:      c.State().String(),
			Backlog:    c.Backlog(),
		})
	}

	sort.Slice(resp.Sessions, func(i, j int) bool {
		return resp.Sessions[i].ID < resp.Sessions[j].ID
	})
	resp.Count = len(resp.Sessions)

	if stats, ok := source.(RegistryStats); ok {
		resp.NextID = stats.NextID()
		resp.Pending = stats.Pending()
	}

	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Serve runs handler on ln until ctx is cancelled, then shuts down
// gracefully.
//
// Returns:
//   - nil after a clean shutdown, otherwise the serve error
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, log logger.Logger) error {
	log = logger.OrNop(log)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info("admin listening", logger.F("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
