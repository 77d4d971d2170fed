package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskbridge/component"
)

// statusResponse is the /api/status payload.
type statusResponse struct {
	WorkerID   string                            `json:"workerId"`
	Healthy    bool                              `json:"healthy"`
	Broker     brokerStatus                      `json:"broker"`
	Components map[string]component.HealthStatus `json:"components"`
	Queues     map[string]int                    `json:"queues"`
}

type brokerStatus struct {
	Connected bool `json:"connected"`
	Blocked   bool `json:"blocked"`
}

// serveOps runs the operational HTTP endpoint until ctx ends.
func (a *Application) serveOps(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/api/status", a.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.Ops.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops endpoint listening", "addr", a.cfg.Ops.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// handleHealthz answers 200 while every component reports healthy.
func (a *Application) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if a.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "degraded", http.StatusServiceUnavailable)
}

// handleReadyz answers 200 when both sides of the bridge are reachable.
func (a *Application) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.adapter.IsConnected() {
		http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.engine.Ping(ctx); err != nil {
		http.Error(w, "engine unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *Application) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := a.adapter.Stats()
	resp := statusResponse{
		WorkerID:   a.cfg.Worker.ID,
		Healthy:    a.Healthy(),
		Broker:     brokerStatus{Connected: stats.Connected, Blocked: stats.Blocked},
		Components: make(map[string]component.HealthStatus),
		Queues:     a.monitor.QueueDepths(),
	}
	for _, c := range a.components() {
		resp.Components[c.Name()] = c.Health()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("status encode failed", "error", err)
	}
}
