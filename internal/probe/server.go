// Package probe serves liveness, readiness and metrics endpoints.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Sh00ty/network-lb/internal/reconciler"
)

const shutdownTimeout = 5 * time.Second

// SyncState reports whether the desired model reflects the registry.
type SyncState interface {
	Synced() bool
}

// PassState exposes the last reconcile pass.
type PassState interface {
	LastPass() *reconciler.PassResult
}

type Status struct {
	Ready    bool                   `json:"ready"`
	Synced   bool                   `json:"synced"`
	LastPass *reconciler.PassResult `json:"last_pass,omitempty"`
}

type Checker struct {
	model  SyncState
	passes PassState
}

func NewChecker(model SyncState, passes PassState) *Checker {
	return &Checker{model: model, passes: passes}
}

// Status is ready once the registry is replayed and one pass has completed.
func (c *Checker) Status() Status {
	status := Status{
		Synced:   c.model.Synced(),
		LastPass: c.passes.LastPass(),
	}
	status.Ready = status.Synced && status.LastPass != nil
	return status
}

// NewHandler builds the probe mux, gatherer may be nil when metrics are
// not exported over http.
func NewHandler(checker *Checker, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := checker.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve runs the http probe server until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := http.Server{
		Handler:           handler,
		Addr:              addr,
		ReadHeaderTimeout: time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeGRPC exposes the readiness through the standard grpc health service.
func ServeGRPC(ctx context.Context, addr string, checker *Checker) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	healthPb.RegisterHealthServer(srv, &healthServer{checker: checker})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("stopping grpc health server")
	srv.GracefulStop()
	return nil
}
