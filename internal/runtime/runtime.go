// Package runtime owns the process-level services around a job: telemetry
// providers and the optional status server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-audiobook/internal/config"
)

const (
	serviceName     = "loqa-audiobook"
	shutdownTimeout = 10 * time.Second
)

var stderr io.Writer = os.Stderr

type Runtime struct {
	cfg     config.TelemetryConfig
	version string
	logger  *slog.Logger

	telemetry  *telemetry
	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.TelemetryConfig, version string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger.With(slog.String("component", "runtime")),
	}
}

// Start installs telemetry and, when a status address is configured, serves
// /healthz, /readyz and /metrics in the background.
func (r *Runtime) Start(ctx context.Context) error {
	t, err := setupTelemetry(ctx, r.cfg, serviceName, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = t

	bind := strings.TrimSpace(r.cfg.StatusBind)
	if bind == "" {
		return nil
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		_ = t.shutdown(ctx)
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	r.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if t.metricsHandler != nil {
		mux.Handle("/metrics", t.metricsHandler)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("status server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the status server address, or "" when it is not running.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// SetReady flips /readyz; it reports ready while a job is running.
func (r *Runtime) SetReady(ready bool) { r.ready.Store(ready) }

// Recorder returns a chunk recorder bound to the installed providers.
func (r *Runtime) Recorder(jobID string) (*ChunkRecorder, error) {
	meter := otel.GetMeterProvider().Meter("audiobook/pipeline")
	if r.telemetry != nil && r.telemetry.meterProvider != nil {
		meter = r.telemetry.meterProvider.Meter("audiobook/pipeline")
	}
	tracer := otel.Tracer("audiobook/pipeline")
	if r.telemetry != nil && r.telemetry.tracerProvider != nil {
		tracer = r.telemetry.tracerProvider.Tracer("audiobook/pipeline")
	}
	return newChunkRecorder(tracer, meter, jobID)
}

// Shutdown stops the status server and flushes telemetry.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.ready.Store(false)
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status server shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
