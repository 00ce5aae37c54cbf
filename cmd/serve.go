package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TalG1018/PsyCounselor/pkg/metrics"
	"github.com/TalG1018/PsyCounselor/pkg/session"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the session API over HTTP, together with Prometheus metrics at
/metrics and a liveness probe at /healthz. Idle sessions are swept from
memory in the background; their snapshots stay in the configured store.

Examples:
  counsel serve
  counsel serve --addr :9090 --storage redis`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "Listen address")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	collector := metrics.NewCollector(metrics.DefaultNamespace)
	registry, err := newRegistry(ctx, cfg,
		session.WithLogger(logger.With(zap.String("component", "session"))),
		session.WithRecorder(collector),
	)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServeMux(registry, collector, cfg.Session.ContextTurns, cfg.Storage.Backend, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := session.NewSweeper(registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.Int("max_tokens", cfg.Buffer.MaxTokens),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// newServeMux wires the API, metrics and health endpoints. backend names
// the snapshot store reported by /healthz.
func newServeMux(registry *session.Registry, collector *metrics.Collector, contextTurns int, backend string, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mw := middleware(collector, logger.With(zap.String("component", "http")))

	NewSessionAPI(registry, contextTurns).RegisterSessionRoutes(mux, mw)
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  version,
			"sessions": registry.Len(),
			"storage":  backend,
		})
	})
	return mux
}

// middleware returns the per-route wrapper: request ids, panic recovery,
// access logging and request metrics. path is the route pattern, used as
// the metrics label.
func middleware(collector *metrics.Collector, logger *zap.Logger) func(string, http.HandlerFunc) http.HandlerFunc {
	return func(path string, next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", path))
					writeJSONError(rw, http.StatusInternalServerError, "internal server error")
				}

				elapsed := time.Since(start)
				collector.RecordHTTPRequest(r.Method, path, rw.status, elapsed)
				logger.Info("request",
					zap.String("request_id", id),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", rw.status),
					zap.Duration("duration", elapsed),
				)
			}()

			next(rw, r)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
