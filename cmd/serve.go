package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentumfirm/finhub/internal/config"
	"github.com/momentumfirm/finhub/internal/monitoring"
	"github.com/momentumfirm/finhub/internal/service"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Serves the JSON API, the Prometheus exposition, and the export job pool. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCore(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		env.Exports.Start(ctx)
		defer env.Exports.Stop()

		go env.Checker.Run(ctx)

		router := buildRouter(env.Service, env.Recorder, cfg.Server)

		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// buildRouter assembles the chi router serving the JSON API, the health
// probe, and the Prometheus exposition.
func buildRouter(svc *service.Service, rec *monitoring.Recorder, srvCfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: srvCfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(svc))
	r.Method(http.MethodGet, "/metrics", rec.Handler())

	ingestLimiter := rate.NewLimiter(rate.Limit(srvCfg.IngestRPS), srvCfg.IngestBurst)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", handleStatus(svc))
		api.Post("/facts", handleIngest(svc, ingestLimiter))
		api.Delete("/facts", handleReset(svc))
		api.Get("/periods", handlePeriods(svc))
		api.Get("/metrics", handleMetrics(svc))
		api.Get("/variance", handleVariance(svc))
		api.Post("/exports", handleCreateExport(svc))
		api.Get("/exports/{jobID}", handleExportStatus(svc))
		api.Get("/exports/{jobID}/download", handleDownload(svc))
	})

	return r
}

// requestLogger emits one structured line per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// startServer runs handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}

	return nil
}
