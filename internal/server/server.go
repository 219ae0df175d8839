package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/handlers"
	"stemsplit-backend/internal/logging"
	"stemsplit-backend/internal/metrics"
	"stemsplit-backend/internal/middleware"
	"stemsplit-backend/internal/orchestrator"
)

// Handlers are the route targets mounted by NewRouter.
type Handlers struct {
	Upload  *handlers.UploadHandler
	Process *handlers.ProcessHandler
	Status  *handlers.StatusHandler
	Results *handlers.ResultsHandler
	Limit   *handlers.LimitHandler
	Ready   gin.HandlerFunc
}

// RouterOptions configure the cross-cutting middleware.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
}

func NewRouter(h Handlers, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger())
	router.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	router.Use(metrics.Middleware())

	router.GET("/health", handlers.HealthHandler)
	if h.Ready != nil {
		router.GET("/ready", h.Ready)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	audio := router.Group("/api/v1/audio")
	audio.Use(middleware.OptionalAuth(opts.JWTSecret))
	audio.POST("/upload", h.Upload.Upload)
	audio.POST("/process", h.Process.Process)
	audio.POST("/process-batch", h.Process.ProcessBatch)
	audio.POST("/status", h.Status.GetStatus)
	audio.POST("/results", h.Results.GetResults)
	audio.GET("/files", h.Results.ListFiles)
	audio.POST("/check-limit", h.Limit.CheckLimit)

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Serve builds the HTTP server around the app and blocks until SIGINT or
// SIGTERM. Running jobs are cancelled on shutdown and stay in processing for
// the next reconcile.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	dispatcher := orchestrator.NewDispatcher(context.WithoutCancel(ctx), a.Orchestrator)
	if a.Config.ReconcileOnStartup {
		// only stale files are resumed, so this never races jobs started below
		dispatcher.Reconcile(a.Config.ReconcileInterval)
	}

	router := NewRouter(Handlers{
		Upload:  handlers.NewUploadHandler(a.DB, a.Blobs, a.Limiter),
		Process: handlers.NewProcessHandler(a.DB, a.Limiter, dispatcher, a.Orchestrator, a.PublicURL),
		Status:  handlers.NewStatusHandler(a.DB),
		Results: handlers.NewResultsHandler(a.DB, a.PublicURL),
		Limit:   handlers.NewLimitHandler(a.Limiter),
		Ready:   handlers.ReadyHandler(a.DB),
	}, RouterOptions{
		JWTSecret:      a.Config.JWTSecret,
		AllowedOrigins: a.Config.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutdown requested")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server did not shut down cleanly")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("jobs did not stop in time: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// Reconcile resumes every stale file stuck in processing and waits for all
// of them. Files a running server is still working on are left alone.
func (a *App) Reconcile(ctx context.Context) error {
	items, err := a.Orchestrator.Reconcile(ctx)
	if err != nil {
		return err
	}
	var failed int
	for _, item := range items {
		if item.Err != nil {
			failed++
			log.WithError(item.Err).WithField("file_id", item.FileID).Warn("resumed job failed")
		}
	}
	log.WithFields(log.Fields{"resumed": len(items), "failed": failed}).Info("reconcile finished")
	return nil
}
