// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/engine"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/storage"
)

const (
	serviceName    = "doc-forge-api"
	serviceVersion = "1.0.0"
)

// pinger は疎通確認ができる依存先です。
type pinger interface {
	Ping(ctx context.Context) error
}

// app はルーティングに必要な依存をまとめたものです。
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	service *convert.Service
	manager *jobs.Manager
	checks  map[string]pinger
}

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger("info", gin.DebugMode)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg.LogLevel, cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	a.manager.Start()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.manager.StartSweeper(rootCtx, cfg.SweepInterval())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down")

	// HTTP を先に止め、その後キューに残ったジョブを処理し終える
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("job manager shutdown timed out")
	}
}

// newApp は設定に従ってエンジン・ストア・ジョブマネージャーを組み立てます。
func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	checks := map[string]pinger{}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	if p, ok := eng.(pinger); ok {
		checks["engine"] = p
	}

	converter, err := convert.NewConverter(eng, logger)
	if err != nil {
		return nil, err
	}
	stager := storage.NewLocal(cfg.UploadDir)
	service, err := convert.NewService(stager, converter, cfg.MaxFileSize, logger)
	if err != nil {
		return nil, err
	}

	manager, store, err := setupJobs(cfg, stager, converter, logger)
	if err != nil {
		return nil, err
	}
	if p, ok := store.(pinger); ok {
		checks["job_store"] = p
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		service: service,
		manager: manager,
		checks:  checks,
	}, nil
}

func newEngine(cfg *config.Config, logger zerolog.Logger) (engine.Engine, error) {
	if cfg.EngineMode == config.EngineModeRemote {
		logger.Info().Str("url", cfg.EngineURL).Msg("using remote conversion engine")
		return engine.NewRemote(cfg.EngineURL, cfg.EngineTimeout())
	}
	return engine.NewLocal(logger), nil
}

// setupRouter はミドルウェアとルーティングを設定します。
func setupRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(a.logger), gin.Recovery())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = a.cfg.AllowedOrigins()
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/", handleRoot)
	router.GET("/health", healthHandler(a.checks))
	router.GET("/formats", convert.FormatsHandler())
	router.GET("/server-stats", serverStatsHandler(a.manager))

	router.POST("/convert", convert.ConvertHandler(a.service))
	router.POST("/convert-async",
		submitRateLimit(a.cfg.SubmitRateLimit, a.cfg.SubmitRateBurst),
		convert.ConvertAsyncHandler(a.service, &jobSubmitter{manager: a.manager}),
	)
	router.GET("/convert-status/:id", jobStatusHandler(a.manager))
	router.GET("/convert-status/:id/ws", jobStreamHandler(a.manager, a.cfg.AllowedOrigins(), wsPongTimeout, a.logger))

	return router
}

// handleRoot はサービス概要を返します。
func handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Document Converter API",
		"version": serviceVersion,
		"status":  "running",
		"endpoints": gin.H{
			"health":        "/health",
			"convert":       "/convert",
			"convert_async": "/convert-async",
			"status":        "/convert-status/{job_id}",
			"formats":       "/formats",
			"server_stats":  "/server-stats",
		},
	})
}

// healthHandler は依存先の疎通を確認します。失敗が 1 つでもあれば unhealthy です。
func healthHandler(checks map[string]pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		failures := gin.H{}
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				failures[name] = err.Error()
			}
		}

		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"message": "Document converter not available",
				"service": serviceName,
				"version": serviceVersion,
				"errors":  failures,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"message": "Document converter is running",
			"service": serviceName,
			"version": serviceVersion,
		})
	}
}
