package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"transitserver/auth"
	"transitserver/database"
	"transitserver/handlers"
	"transitserver/metrics"
	"transitserver/middlewares"
	"transitserver/models"
	"transitserver/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

// setup は設定とロガーを読み込み、バックエンドに接続します。
func setup(ctx context.Context) (models.Config, *zap.Logger, *database.Backends, error) {
	config, err := database.LoadConfig(ctx, configPath)
	if err != nil {
		return config, nil, nil, err
	}
	logger, err := utils.InitLogger(config.Environment)
	if err != nil {
		return config, nil, nil, err
	}
	backends, err := database.Open(config, logger)
	if err != nil {
		logger.Error("バックエンドの初期化に失敗しました", zap.Error(err))
		return config, logger, nil, err
	}
	return config, logger, backends, nil
}

func runServer(ctx context.Context) error {
	config, logger, backends, err := setup(ctx)
	if logger != nil {
		defer logger.Sync()
	}
	if err != nil {
		return err
	}
	defer backends.Close()

	if err := database.Migrate(ctx, backends.DB); err != nil {
		logger.Error("マイグレーションに失敗しました", zap.Error(err))
		return err
	}
	if config.DemoMode {
		logger.Warn("デモモードが有効です。トークンが無いリクエストにもセッションを発行します")
	}
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	codec, err := auth.NewCodec(config.JWTSecret, config.SessionTTL.Std())
	if err != nil {
		return err
	}
	sessions := auth.NewSessionManager(codec, backends.Sessions, logger)

	resolver, err := middlewares.NewPartitionResolver(middlewares.DefaultPartitions(), middlewares.DefaultLandingRoutes())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tracker := database.NewActivityTracker(backends.Sessions, logger, 1024)
	defer tracker.Close()

	// クーロンスケジューラのセットアップと呼び出し
	scheduler, err := utils.CronCleaner(backends.Sessions, config.PurgeSchedule, logger)
	if err != nil {
		logger.Error("クーロンジョブの登録に失敗しました", zap.Error(err))
		return err
	}
	defer scheduler.Stop()

	h := &handlers.Handlers{
		Sessions: sessions,
		Resolver: resolver,
		Users:    handlers.NewGormUserDirectory(backends.DB),
		Metrics:  m,
		Cookie:   middlewares.CookieOptions{Secure: config.IsProduction()},
		Logger:   logger,
	}
	router := handlers.SetupRouter(h, handlers.RouterOptions{
		AllowedOrigins: config.AllowedOrigins,
		RateLimit:      config.RateLimit,
		DemoMode:       config.DemoMode,
		Activity:       tracker,
		Gatherer:       registry,
	})

	handler, shutdownTracing, err := utils.InitTracing(ctx, "transitserver", config.OTLPEndpoint, router, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("トレースの終了に失敗しました", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTPサーバーを起動", zap.String("addr", config.Addr), zap.String("backend", config.SessionBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("HTTPサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
