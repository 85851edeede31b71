// codeloom server: prompt in, sandboxed generation out, reconciled to the
// board as pull requests open, close, and merge.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"codeloom/internal/ai"
	"codeloom/internal/config"
	"codeloom/internal/generation"
	"codeloom/internal/git"
	"codeloom/internal/handlers"
	"codeloom/internal/logging"
	"codeloom/internal/sandbox"
	"codeloom/internal/webhook"
	"codeloom/pkg/models"
)

func main() {
	// Missing .env is fine; the system environment is enough.
	_ = godotenv.Load()

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()

	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.Project{},
		&models.Task{},
		&models.GenerationSession{},
		&models.File{},
	); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	provider := sandbox.NewHTTPProvider(cfg.SandboxAPIKey, cfg.SandboxAPIURL, cfg.CommandTimeout)
	registry := sandbox.NewRegistry(provider, cfg.SandboxTTL, nil, logging.Named("sandbox"))

	gitClient := git.NewClient(cfg.GitHubToken, "")
	completer := ai.NewClient(cfg.AnthropicAPIKey, "", cfg.AnthropicModel)

	coordinator, err := generation.NewCoordinator(
		db, completer, registry, provider, gitClient,
		rate.Limit(cfg.GenerationRateLimit), cfg.GenerationBurst,
		logging.Named("generation"),
	)
	if err != nil {
		log.Fatal("coordinator init failed", zap.Error(err))
	}

	reconciler := webhook.NewReconciler(db, nil, logging.Named("webhook"))

	handler := handlers.NewHandler(db, coordinator, registry, gitClient, reconciler, cfg.WebhookSecret, logging.Named("http"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("codeloom server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if !cfg.IsProduction() {
		logLevel = gormlogger.Warn
	}
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)}

	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
}
