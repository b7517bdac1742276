package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"beamer/agent/internal/agent"
	"beamer/agent/internal/api"
	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/config"
	"beamer/agent/internal/database"
	"beamer/agent/internal/relayer"
	"beamer/agent/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", "", "path of the TOML configuration file")
	pflag.Parse()

	logger, level, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("Starting agent")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("Invalid log level, keeping default", zap.String("log_level", cfg.LogLevel))
	}

	logger.Info("Configuration loaded",
		zap.Strings("chains", cfg.ChainNames()),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.Bool("journal", cfg.Journal.Enabled))

	key, err := loadKey(cfg.Account)
	if err != nil {
		logger.Fatal("Failed to load account", zap.Error(err))
	}

	runner, cleanup, err := newRunner(cfg, key, logger)
	if err != nil {
		logger.Fatal("Failed to set up relayer", zap.Error(err))
	}
	defer cleanup()

	pool := relayer.NewPool(runner, logger)
	pool.Start()

	ctx := context.Background()

	var journal agent.TxJournal
	if cfg.Journal.Enabled {
		db, err := database.Connect(ctx, cfg.Journal)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := database.RunMigrations(ctx, db); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Transaction journal enabled", zap.String("db_host", cfg.Journal.Host))
		journal = db
	}

	workerManager, err := worker.NewWorkerManager(ctx, cfg, key, pool, journal, logger)
	if err != nil {
		logger.Fatal("Failed to initialize worker manager", zap.Error(err))
	}
	workerManager.Start()

	var httpServer *http.Server
	serverErrors := make(chan error, 1)
	if cfg.MetricsPort != 0 {
		router := api.SetupRouter(api.NewHandler(workerManager, logger.Named("api")), logger.Named("api"))
		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
			serverErrors <- httpServer.ListenAndServe()
		}()
	}

	logger.Info("Agent running", zap.String("agent_address", workerManager.Address().Hex()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down agent...")

	if err := workerManager.Shutdown(shutdownTimeout); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
			httpServer.Close()
		}
	}

	logger.Info("Agent stopped")
}

func initLogger() (*zap.Logger, zap.AtomicLevel, error) {
	zcfg := zap.NewDevelopmentConfig()
	if os.Getenv("ENV") == "production" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := zcfg.Build()
	return logger, zcfg.Level, err
}

// loadKey prefers the keystore file over a raw private key.
func loadKey(account config.AccountConfig) (*ecdsa.PrivateKey, error) {
	if account.Path != "" {
		return evm.LoadKeystore(account.Path, account.Password)
	}
	return evm.ParsePrivateKey(account.PrivateKey)
}

// newRunner hands the relayer the configured keystore, or a temporary one
// holding the raw key.
func newRunner(cfg *config.Config, key *ecdsa.PrivateKey, logger *zap.Logger) (relayer.Runner, func(), error) {
	if cfg.Account.Path != "" {
		return relayer.NewExecRunner(cfg.Relayer.Path, cfg.Account.Path, cfg.Account.Password, logger), func() {}, nil
	}
	return relayer.NewExecRunnerWithKey(cfg.Relayer.Path, key, logger)
}
