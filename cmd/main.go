package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contextqueue/config"
	"contextqueue/db"
	"contextqueue/engine"
	"contextqueue/handlers"
	"contextqueue/output"
	"contextqueue/services"
)

var (
	configPath  string
	cleanupDays int
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "contextqueue",
		Short: "Priority context scheduling service",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, worker and lifecycle loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(true)
		},
	}
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker and lifecycle loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(false)
		},
	}
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal contexts older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup()
		},
	}
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 7, "delete terminal contexts older than this many days")

	root.AddCommand(serveCmd, workerCmd, cleanupCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

type wiring struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *services.Manager
	worker  *services.Worker
	closeFn func()
}

func wire() (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	client, err := db.ConnectMongoDB(cfg.Mongo.URI)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to MongoDB", zap.String("database", cfg.Mongo.Database))

	contextsCol := db.GetContextsCollection(client, cfg.Mongo.Database)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.EnsureContextIndexes(ctx, contextsCol); err != nil {
		logger.Warn("index creation failed", zap.Error(err))
	}

	store := db.NewMongoContextStore(contextsCol)
	users := db.NewMongoUserRepository(db.GetUsersCollection(client, cfg.Mongo.Database))

	var out services.OutputManager
	var closeKafka func()
	if len(cfg.Kafka.Brokers) > 0 {
		km := output.NewKafkaManager(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		out = km
		closeKafka = func() { _ = km.Close() }
	} else {
		out = output.NewLogManager(logger)
	}

	manager, err := services.NewManager(store, users, out, services.ManagerConfig{
		IDSource:          cfg.Manager.IDSource,
		ConditionsPath:    cfg.Manager.ConditionsPath,
		CleanupInterval:   cfg.Manager.CleanupInterval,
		CompletedTTLDays:  cfg.Manager.CompletedTTLDays,
		FailedTTLDays:     cfg.Manager.FailedTTLDays,
		PromotionInterval: cfg.Manager.PromotionInterval,
		MaxWaitTime:       time.Duration(cfg.Manager.MaxWaitTimeMinutes) * time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}

	poller := services.NewPoller(store, cfg.Worker.ServiceType, cfg.Worker.MaxAttempts, cfg.Worker.RetryDelay, logger)
	eng := engine.NewHTTPEngine(cfg.Engine.BaseURL, cfg.Engine.Timeout)
	worker := services.NewWorker(poller, manager, eng, services.WorkerConfig{
		BatchMode:    cfg.Worker.BatchMode,
		BatchSize:    cfg.Worker.BatchSize,
		BatchWait:    cfg.Worker.BatchWait,
		PollInterval: cfg.Worker.PollInterval,
		MaxRetries:   cfg.Worker.MaxRetries,
		RetryDelay:   cfg.Worker.RetryDelay,
	}, logger)

	return &wiring{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		worker:  worker,
		closeFn: func() {
			if closeKafka != nil {
				closeKafka()
			}
			_ = db.DisconnectMongoDB(client)
			_ = logger.Sync()
		},
	}, nil
}

func runServe(withAPI bool) error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.closeFn()

	w.worker.Start()
	w.manager.StartCleanupTask()
	w.manager.StartPromotionTask()

	var server *http.Server
	if withAPI {
		handler := handlers.NewContextHandler(w.manager, w.worker, w.logger)
		server = &http.Server{
			Addr:    ":" + w.cfg.Server.Port,
			Handler: handler.Router(),
		}
		go func() {
			w.logger.Info("HTTP server listening", zap.String("port", w.cfg.Server.Port))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				w.logger.Fatal("server error", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal to gracefully shut everything down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	w.logger.Info("shutdown signal received")

	w.worker.Stop()
	w.manager.Close()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			w.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	w.logger.Info("stopped")
	return nil
}

func runCleanup() error {
	w, err := wire()
	if err != nil {
		return err
	}
	defer w.closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	deleted, err := w.manager.RunManualCleanup(ctx, cleanupDays)
	if err != nil {
		return err
	}
	w.logger.Info("cleanup done", zap.Int64("deleted", deleted))
	return nil
}
