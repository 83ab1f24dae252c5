package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/auth"
	"github.com/TrailmarkLabs/trailmark/offline/internal/cache"
	"github.com/TrailmarkLabs/trailmark/offline/internal/config"
	"github.com/TrailmarkLabs/trailmark/offline/internal/connectivity"
	"github.com/TrailmarkLabs/trailmark/offline/internal/daemon"
	"github.com/TrailmarkLabs/trailmark/offline/internal/database"
	"github.com/TrailmarkLabs/trailmark/offline/internal/engine"
	"github.com/TrailmarkLabs/trailmark/offline/internal/logging"
	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"github.com/TrailmarkLabs/trailmark/offline/internal/remote"
	"github.com/TrailmarkLabs/trailmark/offline/internal/server"
	"github.com/TrailmarkLabs/trailmark/offline/internal/status"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// enrolledEntityTypes are the entity types with full offline write support.
// Anything else stays online-only.
var enrolledEntityTypes = []string{"chat_message", "task", "calendar_event", "poll_vote"}

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trailmark-syncd",
		Short: "Trailmark offline sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote system of record base URL")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Device identifier used in delivery tokens")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file path")
	cmd.PersistentFlags().String("signing-secret", "", "Device signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "device.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	var logger *zap.Logger
	if appConfig.LogFile != "" {
		logger = logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	} else {
		logger, err = logging.NewLogger(appConfig.LogLevel)
		if err != nil {
			return err
		}
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	queueService, err := queue.NewService(queue.ServiceConfig{
		Database:             db,
		Clock:                time.Now,
		IDs:                  queue.NewUUIDProvider(),
		Logger:               logger,
		ForbiddenEntityTypes: appConfig.ForbiddenEntityTypes,
	})
	if err != nil {
		return err
	}

	cacheService, err := cache.NewService(cache.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.DeviceSigningSecret),
		DeviceID:      appConfig.DeviceID,
		Issuer:        "trailmark-syncd",
		Audience:      "trailmark-api",
	})

	deliverer, err := remote.NewDeliverer(remote.DelivererConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(false)
	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		Monitor:  monitor,
		Endpoint: deliverer.HealthEndpoint(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	policy := queue.RetryPolicy{
		MaxRetries: appConfig.MaxRetries,
		RetryDelay: appConfig.RetryDelay,
	}

	syncEngine, err := engine.New(engine.Config{
		Queue:        queueService,
		Connectivity: monitor,
		Policy:       policy,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handlers := buildHandlers(deliverer)

	coordinator, err := status.NewCoordinator(status.Config{
		Stats:        queueService,
		Connectivity: monitor,
		Sync: func(ctx context.Context) (engine.Result, error) {
			return syncEngine.ProcessQueue(ctx, handlers)
		},
		PollInterval: appConfig.StatusPollInterval,
		RecentWindow: appConfig.RecentSyncWindow,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	backgroundDaemon, err := daemon.New(daemon.Config{
		Queue:       queueService,
		Cache:       cacheService,
		Deliverer:   deliverer,
		Policy:      policy,
		CacheMaxAge: appConfig.CacheMaxAge,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Status: coordinator,
		Stats:  queueService,
		Tokens: tokens,
		Daemon: backgroundDaemon,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		if err := prober.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("connectivity prober stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := coordinator.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("status coordinator stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := backgroundDaemon.Start(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background daemon stopped", zap.Error(err))
		}
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildHandlers enrolls the fixed set of offline entity types, each delivery
// backed by the shared remote deliverer. The queued operation is reconstructed
// with its original ID so the wire payload is identical across both sync paths
// and the remote can dedupe redeliveries.
func buildHandlers(deliverer *remote.Deliverer) engine.Handlers {
	handlers := make(engine.Handlers)
	operationTypes := []queue.OperationType{
		queue.OperationTypeCreate,
		queue.OperationTypeUpdate,
		queue.OperationTypeDelete,
	}
	for _, entityType := range enrolledEntityTypes {
		for _, operationType := range operationTypes {
			key := engine.HandlerKey{EntityType: entityType, OperationType: operationType}
			entityTypeCopy := entityType
			operationTypeCopy := operationType
			handlers[key] = func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
				operation := queue.QueuedOperation{
					ID:            operationID,
					EntityType:    entityTypeCopy,
					OperationType: operationTypeCopy,
					PayloadJSON:   string(payload),
				}
				if operationTypeCopy == queue.OperationTypeCreate {
					operation.ScopeID = targetID
				} else {
					operation.EntityID = targetID
				}
				return deliverer.Deliver(ctx, operation)
			}
		}
	}
	return handlers
}
