package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lexical-app/retention/internal/auth"
	"github.com/lexical-app/retention/internal/config"
	"github.com/lexical-app/retention/internal/database"
	"github.com/lexical-app/retention/internal/devices"
	"github.com/lexical-app/retention/internal/fsrs"
	"github.com/lexical-app/retention/internal/lexicon"
	"github.com/lexical-app/retention/internal/logging"
	"github.com/lexical-app/retention/internal/review"
	"github.com/lexical-app/retention/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "retention-api",
		Short: "Lexical retention engine backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().Float64("desired-retention", defaults.GetFloat64("srs.desired_retention"), "Scheduling target retrievability in (0, 1)")
	cmd.PersistentFlags().Int("maximum-interval", defaults.GetInt("srs.maximum_interval"), "Maximum scheduling interval in days")
	cmd.PersistentFlags().String("seed-path", defaults.GetString("lexicon.seed_path"), "Vocabulary seed JSON path (imported on startup)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "srs.desired_retention", "desired-retention")
	bindFlag(cmd, "srs.maximum_interval", "maximum-interval")
	bindFlag(cmd, "lexicon.seed_path", "seed-path")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
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

	catalog, err := lexicon.NewCatalog(lexicon.CatalogConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if seedPath := strings.TrimSpace(appConfig.SeedPath); seedPath != "" {
		report, err := catalog.ImportSeedFile(ctx, seedPath)
		if err != nil {
			return err
		}
		logger.Info("vocabulary seed imported",
			zap.String("path", seedPath),
			zap.Int("imported", report.Imported),
			zap.Int("skipped", report.Skipped))
	}

	scheduler, err := fsrs.NewScheduler(fsrs.SchedulerConfig{
		DesiredRetention: appConfig.DesiredRetention,
		MaximumInterval:  appConfig.MaximumInterval,
	})
	if err != nil {
		return err
	}

	coordinator, err := review.NewCoordinator(review.CoordinatorConfig{
		Database:   db,
		Scheduler:  scheduler,
		Catalog:    catalog,
		Clock:      time.Now,
		IDProvider: review.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry, err := devices.NewRegistry(devices.RegistryConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "retention-auth",
		Audience:      "retention-api",
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Coordinator:  coordinator,
		Catalog:      catalog,
		Devices:      registry,
		Realtime:     server.NewRealtimeDispatcher(),
		Logger:       logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
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
