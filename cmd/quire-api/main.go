package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/config"
	"github.com/MarcoPoloResearchLab/quire/internal/logging"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	seedFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quire-api",
		Short: "Quire reading-club quest backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume activity events from the AMQP queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load quest templates from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), seedFile)
		},
	}
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to a YAML file listing quest templates")
	_ = seedCmd.MarkFlagRequired("file")

	setupFlags(rootCmd)
	rootCmd.AddCommand(workerCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("engine-concurrency", defaults.GetInt("engine.concurrency"), "Quests processed in parallel per activity")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for event dedupe")
	cmd.PersistentFlags().String("amqp-url", defaults.GetString("amqp.url"), "AMQP broker URL for the activity worker")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "engine.concurrency", "engine-concurrency")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "amqp.url", "amqp-url")
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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dispatcher := server.NewRealtimeDispatcher()
	svc, err := buildServices(appConfig, logger, dispatcher)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: svc.sessions,
		Users:            svc.users,
		Catalog:          svc.catalog,
		Ingestor:         svc.ingestor,
		Groups:           svc.groups,
		Rewards:          svc.rewards,
		Notifications:    svc.notifications,
		Stats:            svc.stats,
		Boards:           svc.boards,
		Realtime:         dispatcher,
		Logger:           logger,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if appConfig.WorkerEnabled() {
		consumer, err := svc.newConsumer(appConfig)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}
	return group.Wait()
}

func runWorker(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if !appConfig.WorkerEnabled() {
		return errors.New("amqp.url is required to run the worker")
	}

	// The worker has no live streams; completion notifications stay in the outbox.
	svc, err := buildServices(appConfig, logger, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	consumer, err := svc.newConsumer(appConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", zap.String("queue", appConfig.AMQPQueue))
	return consumer.Run(signalCtx)
}

type seedDocument struct {
	Templates []quests.TemplateInput `yaml:"templates"`
}

func runSeed(ctx context.Context, path string) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	document, err := readSeedFile(path)
	if err != nil {
		return err
	}

	svc, err := buildServices(appConfig, logger, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	added, err := svc.catalog.SeedTemplates(ctx, document.Templates)
	if err != nil {
		return err
	}
	logger.Info("quest templates seeded",
		zap.String("file", path),
		zap.Int("listed", len(document.Templates)),
		zap.Int("added", added))
	return nil
}

func readSeedFile(path string) (seedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return seedDocument{}, fmt.Errorf("read seed file: %w", err)
	}
	var document seedDocument
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return seedDocument{}, fmt.Errorf("parse seed file: %w", err)
	}
	return document, nil
}
