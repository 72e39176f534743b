package main

import (
	"database/sql"
	"fmt"

	"github.com/MarcoPoloResearchLab/quire/internal/activity"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/boards"
	"github.com/MarcoPoloResearchLab/quire/internal/config"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/groups"
	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type services struct {
	logger        *zap.Logger
	sqlDB         *sql.DB
	redisClient   *redis.Client
	sessions      *auth.SessionValidator
	users         *users.Service
	groups        *groups.Directory
	rewards       *rewards.Ledger
	notifications *notifications.Service
	stats         *stats.Service
	catalog       *quests.Catalog
	engine        *quests.Engine
	boards        *boards.Service
	ingestor      *activity.Ingestor
}

// buildServices opens the store and wires the domain services. A nil publisher
// leaves committed notifications in the outbox only.
func buildServices(appConfig config.AppConfig, logger *zap.Logger, publisher notifications.Publisher) (*services, error) {
	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	built := &services{logger: logger, sqlDB: sqlDB}

	idProvider := ids.NewUUIDProvider()

	built.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		Leeway:        appConfig.AuthLeeway,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.users, err = users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.notifications, err = notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.groups, err = groups.NewDirectory(groups.DirectoryConfig{
		Database:      db,
		IDProvider:    idProvider,
		Notifications: built.notifications,
		Publisher:     publisher,
		Logger:        logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.rewards, err = rewards.NewLedger(rewards.LedgerConfig{
		Database:   db,
		Groups:     built.groups,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.stats, err = stats.NewService(stats.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.catalog, err = quests.NewCatalog(quests.CatalogConfig{
		Database:    db,
		Groups:      built.groups,
		RewardTypes: built.rewards,
		IDProvider:  idProvider,
		Logger:      logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.engine, err = quests.NewEngine(quests.EngineConfig{
		Database:      db,
		Catalog:       built.catalog,
		Groups:        built.groups,
		Rewards:       built.rewards,
		Stats:         built.stats,
		Notifications: built.notifications,
		Publisher:     publisher,
		IDProvider:    idProvider,
		Logger:        logger,
		Concurrency:   appConfig.EngineConcurrency,
		MaxAttempts:   appConfig.EngineMaxAttempts,
	})
	if err != nil {
		built.Close()
		return nil, err
	}

	tracker, err := activity.NewTracker(activity.TrackerConfig{
		Recorder: built.engine,
		Stats:    built.stats,
		Logger:   logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.boards, err = boards.NewService(boards.ServiceConfig{
		Database:   db,
		Groups:     built.groups,
		Tracker:    tracker,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.rewards.OnGrantDeleted(built.boards.ReleaseGrantTx)

	guard, err := built.newGuard(appConfig)
	if err != nil {
		built.Close()
		return nil, err
	}
	built.ingestor, err = activity.NewIngestor(activity.IngestorConfig{
		Handler: tracker,
		Guard:   guard,
		Logger:  logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	return built, nil
}

// newGuard prefers redis so that API replicas and workers share one dedupe window.
func (s *services) newGuard(appConfig config.AppConfig) (activity.Guard, error) {
	if !appConfig.RedisEnabled() {
		s.logger.Info("activity dedupe using in-process window", zap.Int("window", appConfig.DedupeWindow))
		return activity.NewMemoryGuard(appConfig.DedupeWindow)
	}
	s.redisClient = redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	s.logger.Info("activity dedupe using redis", zap.String("address", appConfig.RedisAddress))
	return activity.NewRedisGuard(activity.RedisGuardConfig{
		Client: s.redisClient,
		Prefix: appConfig.RedisPrefix,
		TTL:    appConfig.DedupeTTL,
	})
}

func (s *services) newConsumer(appConfig config.AppConfig) (*activity.Consumer, error) {
	consumer, err := activity.NewConsumer(activity.ConsumerConfig{
		URL:         appConfig.AMQPURL,
		Queue:       appConfig.AMQPQueue,
		ConsumerTag: appConfig.AMQPConsumerTag,
		Prefetch:    appConfig.AMQPPrefetch,
		Ingestor:    s.ingestor,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build consumer: %w", err)
	}
	return consumer, nil
}

func (s *services) Close() {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if s.sqlDB != nil {
		if err := s.sqlDB.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
}
