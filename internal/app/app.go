// Package app assembles the plan engine from configuration. The HTTP server,
// the collection worker and the operator CLI all build on it.
package app

import (
	"context"
	"fmt"

	"installment-service/config"
	"installment-service/internal/api"
	"installment-service/internal/broker"
	"installment-service/internal/collateral"
	"installment-service/internal/lock"
	"installment-service/internal/redisclient"
	"installment-service/internal/service"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"go.uber.org/zap"
)

// Collateral modes
const (
	CollateralHTTP   = "http"
	CollateralMemory = "memory"
)

// App holds the wired components
type App struct {
	Config  *config.Config
	Store   *store.Store
	Redis   *redisclient.Client
	Gateway collateral.Gateway
	// Holder is the in-process collateral holder in memory mode
	Holder  *collateral.Memory
	Locker  lock.Locker

	Plans   *service.PlanService
	Engine  *service.PaymentEngine
	Queries *service.QueryService

	planProducer    *broker.Producer
	commandProducer *broker.Producer
	logger          *zap.Logger
}

// New connects to the configured backends and builds the services
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, logger: util.GetLogger()}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a.Store = db
	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var idempotency service.IdempotencyStore
	if cfg.Redis.Addr != "" {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rc
		idempotency = rc
		a.Locker = lock.NewBounded(lock.NewRedisLocker(rc, cfg.Business.LockTTL, 0), cfg.Business.LockWait)
		a.logger.Info("Using Redis user locks", zap.String("addr", cfg.Redis.Addr))
	} else {
		a.Locker = lock.NewBounded(lock.NewKeyedMutex(), cfg.Business.LockWait)
		a.logger.Warn("Redis not configured, using in-process user locks")
	}

	switch cfg.Collateral.Mode {
	case CollateralHTTP:
		a.Gateway = collateral.NewInstrumented(collateral.NewHTTPClient(cfg.Collateral.URL, cfg.Collateral.Timeout))
	case CollateralMemory:
		a.Holder = collateral.NewMemory(cfg.Business.EngineIdentity)
		a.Gateway = collateral.NewInstrumented(a.Holder)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown collateral mode %q", cfg.Collateral.Mode)
	}

	var publisher service.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		a.planProducer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPlanEvents)
		publisher = broker.NewEventPublisher(a.planProducer)
	} else {
		a.logger.Warn("Kafka not configured, plan events are logged only")
		publisher = broker.NewLogPublisher()
	}

	svcCfg := service.Config{
		EngineIdentity:       cfg.Business.EngineIdentity,
		AutomationIdentities: cfg.Business.AutomationIdentities,
		MaxLTVBps:            cfg.Business.MaxLTVBps,
		IdempotencyTTL:       cfg.Business.IdempotencyTTL,
	}
	a.Plans = service.NewPlanService(a.Store, a.Gateway, a.Locker, publisher, idempotency, svcCfg)
	a.Engine = service.NewPaymentEngine(a.Store, a.Gateway, a.Locker, publisher, svcCfg)
	a.Queries = service.NewQueryService(a.Store, a.Gateway, svcCfg)

	return a, nil
}

// Checks returns the dependencies probed by /ready
func (a *App) Checks() map[string]api.Pinger {
	checks := map[string]api.Pinger{"database": a.Store}
	if a.Redis != nil {
		checks["redis"] = a.Redis
	}
	return checks
}

// CommandPublisher returns a publisher for the collections topic, or nil
// when Kafka is not configured
func (a *App) CommandPublisher() *broker.CommandPublisher {
	if len(a.Config.Kafka.Brokers) == 0 {
		return nil
	}
	if a.commandProducer == nil {
		a.commandProducer = broker.NewProducer(a.Config.Kafka.Brokers, a.Config.Kafka.TopicCollections)
	}
	return broker.NewCommandPublisher(a.commandProducer)
}

// Close releases every backend connection
func (a *App) Close() {
	for _, p := range []*broker.Producer{a.planProducer, a.commandProducer} {
		if p != nil {
			if err := p.Close(); err != nil {
				a.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Error("Failed to close Redis", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Error("Failed to close database", zap.Error(err))
		}
	}
}
