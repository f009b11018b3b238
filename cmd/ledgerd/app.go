package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/anomaly"
	"github.com/voltmark/energy-claim-ledger/internal/certificate"
	"github.com/voltmark/energy-claim-ledger/internal/config"
	"github.com/voltmark/energy-claim-ledger/internal/db"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/gate"
	"github.com/voltmark/energy-claim-ledger/internal/httpapi"
	"github.com/voltmark/energy-claim-ledger/internal/market"
	"github.com/voltmark/energy-claim-ledger/internal/mq"
	"github.com/voltmark/energy-claim-ledger/internal/registry"
	"github.com/voltmark/energy-claim-ledger/internal/service"
	"github.com/voltmark/energy-claim-ledger/internal/settlement"
	"github.com/voltmark/energy-claim-ledger/internal/store"
	"github.com/voltmark/energy-claim-ledger/internal/sweeper"
)

// ProvideStore selects the backing store. With DATABASE_URL set the
// service runs on Postgres; without it, on the in-memory store.
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, running on in-memory store")
		return store.NewMemory(), nil
	}
	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	pg := store.NewPostgres(pool)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pg.EnsureSchema(ctx)
		},
	})
	return pg, nil
}

// MQ bundles the optional broker handles. Connection is nil when no
// broker is configured; Publisher is never nil.
type MQ struct {
	Connection *mq.Connection
	Publisher  events.Publisher
}

// ProvideMQ connects to RabbitMQ when configured. Without a broker the
// queue intake is disabled and events are discarded.
func ProvideMQ(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*MQ, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Warn("RABBITMQ_URL not set, queue intake and event publishing disabled")
		return &MQ{Publisher: events.Nop{}}, nil
	}
	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	return &MQ{Connection: conn, Publisher: publisher}, nil
}

// ProvideAnomalyDetector creates the anomaly detector
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPoints,
		uint8(cfg.Anomaly.HardThreshold))
}

// ProvideGateService creates the reading gate
func ProvideGateService(st store.Store, detector *anomaly.Detector, bus *MQ, logger *zap.Logger) *gate.Service {
	return gate.NewService(st, detector, bus.Publisher, logger)
}

// ProvideRegistryService creates the registry service
func ProvideRegistryService(st store.Store, logger *zap.Logger) *registry.Service {
	return registry.NewService(st, logger)
}

// ProvideSettlementService creates the settlement service
func ProvideSettlementService(st store.Store, bus *MQ, logger *zap.Logger) *settlement.Service {
	return settlement.NewService(st, bus.Publisher, logger)
}

// ProvideCertificateService creates the certificate service
func ProvideCertificateService(st store.Store, bus *MQ, logger *zap.Logger) *certificate.Service {
	return certificate.NewService(st, bus.Publisher, logger)
}

// ProvideMarketService creates the market service
func ProvideMarketService(st store.Store, bus *MQ, logger *zap.Logger) *market.Service {
	return market.NewService(st, bus.Publisher, logger)
}

// ProvideProcessorService creates the queue intake processor
func ProvideProcessorService(g *gate.Service, cfg *config.Config, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(g, cfg, logger)
}

// ProvideHTTPServer creates the fiber API server
func ProvideHTTPServer(
	reg *registry.Service,
	g *gate.Service,
	settle *settlement.Service,
	certs *certificate.Service,
	mkt *market.Service,
	st store.Store,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(reg, g, settle, certs, mkt, st, logger)
}

// startWorker starts the ingest consumer when a broker is configured.
func startWorker(
	lc fx.Lifecycle,
	bus *MQ,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) error {
	if bus.Connection == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       bus.Connection,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped")
			return nil
		},
	})
	return nil
}

// startHTTP binds the API server to the lifecycle.
func startHTTP(lc fx.Lifecycle, server *httpapi.Server, cfg *config.Config) {
	server.Register(lc, cfg.HTTPPort)
}

// startMetrics serves the Prometheus endpoint on its own listener.
func startMetrics(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("metrics listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// startSweeper schedules the expiry sweeps.
func startSweeper(lc fx.Lifecycle, certs *certificate.Service, mkt *market.Service, cfg *config.Config, logger *zap.Logger) error {
	return sweeper.New(certs, mkt, logger).Register(lc, cfg.Sweeper.CronSpec)
}
