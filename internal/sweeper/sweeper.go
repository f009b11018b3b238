// Package sweeper runs the periodic expiry passes: open orders past
// their TTL and certificates past their validity.
package sweeper

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/certificate"
	"github.com/voltmark/energy-claim-ledger/internal/market"
)

// Sweeper schedules the expiry jobs.
type Sweeper struct {
	cron   *cron.Cron
	certs  *certificate.Service
	market *market.Service
	logger *zap.Logger
}

// New creates a sweeper on the given cron spec.
func New(certs *certificate.Service, mkt *market.Service, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cron:   cron.New(),
		certs:  certs,
		market: mkt,
		logger: logger,
	}
}

// Register schedules the sweep and ties it to the fx lifecycle.
func (s *Sweeper) Register(lc fx.Lifecycle, spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.cron.Start()
			s.logger.Info("expiry sweeper started", zap.String("schedule", spec))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-s.cron.Stop().Done()
			s.logger.Info("expiry sweeper stopped")
			return nil
		},
	})
	return nil
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	if _, err := s.market.ExpireOrders(ctx); err != nil {
		s.logger.Error("order expiry sweep failed", zap.Error(err))
	}
	if _, err := s.certs.ExpireCertificates(ctx); err != nil {
		s.logger.Error("certificate expiry sweep failed", zap.Error(err))
	}
}
