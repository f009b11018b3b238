// Package registry manages the participant and meter registry: the
// admin singleton, user accounts, meter records and the single oracle
// identity allowed to submit readings.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// Service exposes registry administration and lookups.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService creates the registry service.
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Initialize creates the registry singleton with authority as admin.
// Fails if the registry already exists.
func (s *Service) Initialize(ctx context.Context, authority string) (*domain.Registry, error) {
	if authority == "" {
		return nil, domain.ErrUnauthorized
	}
	var out *domain.Registry
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Registry(ctx); err == nil {
			return domain.ErrRegistryAlreadyInitialized
		}
		reg := &domain.Registry{
			Authority: authority,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.PutRegistry(ctx, reg); err != nil {
			return err
		}
		out = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("registry initialized", zap.String("authority", authority))
	return out, nil
}

// SetOracleAuthority designates the identity allowed to submit
// readings. Admin only.
func (s *Service) SetOracleAuthority(ctx context.Context, caller, oracle string) error {
	if oracle == "" {
		return domain.ErrOracleNotConfigured
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		reg.OracleAuthority = oracle
		return tx.PutRegistry(ctx, reg)
	})
	if err != nil {
		return err
	}
	s.logger.Info("oracle authority set", zap.String("oracle", oracle))
	return nil
}

// RegisterUser registers a new participant. Accounts register
// themselves; the admin may also register on a user's behalf.
func (s *Service) RegisterUser(ctx context.Context, caller, account string, role domain.UserRole) (*domain.User, error) {
	if account == "" {
		return nil, domain.ErrUserNotFound
	}
	if role != domain.RoleProducer && role != domain.RoleConsumer {
		return nil, domain.ErrInvalidPolicy
	}
	var out *domain.User
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if caller != account && caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		user := &domain.User{
			Account:      account,
			Role:         role,
			Status:       domain.UserActive,
			RegisteredAt: time.Now().UTC(),
		}
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		reg.UserCount++
		if err := tx.PutRegistry(ctx, reg); err != nil {
			return err
		}
		out = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user registered", zap.String("account", account), zap.String("role", string(role)))
	return out, nil
}

// UpdateUserStatus suspends or reactivates a user. Admin only.
func (s *Service) UpdateUserStatus(ctx context.Context, caller, account string, status domain.UserStatus) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		user, err := tx.User(ctx, account)
		if err != nil {
			return err
		}
		user.Status = status
		return tx.PutUser(ctx, user)
	})
}

// RegisterMeter registers a meter under an active producer account.
// The owner or the admin may register.
func (s *Service) RegisterMeter(ctx context.Context, caller, owner, meterID string, kind domain.DeviceKind, ratedCapacity uint64) (*domain.Meter, error) {
	if meterID == "" {
		return nil, domain.ErrMeterNotFound
	}
	var out *domain.Meter
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if caller != owner && caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		user, err := tx.User(ctx, owner)
		if err != nil {
			return err
		}
		if user.Status != domain.UserActive {
			return domain.ErrUserNotActive
		}
		if user.Role != domain.RoleProducer {
			return domain.ErrUnauthorized
		}

		meter := &domain.Meter{
			MeterID:       meterID,
			Owner:         owner,
			Kind:          kind,
			Status:        domain.MeterActive,
			RatedCapacity: ratedCapacity,
			RegisteredAt:  time.Now().UTC(),
		}
		if err := tx.InsertMeter(ctx, meter); err != nil {
			return err
		}

		user.MeterCount++
		if err := tx.PutUser(ctx, user); err != nil {
			return err
		}
		reg.MeterCount++
		reg.ActiveMeterCount++
		if err := tx.PutRegistry(ctx, reg); err != nil {
			return err
		}
		out = meter
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("meter registered",
		zap.String("meter_id", meterID), zap.String("owner", owner), zap.String("kind", string(kind)))
	return out, nil
}

// SetMeterStatus moves a meter between active and maintenance. Admin
// or owner. Deactivation goes through DeactivateMeter.
func (s *Service) SetMeterStatus(ctx context.Context, caller, meterID string, status domain.MeterStatus) error {
	if status == domain.MeterInactive {
		return s.DeactivateMeter(ctx, caller, meterID)
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		meter, err := tx.Meter(ctx, meterID)
		if err != nil {
			return err
		}
		if caller != meter.Owner && caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		if meter.Status == domain.MeterInactive {
			return domain.ErrAlreadyInactive
		}
		wasActive := meter.Status == domain.MeterActive
		meter.Status = status
		if err := tx.PutMeter(ctx, meter); err != nil {
			return err
		}
		if wasActive && status != domain.MeterActive {
			reg.ActiveMeterCount--
			return tx.PutRegistry(ctx, reg)
		}
		if !wasActive && status == domain.MeterActive {
			reg.ActiveMeterCount++
			return tx.PutRegistry(ctx, reg)
		}
		return nil
	})
}

// DeactivateMeter permanently retires a meter. Its accumulated
// counters stay on the record for settlement and issuance.
func (s *Service) DeactivateMeter(ctx context.Context, caller, meterID string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		meter, err := tx.Meter(ctx, meterID)
		if err != nil {
			return err
		}
		if caller != meter.Owner && caller != reg.Authority {
			return domain.ErrUnauthorized
		}
		if meter.Status == domain.MeterInactive {
			return domain.ErrAlreadyInactive
		}
		wasActive := meter.Status == domain.MeterActive
		meter.Status = domain.MeterInactive
		if err := tx.PutMeter(ctx, meter); err != nil {
			return err
		}
		if wasActive {
			reg.ActiveMeterCount--
			return tx.PutRegistry(ctx, reg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("meter deactivated", zap.String("meter_id", meterID))
	return nil
}

// Registry returns the registry snapshot.
func (s *Service) Registry(ctx context.Context) (*domain.Registry, error) {
	return s.store.Registry(ctx)
}

// User returns a user snapshot.
func (s *Service) User(ctx context.Context, account string) (*domain.User, error) {
	return s.store.User(ctx, account)
}

// Meter returns a meter snapshot.
func (s *Service) Meter(ctx context.Context, meterID string) (*domain.Meter, error) {
	return s.store.Meter(ctx, meterID)
}
