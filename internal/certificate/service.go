// Package certificate implements renewable-origin certificate issuance
// and the governance state machine around it: policy bounds, pause and
// maintenance switches, and the two-step authority handshake.
package certificate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/metrics"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// AuthorityChangeWindow is how long a proposed authority change stays
// approvable before it lapses.
const AuthorityChangeWindow = 48 * time.Hour

// MaxRevocationReasonLen bounds the stored revocation reason.
const MaxRevocationReasonLen = 128

// Service manages certificates and the governance singleton.
type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService creates the certificate service.
func NewService(st store.Store, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{store: st, publisher: publisher, logger: logger}
}

// InitializeGovernance creates the governance singleton. Fails if it
// already exists or the policy bounds are invalid.
func (s *Service) InitializeGovernance(ctx context.Context, authority, name, contact string, policy domain.CertificatePolicy) (*domain.GovernanceConfig, error) {
	if authority == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	var out *domain.GovernanceConfig
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Governance(ctx); err == nil {
			return domain.ErrAlreadyExists
		}
		now := time.Now().UTC()
		g := &domain.GovernanceConfig{
			Authority:     authority,
			AuthorityName: name,
			ContactInfo:   contact,
			Policy:        policy,
			CreatedAt:     now,
			LastUpdated:   now,
		}
		if err := tx.PutGovernance(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("governance initialized", zap.String("authority", authority))
	return out, nil
}

// UpdatePolicy replaces the certificate policy. Authority only, and
// only while operational.
func (s *Service) UpdatePolicy(ctx context.Context, caller string, policy domain.CertificatePolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	return s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		if !g.IsOperational() {
			return pauseError(g)
		}
		g.Policy = policy
		g.LastUpdated = time.Now().UTC()
		return nil
	})
}

// Pause halts all certificate operations with a reason.
func (s *Service) Pause(ctx context.Context, caller, reason string) error {
	return s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		g.EmergencyPaused = true
		g.PausedReason = reason
		g.PausedAt = time.Now().UTC()
		return nil
	})
}

// Resume lifts an emergency pause.
func (s *Service) Resume(ctx context.Context, caller string) error {
	return s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		g.EmergencyPaused = false
		g.PausedReason = ""
		g.PausedAt = time.Time{}
		return nil
	})
}

// SetMaintenance toggles maintenance mode.
func (s *Service) SetMaintenance(ctx context.Context, caller string, on bool) error {
	return s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		g.MaintenanceMode = on
		g.LastUpdated = time.Now().UTC()
		return nil
	})
}

// IssueRequest carries the inputs for certificate issuance.
type IssueRequest struct {
	Owner            string
	MeterID          string
	EnergyAmount     uint64
	Source           string
	ValidationData   string
	OracleConfidence uint8
}

// Issue mints a certificate against a meter's unclaimed net generation.
// Authority only. The meter's claimed tracker advances in the same
// transaction, so the same generation can never back two certificates.
func (s *Service) Issue(ctx context.Context, caller string, req IssueRequest) (*domain.Certificate, error) {
	if req.EnergyAmount == 0 {
		return nil, domain.ErrInvalidAmount
	}
	var out *domain.Certificate
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if caller != g.Authority {
			return domain.ErrUnauthorized
		}
		if !g.IsOperational() {
			return pauseError(g)
		}
		if !g.Policy.IssuanceEnabled {
			return domain.ErrIssuanceDisabled
		}
		if req.EnergyAmount < g.Policy.MinEnergyAmount {
			return domain.ErrBelowMinimum
		}
		if req.EnergyAmount > g.Policy.MaxEnergyAmount {
			return domain.ErrAboveMaximum
		}
		if g.Policy.RequireOracleValidation && req.OracleConfidence < g.Policy.MinOracleConfidence {
			return domain.ErrOracleConfidenceTooLow
		}

		if _, err := tx.User(ctx, req.Owner); err != nil {
			return err
		}
		meter, err := tx.Meter(ctx, req.MeterID)
		if err != nil {
			return err
		}
		if req.EnergyAmount > meter.UnclaimedGeneration() {
			return domain.ErrInsufficientUnclaimedGeneration
		}
		claimed, err := domain.AddChecked(meter.ClaimedCertGeneration, req.EnergyAmount)
		if err != nil {
			return err
		}
		meter.ClaimedCertGeneration = claimed
		if err := tx.PutMeter(ctx, meter); err != nil {
			return err
		}

		now := time.Now().UTC()
		cert := &domain.Certificate{
			ID:             uuid.New().String(),
			Authority:      g.Authority,
			Owner:          req.Owner,
			MeterID:        req.MeterID,
			EnergyAmount:   req.EnergyAmount,
			Source:         req.Source,
			ValidationData: req.ValidationData,
			IssuedAt:       now,
			ExpiresAt:      now.Add(g.Policy.ValidityPeriod),
			Status:         domain.CertValid,
		}
		if err := tx.InsertCertificate(ctx, cert); err != nil {
			return err
		}

		g.TotalIssued++
		certified, err := domain.AddChecked(g.TotalEnergyCertified, req.EnergyAmount)
		if err != nil {
			return err
		}
		g.TotalEnergyCertified = certified
		g.LastIssuedAt = now
		if err := tx.PutGovernance(ctx, g); err != nil {
			return err
		}
		out = cert
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			metrics.TxConflicts.Inc()
		}
		return nil, err
	}

	metrics.CertificatesIssued.Inc()
	s.logger.Info("certificate issued",
		zap.String("certificate_id", out.ID),
		zap.String("meter_id", out.MeterID),
		zap.Uint64("energy_amount", out.EnergyAmount))
	s.publish(ctx, events.KeyCertIssued, out, "")
	return out, nil
}

// ValidateForTrading marks a certificate tradable. Authority only;
// one-shot per certificate.
func (s *Service) ValidateForTrading(ctx context.Context, caller, certID string, oracleConfidence uint8) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if caller != g.Authority {
			return domain.ErrUnauthorized
		}
		if !g.IsOperational() {
			return pauseError(g)
		}
		cert, err := tx.Certificate(ctx, certID)
		if err != nil {
			return err
		}
		if cert.Status != domain.CertValid {
			return domain.ErrInvalidCertStatus
		}
		if cert.IsExpired(time.Now().UTC()) {
			return domain.ErrCertificateExpired
		}
		if cert.ValidatedForTrading {
			return domain.ErrAlreadyValidated
		}
		if g.Policy.RequireOracleValidation && oracleConfidence < g.Policy.MinOracleConfidence {
			return domain.ErrOracleConfidenceTooLow
		}
		cert.ValidatedForTrading = true
		cert.TradingValidatedAt = time.Now().UTC()
		if err := tx.PutCertificate(ctx, cert); err != nil {
			return err
		}
		g.TotalValidated++
		return tx.PutGovernance(ctx, g)
	})
	if err != nil {
		return err
	}
	s.logger.Info("certificate validated for trading", zap.String("certificate_id", certID))
	return nil
}

// Revoke permanently invalidates a certificate. The claimed tracker on
// the backing meter is not rolled back; revoked generation stays
// claimed. Revocation works even while paused.
func (s *Service) Revoke(ctx context.Context, caller, certID, reason string) error {
	if reason == "" {
		return domain.ErrRevocationReasonRequired
	}
	if len(reason) > MaxRevocationReasonLen {
		return domain.ErrInvalidPolicy
	}
	var revoked *domain.Certificate
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if caller != g.Authority {
			return domain.ErrUnauthorized
		}
		cert, err := tx.Certificate(ctx, certID)
		if err != nil {
			return err
		}
		if cert.Status == domain.CertRevoked {
			return domain.ErrAlreadyRevoked
		}
		if !cert.CanRevoke() {
			return domain.ErrInvalidCertStatus
		}
		cert.Status = domain.CertRevoked
		cert.ValidatedForTrading = false
		cert.RevocationReason = reason
		cert.RevokedAt = time.Now().UTC()
		if err := tx.PutCertificate(ctx, cert); err != nil {
			return err
		}
		g.TotalRevoked++
		if err := tx.PutGovernance(ctx, g); err != nil {
			return err
		}
		revoked = cert
		return nil
	})
	if err != nil {
		return err
	}
	metrics.CertificatesRevoked.Inc()
	s.logger.Warn("certificate revoked",
		zap.String("certificate_id", certID), zap.String("reason", reason))
	s.publish(ctx, events.KeyCertRevoked, revoked, reason)
	return nil
}

// Transfer moves certificate ownership. Owner only; the certificate
// must be valid, unexpired, and not backing an open listing.
func (s *Service) Transfer(ctx context.Context, caller, certID, newOwner string) error {
	if newOwner == "" {
		return domain.ErrUserNotFound
	}
	var out *domain.Certificate
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if !g.IsOperational() {
			return pauseError(g)
		}
		if !g.Policy.AllowTransfers {
			return domain.ErrTransfersDisabled
		}
		cert, err := tx.Certificate(ctx, certID)
		if err != nil {
			return err
		}
		if caller != cert.Owner {
			return domain.ErrUnauthorized
		}
		if newOwner == cert.Owner {
			return domain.ErrTransferToSelf
		}
		if cert.Status != domain.CertValid {
			return domain.ErrInvalidCertStatus
		}
		if !cert.ValidatedForTrading {
			return domain.ErrNotValidatedForTrading
		}
		if cert.IsExpired(time.Now().UTC()) {
			return domain.ErrCertificateExpired
		}
		if cert.ListedEnergy > 0 {
			return domain.ErrCertificateListed
		}
		recipient, err := tx.User(ctx, newOwner)
		if err != nil {
			return err
		}
		if recipient.Status != domain.UserActive {
			return domain.ErrUserNotActive
		}
		cert.Owner = newOwner
		cert.TransferCount++
		cert.LastTransferredAt = time.Now().UTC()
		if err := tx.PutCertificate(ctx, cert); err != nil {
			return err
		}
		out = cert
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("certificate transferred",
		zap.String("certificate_id", certID), zap.String("new_owner", newOwner))
	s.publish(ctx, events.KeyCertTransferred, out, "")
	return nil
}

// ProposeAuthorityChange starts the two-step handover. A lapsed
// pending proposal may be replaced; an active one must be cancelled
// first.
func (s *Service) ProposeAuthorityChange(ctx context.Context, caller, newAuthority string) error {
	if newAuthority == "" {
		return domain.ErrInvalidPendingAuthority
	}
	err := s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		now := time.Now().UTC()
		if g.PendingAuthority != "" && now.Before(g.PendingAuthorityExpiresAt) {
			return domain.ErrAuthorityChangePending
		}
		if newAuthority == g.Authority {
			return domain.ErrTransferToSelf
		}
		g.PendingAuthority = newAuthority
		g.PendingAuthorityProposedAt = now
		g.PendingAuthorityExpiresAt = now.Add(AuthorityChangeWindow)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("authority change proposed", zap.String("pending_authority", newAuthority))
	return nil
}

// ApproveAuthorityChange completes the handover. Only the proposed
// authority may approve, and only inside the window.
func (s *Service) ApproveAuthorityChange(ctx context.Context, caller string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if g.PendingAuthority == "" {
			return domain.ErrNoAuthorityChangePending
		}
		if caller != g.PendingAuthority {
			return domain.ErrInvalidPendingAuthority
		}
		if !time.Now().UTC().Before(g.PendingAuthorityExpiresAt) {
			return domain.ErrAuthorityChangeExpired
		}
		g.Authority = g.PendingAuthority
		g.PendingAuthority = ""
		g.PendingAuthorityProposedAt = time.Time{}
		g.PendingAuthorityExpiresAt = time.Time{}
		g.LastUpdated = time.Now().UTC()
		return tx.PutGovernance(ctx, g)
	})
	if err != nil {
		return err
	}
	s.logger.Info("authority change approved", zap.String("authority", caller))
	return nil
}

// CancelAuthorityChange withdraws a pending proposal. Current
// authority only.
func (s *Service) CancelAuthorityChange(ctx context.Context, caller string) error {
	return s.withGovernance(ctx, caller, func(g *domain.GovernanceConfig) error {
		if g.PendingAuthority == "" {
			return domain.ErrNoAuthorityChangePending
		}
		g.PendingAuthority = ""
		g.PendingAuthorityProposedAt = time.Time{}
		g.PendingAuthorityExpiresAt = time.Time{}
		return nil
	})
}

// ExpireCertificates sweeps valid certificates past their expiry into
// Expired. Returns how many moved. No-op when auto-expire is off.
func (s *Service) ExpireCertificates(ctx context.Context) (int, error) {
	g, err := s.store.Governance(ctx)
	if err != nil {
		return 0, err
	}
	if !g.Policy.AutoExpire {
		return 0, nil
	}
	certs, err := s.store.ValidCertificates(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	expired := 0
	for _, c := range certs {
		if !c.IsExpired(now) {
			continue
		}
		id := c.ID
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			cert, err := tx.Certificate(ctx, id)
			if err != nil {
				return err
			}
			if cert.Status != domain.CertValid || !cert.IsExpired(now) {
				return nil
			}
			cert.Status = domain.CertExpired
			return tx.PutCertificate(ctx, cert)
		})
		if err != nil {
			s.logger.Error("failed to expire certificate", zap.String("certificate_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired certificates", zap.Int("count", expired))
	}
	return expired, nil
}

// Governance returns the governance snapshot.
func (s *Service) Governance(ctx context.Context) (*domain.GovernanceConfig, error) {
	return s.store.Governance(ctx)
}

// Certificate returns a certificate snapshot.
func (s *Service) Certificate(ctx context.Context, id string) (*domain.Certificate, error) {
	return s.store.Certificate(ctx, id)
}

// withGovernance runs fn on the governance record with an authority
// check, inside one transaction.
func (s *Service) withGovernance(ctx context.Context, caller string, fn func(g *domain.GovernanceConfig) error) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Governance(ctx)
		if err != nil {
			return err
		}
		if caller != g.Authority {
			return domain.ErrUnauthorized
		}
		if err := fn(g); err != nil {
			return err
		}
		return tx.PutGovernance(ctx, g)
	})
}

func pauseError(g *domain.GovernanceConfig) error {
	if g.EmergencyPaused {
		return domain.ErrSystemPaused
	}
	return domain.ErrMaintenanceMode
}

func (s *Service) publish(ctx context.Context, key string, cert *domain.Certificate, reason string) {
	event := events.CertificateEvent{
		CertificateID: cert.ID,
		MeterID:       cert.MeterID,
		Owner:         cert.Owner,
		EnergyAmount:  cert.EnergyAmount,
		Status:        string(cert.Status),
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, key, event); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish certificate event",
			zap.String("certificate_id", cert.ID), zap.Error(err))
	}
}
