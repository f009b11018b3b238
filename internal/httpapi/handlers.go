package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/voltmark/energy-claim-ledger/internal/balance"
	"github.com/voltmark/energy-claim-ledger/internal/certificate"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/gate"
)

// actorHeader identifies the calling principal. Authentication sits in
// front of this service; the header carries the verified identity.
const actorHeader = "X-Actor-ID"

func actor(c *fiber.Ctx) string {
	return c.Get(actorHeader)
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrUnauthorizedOracle),
		errors.Is(err, domain.ErrInvalidPendingAuthority):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrMeterNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrCertificateNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrTradeNotFound),
		errors.Is(err, domain.ErrRegistryNotInitialized),
		errors.Is(err, domain.ErrGovernanceNotInitialized),
		errors.Is(err, domain.ErrMarketNotInitialized):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrRegistryAlreadyInitialized),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrCertificateListed),
		errors.Is(err, domain.ErrAuthorityChangePending):
		return fiber.StatusConflict
	case errors.Is(err, balance.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired
	case errors.Is(err, domain.ErrSystemPaused),
		errors.Is(err, domain.ErrMaintenanceMode),
		errors.Is(err, domain.ErrMarketPaused):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusUnprocessableEntity
	}
}

// Registry handlers

func (s *Server) initRegistry(c *fiber.Ctx) error {
	reg, err := s.registry.Initialize(c.Context(), actor(c))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reg)
}

func (s *Server) getRegistry(c *fiber.Ctx) error {
	reg, err := s.registry.Registry(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(reg)
}

func (s *Server) setOracle(c *fiber.Ctx) error {
	var req struct {
		Oracle string `json:"oracle"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.registry.SetOracleAuthority(c.Context(), actor(c), req.Oracle); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) registerUser(c *fiber.Ctx) error {
	var req struct {
		Account string `json:"account"`
		Role    string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	user, err := s.registry.RegisterUser(c.Context(), actor(c), req.Account, domain.UserRole(req.Role))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (s *Server) getUser(c *fiber.Ctx) error {
	user, err := s.registry.User(c.Context(), c.Params("account"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(user)
}

func (s *Server) updateUserStatus(c *fiber.Ctx) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	err := s.registry.UpdateUserStatus(c.Context(), actor(c), c.Params("account"), domain.UserStatus(req.Status))
	if err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getBalances(c *fiber.Ctx) error {
	account := c.Params("account")
	payments, err := s.store.PaymentBalance(c.Context(), account)
	if err != nil {
		return fail(c, err)
	}
	credits, err := s.store.CreditBalance(c.Context(), account)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"account":  account,
		"payments": payments,
		"credits":  credits,
	})
}

// Meter handlers

func (s *Server) registerMeter(c *fiber.Ctx) error {
	var req struct {
		MeterID       string `json:"meter_id"`
		Owner         string `json:"owner"`
		Kind          string `json:"kind"`
		RatedCapacity uint64 `json:"rated_capacity"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	meter, err := s.registry.RegisterMeter(c.Context(), actor(c), req.Owner, req.MeterID,
		domain.DeviceKind(req.Kind), req.RatedCapacity)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(meter)
}

func (s *Server) getMeter(c *fiber.Ctx) error {
	meter, err := s.registry.Meter(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(meter)
}

func (s *Server) setMeterStatus(c *fiber.Ctx) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	err := s.registry.SetMeterStatus(c.Context(), actor(c), c.Params("id"), domain.MeterStatus(req.Status))
	if err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deactivateMeter(c *fiber.Ctx) error {
	if err := s.registry.DeactivateMeter(c.Context(), actor(c), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getReadings(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	readings, err := s.store.RecentReadings(c.Context(), c.Params("id"), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(readings)
}

// Reading intake over HTTP. The caller must be the oracle authority.

func (s *Server) submitReading(c *fiber.Ctx) error {
	var req struct {
		MeterID          string    `json:"meter_id"`
		GenerationDelta  uint64    `json:"generation_delta"`
		ConsumptionDelta uint64    `json:"consumption_delta"`
		ReadingAt        time.Time `json:"reading_at"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	record, err := s.gate.SubmitReading(c.Context(), actor(c), gate.Reading{
		MeterID:          req.MeterID,
		GenerationDelta:  req.GenerationDelta,
		ConsumptionDelta: req.ConsumptionDelta,
		ReadingAt:        req.ReadingAt,
		RawPayload:       c.Body(),
	})
	if err != nil {
		if record != nil {
			// Rejected but recorded; return the audit row with the reason.
			return c.Status(statusFor(err)).JSON(fiber.Map{
				"error":   err.Error(),
				"reading": record,
			})
		}
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

// Settlement handlers

func (s *Server) settle(c *fiber.Ctx) error {
	res, err := s.settlement.Settle(c.Context(), actor(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}

func (s *Server) getUnsettled(c *fiber.Ctx) error {
	amount, err := s.settlement.Unsettled(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"meter_id": c.Params("id"), "unsettled": amount})
}

// Governance handlers

type policyRequest struct {
	IssuanceEnabled           bool   `json:"issuance_enabled"`
	MinEnergyAmount           uint64 `json:"min_energy_amount"`
	MaxEnergyAmount           uint64 `json:"max_energy_amount"`
	ValidityPeriodHours       int    `json:"validity_period_hours"`
	AutoExpire                bool   `json:"auto_expire"`
	RequireOracleValidation   bool   `json:"require_oracle_validation"`
	MinOracleConfidence       uint8  `json:"min_oracle_confidence"`
	AllowTransfers            bool   `json:"allow_transfers"`
	DebitCertificateOnListing bool   `json:"debit_certificate_on_listing"`
}

func (p policyRequest) toPolicy() domain.CertificatePolicy {
	return domain.CertificatePolicy{
		IssuanceEnabled:           p.IssuanceEnabled,
		MinEnergyAmount:           p.MinEnergyAmount,
		MaxEnergyAmount:           p.MaxEnergyAmount,
		ValidityPeriod:            time.Duration(p.ValidityPeriodHours) * time.Hour,
		AutoExpire:                p.AutoExpire,
		RequireOracleValidation:   p.RequireOracleValidation,
		MinOracleConfidence:       p.MinOracleConfidence,
		AllowTransfers:            p.AllowTransfers,
		DebitCertificateOnListing: p.DebitCertificateOnListing,
	}
}

func (s *Server) initGovernance(c *fiber.Ctx) error {
	var req struct {
		AuthorityName string        `json:"authority_name"`
		ContactInfo   string        `json:"contact_info"`
		Policy        policyRequest `json:"policy"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	g, err := s.certs.InitializeGovernance(c.Context(), actor(c), req.AuthorityName, req.ContactInfo, req.Policy.toPolicy())
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (s *Server) getGovernance(c *fiber.Ctx) error {
	g, err := s.certs.Governance(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(g)
}

func (s *Server) updatePolicy(c *fiber.Ctx) error {
	var req policyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.UpdatePolicy(c.Context(), actor(c), req.toPolicy()); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) pause(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.Pause(c.Context(), actor(c), req.Reason); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) resume(c *fiber.Ctx) error {
	if err := s.certs.Resume(c.Context(), actor(c)); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) setMaintenance(c *fiber.Ctx) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.SetMaintenance(c.Context(), actor(c), req.Enabled); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) proposeAuthority(c *fiber.Ctx) error {
	var req struct {
		NewAuthority string `json:"new_authority"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.ProposeAuthorityChange(c.Context(), actor(c), req.NewAuthority); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) approveAuthority(c *fiber.Ctx) error {
	if err := s.certs.ApproveAuthorityChange(c.Context(), actor(c)); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) cancelAuthority(c *fiber.Ctx) error {
	if err := s.certs.CancelAuthorityChange(c.Context(), actor(c)); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Certificate handlers

func (s *Server) issueCertificate(c *fiber.Ctx) error {
	var req struct {
		Owner            string `json:"owner"`
		MeterID          string `json:"meter_id"`
		EnergyAmount     uint64 `json:"energy_amount"`
		Source           string `json:"source"`
		ValidationData   string `json:"validation_data"`
		OracleConfidence uint8  `json:"oracle_confidence"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	cert, err := s.certs.Issue(c.Context(), actor(c), certificate.IssueRequest{
		Owner:            req.Owner,
		MeterID:          req.MeterID,
		EnergyAmount:     req.EnergyAmount,
		Source:           req.Source,
		ValidationData:   req.ValidationData,
		OracleConfidence: req.OracleConfidence,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(cert)
}

func (s *Server) getCertificate(c *fiber.Ctx) error {
	cert, err := s.certs.Certificate(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(cert)
}

func (s *Server) validateCertificate(c *fiber.Ctx) error {
	var req struct {
		OracleConfidence uint8 `json:"oracle_confidence"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.ValidateForTrading(c.Context(), actor(c), c.Params("id"), req.OracleConfidence); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) revokeCertificate(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.Revoke(c.Context(), actor(c), c.Params("id"), req.Reason); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) transferCertificate(c *fiber.Ctx) error {
	var req struct {
		NewOwner string `json:"new_owner"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.certs.Transfer(c.Context(), actor(c), c.Params("id"), req.NewOwner); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Market handlers

func (s *Server) initMarket(c *fiber.Ctx) error {
	var req struct {
		FeeBps        uint16 `json:"fee_bps"`
		EscrowAccount string `json:"escrow_account"`
		FeeCollector  string `json:"fee_collector"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	m, err := s.market.Initialize(c.Context(), actor(c), req.FeeBps, req.EscrowAccount, req.FeeCollector)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) getMarket(c *fiber.Ctx) error {
	m, err := s.market.Market(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(m)
}

func (s *Server) updateMarket(c *fiber.Ctx) error {
	var req struct {
		FeeBps uint16 `json:"fee_bps"`
		Paused bool   `json:"paused"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.market.UpdateParams(c.Context(), actor(c), req.FeeBps, req.Paused); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) createOrder(c *fiber.Ctx) error {
	var req struct {
		Side          string `json:"side"`
		Quantity      uint64 `json:"quantity"`
		UnitPrice     uint64 `json:"unit_price"`
		CertificateID string `json:"certificate_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	var (
		order *domain.Order
		err   error
	)
	switch domain.OrderSide(req.Side) {
	case domain.SideSell:
		order, err = s.market.CreateSell(c.Context(), actor(c), req.Quantity, req.UnitPrice, req.CertificateID)
	case domain.SideBuy:
		order, err = s.market.CreateBuy(c.Context(), actor(c), req.Quantity, req.UnitPrice)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "side must be buy or sell"})
	}
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

func (s *Server) listOpenOrders(c *fiber.Ctx) error {
	orders, err := s.market.OpenOrders(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(orders)
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	order, err := s.market.Order(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	if err := s.market.Cancel(c.Context(), actor(c), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) match(c *fiber.Ctx) error {
	var req struct {
		BuyOrderID  string `json:"buy_order_id"`
		SellOrderID string `json:"sell_order_id"`
		Quantity    uint64 `json:"quantity"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	trade, err := s.market.Match(c.Context(), req.BuyOrderID, req.SellOrderID, req.Quantity)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(trade)
}

func (s *Server) listTrades(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	trades, err := s.market.Trades(c.Context(), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(trades)
}
