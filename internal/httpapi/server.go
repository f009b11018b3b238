// Package httpapi exposes the ledger's administrative and trading API.
// Handlers stay thin: decode, call a service, map the error.
package httpapi

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/certificate"
	"github.com/voltmark/energy-claim-ledger/internal/gate"
	"github.com/voltmark/energy-claim-ledger/internal/market"
	"github.com/voltmark/energy-claim-ledger/internal/registry"
	"github.com/voltmark/energy-claim-ledger/internal/settlement"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// Server bundles the fiber app and its dependencies.
type Server struct {
	app        *fiber.App
	registry   *registry.Service
	gate       *gate.Service
	settlement *settlement.Service
	certs      *certificate.Service
	market     *market.Service
	store      store.Store
	logger     *zap.Logger
}

// NewServer builds the fiber app with all routes registered.
func NewServer(
	reg *registry.Service,
	g *gate.Service,
	settle *settlement.Service,
	certs *certificate.Service,
	mkt *market.Service,
	st store.Store,
	logger *zap.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "energy-claim-ledger",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:        app,
		registry:   reg,
		gate:       g,
		settlement: settle,
		certs:      certs,
		market:     mkt,
		store:      st,
		logger:     logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := s.app.Group("/v1")

	v1.Post("/registry", s.initRegistry)
	v1.Get("/registry", s.getRegistry)
	v1.Put("/registry/oracle", s.setOracle)

	v1.Post("/users", s.registerUser)
	v1.Get("/users/:account", s.getUser)
	v1.Put("/users/:account/status", s.updateUserStatus)
	v1.Get("/users/:account/balances", s.getBalances)

	v1.Post("/meters", s.registerMeter)
	v1.Get("/meters/:id", s.getMeter)
	v1.Put("/meters/:id/status", s.setMeterStatus)
	v1.Delete("/meters/:id", s.deactivateMeter)
	v1.Get("/meters/:id/readings", s.getReadings)
	v1.Post("/meters/:id/settle", s.settle)
	v1.Get("/meters/:id/unsettled", s.getUnsettled)

	v1.Post("/readings", s.submitReading)

	v1.Post("/governance", s.initGovernance)
	v1.Get("/governance", s.getGovernance)
	v1.Put("/governance/policy", s.updatePolicy)
	v1.Post("/governance/pause", s.pause)
	v1.Post("/governance/resume", s.resume)
	v1.Put("/governance/maintenance", s.setMaintenance)
	v1.Post("/governance/authority/propose", s.proposeAuthority)
	v1.Post("/governance/authority/approve", s.approveAuthority)
	v1.Post("/governance/authority/cancel", s.cancelAuthority)

	v1.Post("/certificates", s.issueCertificate)
	v1.Get("/certificates/:id", s.getCertificate)
	v1.Post("/certificates/:id/validate", s.validateCertificate)
	v1.Post("/certificates/:id/revoke", s.revokeCertificate)
	v1.Post("/certificates/:id/transfer", s.transferCertificate)

	v1.Post("/market", s.initMarket)
	v1.Get("/market", s.getMarket)
	v1.Put("/market", s.updateMarket)

	v1.Post("/orders", s.createOrder)
	v1.Get("/orders", s.listOpenOrders)
	v1.Get("/orders/:id", s.getOrder)
	v1.Delete("/orders/:id", s.cancelOrder)
	v1.Post("/matches", s.match)
	v1.Get("/trades", s.listTrades)
}

// Register ties the HTTP listener to the fx lifecycle.
func (s *Server) Register(lc fx.Lifecycle, port int) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			addr := fmt.Sprintf(":%d", port)
			s.logger.Info("http api listening", zap.String("addr", addr))
			go func() {
				if err := s.app.Listen(addr); err != nil {
					s.logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.app.ShutdownWithContext(ctx)
		},
	})
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
