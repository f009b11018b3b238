package main

import (
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/config"
	"github.com/voltmark/energy-claim-ledger/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
