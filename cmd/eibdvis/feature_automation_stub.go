//go:build no_automation

package main

import (
	"log/slog"

	"eibdvis/internal/config"
	"eibdvis/internal/gateway"
	"eibdvis/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *gateway.Gateway, _ *config.Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
