//go:build no_mqtt

package main

import (
	"log/slog"

	"eibdvis/internal/config"
	"eibdvis/internal/gateway"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *gateway.Gateway, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
