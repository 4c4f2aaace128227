//go:build no_mqtt

package main

import (
	"log/slog"

	"ledbar/internal/engine"
	"ledbar/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *engine.Service, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
