//go:build no_automation

package main

import (
	"log/slog"
	"time"

	"ledbar/internal/engine"
	"ledbar/internal/events"
	"ledbar/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *engine.Service, _ *events.Bus, _ func() time.Time, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
