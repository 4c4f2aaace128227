//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"ledbar/internal/automation"
	"ledbar/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

// initAutomation loads and starts the saved scripts. The engine loop must
// already be running since script top-level code may issue commands.
func initAutomation(ctrl automation.Controller, sub automation.Subscriber, now func() time.Time, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(ctrl, sub, scriptMgr, logger, automation.WithClock(now))
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
