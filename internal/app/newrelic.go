package app

import (
	"github.com/newrelic/go-agent/v3/newrelic"

	"ridehail/internal/config"
	"ridehail/internal/logger"
)

// NewNewRelic starts the APM agent. It returns nil when New Relic is disabled
// or fails to start; every consumer of the application accepts nil.
func NewNewRelic(cfg config.NewRelicConfig, log logger.Logger) *newrelic.Application {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return nil
	}

	nrApp, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		log.Error("failed to initialize New Relic", err)
		return nil
	}

	log.Info("New Relic enabled", "app", cfg.AppName)
	return nrApp
}
