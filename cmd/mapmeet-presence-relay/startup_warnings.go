package main

import (
	"log/slog"

	"github.com/mapmeet/presence-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: no ALLOWED_ORIGINS configured in prod mode (falling back to same-host origin policy)",
			"warning_code", "allowed_origins_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; GET /webrtc/ice and /readyz will degrade until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
