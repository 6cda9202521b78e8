package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client connect as any participant id",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") || (cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS allows any origin",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.RelayAnyTarget {
		logger.Warn("startup security warning: RELAY_ANY_TARGET lets participants send negotiation payloads to anyone online",
			"warning_code", "relay_any_target",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /readyz and /api/ice-servers will answer 503",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.PresenceEnabled() {
		logger.Warn("startup warning: REDIS_ADDR is unset; /api/stats online_users reflects the database only",
			"warning_code", "presence_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}
}
