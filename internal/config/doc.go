// Package config provides 12-factor configuration management for apphost.
//
// Configuration is loaded from an optional YAML file first, then from
// environment variables, which take precedence field-by-field.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - BaseDir: module and manifest storage root
//   - Manager: health-check interval and auto-restart bounds
//   - Logging: log level and output format
//   - RateLimit: per-key rate limiting configuration
//   - Static: static file server settings
//
// Example Usage:
//
//	cfg := config.LoadOrDefault("apphost.yaml")
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, BASE_DIR
//   - HEALTH_CHECK_INTERVAL, AUTO_RESTART, MAX_RESTART_ATTEMPTS
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - STATIC_ROOT, STATIC_PREFIX, STATIC_MAX_AGE, STATIC_DOTFILES, STATIC_GZIP
package config
