// Package config provides 12-factor configuration management for the
// extension host.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Sandbox: realm lifecycle and request timeouts
//   - Bridge: outbound HTTP bridge limits
//   - LLM: completion backend endpoint
//   - Data: on-disk store locations
//   - Connections: connection registry file and secret-store key
//   - Logging: log level and output format
//   - RateLimit: per-IP API rate limiting
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
package config
