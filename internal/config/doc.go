// Package config handles configuration loading for agentiom-supervisor.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every timing knob.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENTIOM_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	lifecycle:
//	  sweep_interval: "60s"
//	  wake_timeout: "10s"
//	  delivery_timeout: "30s"
//
// # Configuration Sections
//
// Listeners:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # management + lifecycle APIs
//	  proxy_addr: "0.0.0.0:8081"  # wake-on-request forwarding
//
// Connection supervision:
//
//	supervisor:
//	  max_retries: 10
//	  health_interval: "30s"
//	  staleness_threshold: "5m"
//	  base_delay: "1s"
//	  max_delay: "60s"
//
// Database:
//
//	database:
//	  path: "/var/lib/agentiom/supervisor.db"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "agentiom-supervisor"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
