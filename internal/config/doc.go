// ABOUTME: Package documentation for meshgate configuration.
// ABOUTME: Documents the YAML format, env expansion, and defaults.

// Package config loads and validates meshgate configuration from YAML.
//
// Environment variables in ${VAR_NAME} form are expanded before parsing, and
// duration fields accept Go duration strings ("30s", "5m"). A full config:
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "meshgate.db"
//
//	rules:
//	  path: "rules.toml"
//
//	auth:
//	  mode: headers            # headers | jwt
//	  jwt_secret: "${MESHGATE_JWT_SECRET}"
//
//	health:
//	  interval: 30s
//	  probe_timeout: 5s
//	  max_fanout: 32
//	  degraded_threshold: 2
//	  unreachable_threshold: 5
//	  evict_threshold: 10
//
//	routing:
//	  max_attempts: 3
//
//	state:
//	  ttl: 24h
//	  purge_interval: 5m
//	  max_bytes: 262144
//	  reconciler: server_wins  # server_wins | latest_timestamp_wins
//
//	sync:
//	  debounce_window: 100ms
//	  buffer_size: 64
//
//	usage:
//	  auth: ""                 # empty (network trust, the default) | bearer
//	  jwt_secret: "${MESHGATE_USAGE_SECRET}"
//	  limits:
//	    agent-a:
//	      daily_calls: 1000
//	      monthly_calls: 20000
//	      daily_tokens: 500000
//	      alert_at: 0.8
//
//	logging:
//	  level: info
//	  format: json
//
//	metrics:
//	  enabled: true
//
// The open /usage default is intentional: without usage.auth the endpoint
// relies on network-level access control in front of the gateway.
package config
