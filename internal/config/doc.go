// Package config handles configuration loading for sim-agent.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Unset fields keep the values from Default.
//
// # Configuration File
//
// The path comes from the SIM_AGENT_CONFIG environment variable, falling back
// to $XDG_CONFIG_HOME/coven-sim/agent.yaml (~/.config when XDG_CONFIG_HOME is
// unset).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	workers:
//	  token_secret: "${SIM_TOKEN_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	workers:
//	  startup_timeout: "1m"
//	  member_shutdown_delay: "5s"
//
// # Example
//
//	agent:
//	  index: 1
//	  bind_addr: "0.0.0.0:9000"
//	  pool_size: 20
//	link:
//	  addr: "10.0.0.5:9001"
//	workers:
//	  home: "/var/lib/sim/workers"
//	  command: ["/usr/local/bin/sim-worker"]
//	  token_secret: "${SIM_TOKEN_SECRET}"
//	protocol:
//	  request_timeout: "60s"
//	  processors: 4
//	logging:
//	  level: "info"
//	  format: "json"
package config
