// Package config handles configuration loading for desk-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agent:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  turn_timeout: "5m"
package config
