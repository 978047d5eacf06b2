// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including the listen address, backend endpoints, engine tunables, strategy
// selection, and metrics settings.
package config
