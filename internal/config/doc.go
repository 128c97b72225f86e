// Package config loads the daemon configuration from YAML or JSON, fills in
// defaults for every optional field and applies environment overrides.
package config
