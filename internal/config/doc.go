// Package config loads the YAML configuration, fills defaults, applies API key
// environment overrides and validates every section.
package config
