// Package config loads process configuration from environment variables,
// optionally seeded from a local .env file.
package config
