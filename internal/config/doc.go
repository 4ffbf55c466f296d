// Package config loads, validates, and normalizes the TOML configuration
// for the imageflow daemon and CLI. All tunables flow through an explicit
// Config value handed to components at construction; nothing reads ambient
// environment state at runtime.
package config
