// Package config loads the immutable process configuration from the
// environment via viper, plus the per-agent catalog (task definitions,
// secret lists, pool sizing, tenant tiers) from an optional YAML file.
// Configuration is read once at startup and passed by value; nothing in
// this package mutates after Load returns.
package config
