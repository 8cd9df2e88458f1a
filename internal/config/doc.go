// Package config loads, normalizes, and validates vidforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// MAX_FILE_SIZE_MB and WORKER_CONCURRENCY so containerized deployments can
// tune the scheduler without a config file. The Config type centralizes every
// knob the daemon and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
