// Package config loads, normalizes, and validates diagport configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// DIAGPORT_PORTS and DIAGPORT_RUNTIME_DIR. Port entries use the
// "address[,tag...]" grammar parsed by ParsePortSpec.
//
// Always obtain settings through this package so downstream code receives
// absolute socket paths, canonical log formats, and clear validation errors.
package config
