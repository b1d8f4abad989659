// Package config loads, normalizes, and validates legacypipe configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// brick runner and CLI need: output and cache locations, the brick geometry,
// stage selection, and the blob-fitting scheduler policy (threads, checkpoint
// cadence, size ceiling, bail-out, failure policy).
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
