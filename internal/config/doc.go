// Package config loads the outreachd configuration from JSON or YAML, applies
// OUTREACHD_* environment overrides, and watches the file for hot reload.
package config
