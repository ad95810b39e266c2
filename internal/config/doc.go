// Package config loads the ToolRelay runtime configuration from a JSON or
// YAML file, fills in defaults, resolves secrets referenced through
// environment variables and validates the result before any component is
// constructed.
package config
