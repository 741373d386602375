// Package config loads the service configuration from a JSON or YAML file and
// overlays STABLETOOL_* environment variables. The resulting value is passed
// explicitly into each component constructor; nothing reads configuration
// from package-level state.
package config
