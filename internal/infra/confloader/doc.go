// Package confloader loads configuration from layered sources.
//
// Precedence, later overriding earlier: defaults, YAML file, environment
// variables. A file watcher supports hot reload of tunables.
package confloader
