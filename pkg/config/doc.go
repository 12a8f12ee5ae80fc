// Package config loads the daemon's YAML configuration over built-in
// defaults, validates it, and hot-reloads it on file change.
package config
