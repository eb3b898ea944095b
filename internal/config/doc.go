// Package config loads the FormationHub runtime configuration from a JSON or
// YAML file and fills in defaults relative to the file's directory.
package config
