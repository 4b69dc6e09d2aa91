// Package config loads wrapper settings from MCSW_* environment variables
// and the YAML file in the config directory, then validates them.
package config
