// Package config loads the service configuration from an optional YAML
// file and the environment, applies defaults and validates the result.
//
// Environment variables use the MEDIATEXT_ prefix with dots and dashes
// replaced by underscores, e.g. MEDIATEXT_ENGINES_REMOTE_OCR_API_KEY.
package config
