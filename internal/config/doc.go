// Package config loads the errandd runtime configuration from a YAML (or JSON)
// file, fills defaults and resolves secrets from environment variables named
// in the file. Business settings that operators edit at runtime (office hours,
// agent identity) are not configuration; see package settings.
package config
