// Package config loads the TokenSwarm runtime configuration from an optional
// JSON file, a .env file and process environment variables, in that order of
// increasing precedence.
package config
