// Package config provides centralized configuration management for the
// marketplace node, covering the API server, state storage backends, the
// event stream, protocol parameters and checkpoint anchoring.
package config
