// Package config provides centralized configuration management for the
// LessonVault playback service. It handles loading configuration from multiple
// sources, validation, and provides a type-safe API for accessing
// configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern LV_* for namespacing:
//
//	LV_SERVER_PORT=8080
//	LV_PLAYBACK_DEVICE_LIMIT=2
//	LV_PLAYBACK_GRANT_TTL=45m
//	LV_REDIS_ADDR=localhost:6379
//	LV_LOGGING_LEVEL=info
//
// # Playback Policy
//
// The PlaybackConfig section carries the policy constants the grant issuer
// and device-session registry enforce: the concurrent-device ceiling, the
// grant TTL, the sweep cadence, and the device-ceiling eviction policy
// (hard-deny by default).
package config
