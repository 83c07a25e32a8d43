// Package app wires the playback service together: configuration, logging,
// OpenTelemetry, the session registry backend, the HTTP router, and the
// websocket hub that pushes revocation signals to live players.
package app
