// Package services implements the business logic layer of the playback
// service. It sits between the HTTP handlers and the session registry,
// catalog, and grant packages, so that entitlement checks, the device
// ceiling, and grant issuance rules live in one place.
//
// Services follow these architectural principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//
// Handlers never touch the registry or catalog directly; every playback
// decision flows through PlaybackService or DevicesService.
package services
