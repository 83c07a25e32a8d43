// Package http contains the HTTP handlers for the playback API. Handlers
// translate requests into service calls and map service errors onto
// RFC 7807 problem responses; all business rules live in the services
// package.
package http
