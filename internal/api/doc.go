// Package api hosts the HTTP handlers of the relaycast status API.
//
// The handlers assembled by Handler answer live-status queries from a
// registry.Registry, proxy the metadata bridge for stream records, relay chat
// through chat.Relay and forward stream start/stop announcements. Every
// dependency is injected by the caller; the package does not reach for
// globals and a nil optional dependency disables the routes that need it.
//
// Responses always carry a status discriminator. Failures are written as
// ErrorResponse values so clients can tell "not live" apart from "could not
// determine". Handlers assume internal/server has already applied request IDs,
// CORS, rate limiting, logging and panic recovery.
package api
