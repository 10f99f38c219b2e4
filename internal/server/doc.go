// Package server hosts the relaycast status API and the bundled viewer page
// from a single HTTP server.
//
// The server builds one middleware chain of request IDs, logging, metrics,
// tracing, panic recovery, CORS, security headers and rate limiting so every
// route shares the same protections and instrumentation.
package server
