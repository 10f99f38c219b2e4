// Package registry derives the live-stream view from the ingest gateway's
// session table.
//
// The registry never mutates sessions and never caches: every ListLive and
// GetLive call performs one fresh read of the injected SessionSource, so the
// answers are exactly as current as the gateway. Source failures surface as
// *UnavailableError and are not retried here.
package registry
