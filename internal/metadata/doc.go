// Package metadata bridges the platform to the store that owns channel
// metadata and chat history.
//
// The primary backend is an AO process reached over HTTP: reads are dry-run
// evaluations on a compute unit and writes are messages submitted through a
// signing relay. Every request carries an Action tag (GetLiveStreams,
// GetChatMessages, ChatMessage, StartStream, StopStream) and a JSON payload.
// PostgresStore and MemoryStore implement the same Bridge for self-hosted and
// test deployments, and CachedBridge fronts any of them with a short Redis
// cache for the live stream list.
package metadata
