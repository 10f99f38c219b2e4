// Package chat relays viewer chat messages to the metadata store and fans
// them out to live subscribers.
//
// Relay.Send sanitizes a draft, stamps it with an id and send time, forwards
// it to the metadata bridge and publishes it on a Queue. Subscribers (the
// chat SSE endpoint) receive every published message; the in-memory queue
// serves a single process and the Redis Streams queue spans processes.
package chat
