// Package viewer is the client side of relaycast: an API client for the
// status service, the synchronization loop that keeps a channel list current,
// the chat feed, and the playback recovery loop that keeps a media pipeline
// attached to a live stream.
package viewer
