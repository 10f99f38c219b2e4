// Package ingest embeds the RTMP ingest gateway.
//
// The gateway accepts publishers on rtmp://host:1935/live/<key>, keeps one
// session record per connection in an insertion-ordered table, and relays
// published packets to RTMP and HTTP-FLV players through a per-key pubsub
// queue. Every transition is announced on an EventBus:
//
//   - pre-publish: a publisher asked to use a key; the authorizer and the
//     duplicate-key policy decide whether it is admitted.
//   - post-publish: the session is in the table and packets are relayed.
//   - done-publish: the publisher disconnected and its session is gone.
//
// Play sessions get the matching post-play and done-play events so viewer
// counts can be derived.
//
// The session table is the only mutable state. Gateway.Sessions exposes it to
// the registry package as a read-only snapshot, and RedisMirror copies it into
// Redis for API processes that run without an embedded gateway.
//
// RTMP wire handling and FLV muxing are provided by github.com/nareix/joy4.
// HLS and DASH output is produced by an external transcoder writing into the
// media root, which MediaHandler serves as static files.
package ingest
