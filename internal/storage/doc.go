// Package storage persists the forwarding engine's durable state.
//
// Two tables are kept:
//   - dedup: per source, the bounded recent event ids and content hashes
//   - routes: per (subscriber, project, destination), the sub-channel id or
//     the tagging fallback marker
//
// Drivers: "file" (snapshot + JSONL journal), "sqlite", "redis" and "memory".
package storage
