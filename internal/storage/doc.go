// Package storage provides the daemon's persistence layer.
//
// It holds:
//   - Sealed per-account session blobs (written through the secret store)
//   - Seen-message ids, so a message is notified at most once across polls
//     and restarts
package storage
