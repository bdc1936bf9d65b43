// Package poller watches whether channels are live.
//
// The poller:
//   - Polls the streams endpoint on a fixed interval (default 1m)
//   - Batches up to 100 logins per request and runs batches concurrently
//   - Reports only transitions between live and offline
package poller
