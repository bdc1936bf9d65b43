// Package backoff schedules reconnect attempts for a single connection.
//
// The first attempt after a drop runs immediately. Attempt n >= 2 waits
// 2^(n-2) units, so with the default one second unit the sequence is
// 0s, 1s, 2s, 4s, 8s and so on. An optional MaxDelay caps the wait and an
// optional MaxAttempts stops scheduling with ErrGaveUp. Without MaxAttempts
// the supervisor keeps scheduling forever.
package backoff
