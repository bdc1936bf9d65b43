// Package store provides Credential Store implementations for auth.Store:
// an in-process map, a Postgres table, and an age-encrypted file.
package store
