// Package database opens the PostgreSQL pool backing the postgres
// credential store.
package database
