// Package chat is a client for the CRLF line chat protocol over TLS.
//
// Joined channels live in a subscription ledger, so a reconnect rejoins
// everything that was joined before the drop. Server PINGs are answered
// without reaching listeners, and a server RECONNECT reopens the link.
// Without a credential source the client logs in anonymously and can only
// read.
package chat
