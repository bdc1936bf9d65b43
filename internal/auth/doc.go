// Package auth owns the credential lifecycle for the session layer.
//
// A Credential is an immutable bearer token plus the validation record
// returned by the identity provider. A Source produces credentials: it
// either authorizes interactively, exchanges a refresh token, or uses the
// client credentials grant. The Gate wraps a call with a credential and
// retries it exactly once after reauthorizing when the call is rejected as
// unauthorized.
//
// Sources read and write credentials through a Store; they never persist
// anything themselves.
package auth
