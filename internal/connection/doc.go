// Package connection implements the connection state machine shared by the
// chat and pub/sub clients.
//
// A Conn owns at most one transport handle at a time. It dials, runs the
// protocol handshake, keeps the link alive with jittered probes, feeds
// inbound frames to a router, and on an unexpected drop asks its backoff
// supervisor to reconnect. Disconnect stops everything, including any
// pending reconnect.
package connection
