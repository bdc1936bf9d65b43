// Package pubsub implements the WebSocket JSON pub/sub protocol: LISTEN and
// UNLISTEN requests correlated by nonce, PING keepalives, server-pushed
// MESSAGE frames and RECONNECT requests.
//
// Topics survive reconnects. After every reconnect the client replays the
// full desired set, so once the replay is acknowledged the acknowledged set
// equals the desired set again.
package pubsub
