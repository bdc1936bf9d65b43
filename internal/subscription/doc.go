// Package subscription tracks what a push connection should be subscribed
// to and what the server has acknowledged.
//
// The desired set survives disconnects; the acknowledged set is cleared
// whenever the connection closes and refilled by replay after reconnect.
package subscription
