package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/twitchkit/internal/auth"
)

// Frame types sent to and from the server.
const (
	TypePing      = "PING"
	TypePong      = "PONG"
	TypeListen    = "LISTEN"
	TypeUnlisten  = "UNLISTEN"
	TypeMessage   = "MESSAGE"
	TypeResponse  = "RESPONSE"
	TypeReconnect = "RECONNECT"
)

// Error codes carried by RESPONSE frames.
const (
	CodeBadMessage = "ERR_BADMESSAGE"
	CodeBadAuth    = "ERR_BADAUTH"
	CodeServer     = "ERR_SERVER"
	CodeBadTopic   = "ERR_BADTOPIC"
)

// Request is a frame sent by the client.
type Request struct {
	Type  string       `json:"type"`
	Nonce string       `json:"nonce,omitempty"`
	Data  *RequestData `json:"data,omitempty"`
}

// RequestData carries the topics and token of a LISTEN or UNLISTEN.
type RequestData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

// Response is a frame received from the server.
type Response struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageData is the data of a MESSAGE frame. Message is itself usually a
// JSON document encoded as a string.
type MessageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

var pingFrame = []byte(`{"type":"` + TypePing + `"}`)

// ResponseError is a LISTEN or UNLISTEN rejected by the server.
type ResponseError struct {
	Type   string
	Nonce  string
	Code   string
	Topics []string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("pubsub %s rejected: %s", e.Type, e.Code)
}

// Is reports ERR_BADAUTH as auth.ErrUnauthorized.
func (e *ResponseError) Is(target error) bool {
	return target == auth.ErrUnauthorized && e.Code == CodeBadAuth
}
