package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rickgao/twitchkit/internal/router"
)

var (
	errInvalidJSON = errors.New("invalid json")
	errNoTopic     = errors.New("message without topic")
)

// classify peeks at the type field and routes without a full unmarshal.
func classify(raw []byte) (router.Frame, error) {
	if !gjson.ValidBytes(raw) {
		return router.Frame{}, errInvalidJSON
	}

	switch typ := gjson.GetBytes(raw, "type").Str; typ {
	case TypePong:
		return router.Frame{Class: router.ClassKeepaliveAck}, nil

	case TypePing:
		return router.Frame{Class: router.ClassProbe, Reply: []byte(`{"type":"` + TypePong + `"}`)}, nil

	case TypeReconnect:
		return router.Frame{Class: router.ClassReconnect}, nil

	case TypeResponse:
		return router.Frame{
			Class: router.ClassResponse,
			Nonce: gjson.GetBytes(raw, "nonce").Str,
			Err:   gjson.GetBytes(raw, "error").Str,
		}, nil

	case TypeMessage:
		fields := gjson.GetManyBytes(raw, "data.topic", "data.message")
		topic := fields[0].Str
		if topic == "" {
			return router.Frame{}, errNoTopic
		}
		payload := fields[1].Str
		if fields[1].Type != gjson.String {
			payload = fields[1].Raw
		}
		return router.Frame{
			Class:   router.ClassEvent,
			Family:  TopicFamily(topic),
			Topic:   topic,
			Payload: []byte(payload),
		}, nil

	default:
		return router.Frame{}, fmt.Errorf("unexpected type %q", typ)
	}
}

// TopicFamily returns the part of topic before the first dot, e.g.
// "channel-points-channel-v1" for "channel-points-channel-v1.44322889".
func TopicFamily(topic string) string {
	family, _, _ := strings.Cut(topic, ".")
	return family
}

// Passthrough decodes a payload to json.RawMessage when it is JSON and to a
// string otherwise.
var Passthrough = router.DecoderFunc(func(_ string, payload []byte) (any, error) {
	if json.Valid(payload) {
		return json.RawMessage(append([]byte(nil), payload...)), nil
	}
	return string(payload), nil
})
