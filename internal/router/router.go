package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownFrame  = errors.New("unknown frame")
	ErrNoDecoder     = errors.New("no decoder registered")
	ErrDecoderExists = errors.New("decoder already registered")
	ErrNoCorrelator  = errors.New("no correlator for response")
)

// Class is the routing class of a frame.
type Class int

const (
	ClassUnknown Class = iota
	ClassKeepaliveAck
	ClassProbe
	ClassReconnect
	ClassResponse
	ClassEvent
)

func (c Class) String() string {
	switch c {
	case ClassKeepaliveAck:
		return "keepalive-ack"
	case ClassProbe:
		return "probe"
	case ClassReconnect:
		return "reconnect"
	case ClassResponse:
		return "response"
	case ClassEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Frame is a classified inbound frame.
type Frame struct {
	Class Class

	// Event frames.
	Family  string
	Topic   string
	Payload []byte

	// Response frames. Err is the server error code, empty on success.
	Nonce string
	Err   string

	// Probe frames: the answer to send back.
	Reply []byte
}

// Classifier identifies the class of a raw frame.
type Classifier interface {
	Classify(raw []byte) (Frame, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(raw []byte) (Frame, error)

// Classify calls f(raw).
func (f ClassifierFunc) Classify(raw []byte) (Frame, error) { return f(raw) }

// Decoder turns an event payload into an application value.
type Decoder interface {
	Decode(topic string, payload []byte) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(topic string, payload []byte) (any, error)

// Decode calls f(topic, payload).
func (f DecoderFunc) Decode(topic string, payload []byte) (any, error) { return f(topic, payload) }

// Correlator resolves responses to outstanding requests.
type Correlator interface {
	Resolve(nonce, errCode string) error
}

// Control is the connection-side hook set for a single transport handle.
type Control interface {
	KeepaliveAck()
	ReconnectRequested()
	Respond(data []byte) error
}

// Config configures a Router.
type Config struct {
	Source     string
	Classifier Classifier
	Correlator Correlator
	Bus        *Bus
	Logger     *slog.Logger
}

// Stats contains routing counters.
type Stats struct {
	Received      int64
	Messages      int64
	KeepaliveAcks int64
	Probes        int64
	Reconnects    int64
	Responses     int64
	DecodeErrors  int64
}

// Router classifies frames and dispatches application events.
type Router struct {
	source     string
	classifier Classifier
	correlator Correlator
	bus        *Bus
	logger     *slog.Logger

	mu       sync.RWMutex
	decoders map[string]Decoder
	fallback Decoder

	received      atomic.Int64
	messages      atomic.Int64
	keepaliveAcks atomic.Int64
	probes        atomic.Int64
	reconnects    atomic.Int64
	responses     atomic.Int64
	decodeErrors  atomic.Int64
}

// New creates a Router. A nil Bus gets an inline bus.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus(nil)
	}
	return &Router{
		source:     cfg.Source,
		classifier: cfg.Classifier,
		correlator: cfg.Correlator,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		decoders:   make(map[string]Decoder),
	}
}

// Bus returns the router's event bus.
func (r *Router) Bus() *Bus {
	return r.bus
}

// RegisterDecoder registers d for a topic family. Each family may be
// registered once.
func (r *Router) RegisterDecoder(family string, d Decoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.decoders[family]; ok {
		return fmt.Errorf("%w: %s", ErrDecoderExists, family)
	}
	r.decoders[family] = d
	return nil
}

// SetFallback sets the decoder used for families without a registration.
func (r *Router) SetFallback(d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

// Route handles one frame.
func (r *Router) Route(raw []byte, receivedAt time.Time, ctl Control) {
	r.received.Add(1)

	frame, err := r.classifier.Classify(raw)
	if err != nil {
		r.decodeError(raw, receivedAt, fmt.Errorf("%w: %w", ErrUnknownFrame, err))
		return
	}

	switch frame.Class {
	case ClassKeepaliveAck:
		r.keepaliveAcks.Add(1)
		ctl.KeepaliveAck()

	case ClassProbe:
		r.probes.Add(1)
		if len(frame.Reply) > 0 {
			if err := ctl.Respond(frame.Reply); err != nil {
				r.logger.Warn("failed to answer probe", "source", r.source, "error", err)
			}
		}

	case ClassReconnect:
		r.reconnects.Add(1)
		ctl.ReconnectRequested()

	case ClassResponse:
		r.responses.Add(1)
		if r.correlator == nil {
			r.decodeError(raw, receivedAt, ErrNoCorrelator)
			return
		}
		if err := r.correlator.Resolve(frame.Nonce, frame.Err); err != nil {
			r.decodeError(raw, receivedAt, err)
		}

	case ClassEvent:
		r.dispatch(frame, raw, receivedAt)

	default:
		r.decodeError(raw, receivedAt, ErrUnknownFrame)
	}
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:      r.received.Load(),
		Messages:      r.messages.Load(),
		KeepaliveAcks: r.keepaliveAcks.Load(),
		Probes:        r.probes.Load(),
		Reconnects:    r.reconnects.Load(),
		Responses:     r.responses.Load(),
		DecodeErrors:  r.decodeErrors.Load(),
	}
}

func (r *Router) dispatch(frame Frame, raw []byte, receivedAt time.Time) {
	r.mu.RLock()
	d, ok := r.decoders[frame.Family]
	if !ok {
		d = r.fallback
	}
	r.mu.RUnlock()

	if d == nil {
		r.decodeError(raw, receivedAt, fmt.Errorf("%w: %s", ErrNoDecoder, frame.Family))
		return
	}

	payload, err := d.Decode(frame.Topic, frame.Payload)
	if err != nil {
		r.decodeError(raw, receivedAt, fmt.Errorf("decode %s: %w", frame.Family, err))
		return
	}

	r.messages.Add(1)
	r.bus.Emit(Event{
		Kind:    KindMessage,
		Source:  r.source,
		At:      receivedAt,
		Topic:   frame.Topic,
		Payload: payload,
		Raw:     raw,
	})
}

// FramingError reports input a Framer discarded as a decode error.
func (r *Router) FramingError(raw []byte, receivedAt time.Time, err error) {
	r.decodeError(raw, receivedAt, err)
}

func (r *Router) decodeError(raw []byte, receivedAt time.Time, err error) {
	r.decodeErrors.Add(1)
	r.logger.Debug("frame not routed", "source", r.source, "error", err)
	r.bus.Emit(Event{
		Kind:   KindDecodeError,
		Source: r.source,
		At:     receivedAt,
		Raw:    raw,
		Err:    err,
	})
}
