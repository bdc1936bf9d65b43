package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rickgao/twitchkit/internal/backoff"
	"github.com/rickgao/twitchkit/internal/router"
)

// Session is what a protocol sees of a freshly dialed link while it runs
// its handshake.
type Session interface {
	Send(data []byte) error
	Next(ctx context.Context) ([]byte, error)
}

// Protocol supplies the protocol-specific parts of a connection.
type Protocol interface {
	// Handshake runs after dialing and before the connection is open.
	Handshake(ctx context.Context, s Session) error

	// Ping returns the keepalive probe frame, or nil to skip the probe.
	Ping() []byte

	// Opened runs once the connection is open. ctx ends when the
	// connection drops.
	Opened(ctx context.Context)

	// Closed runs after every transition to closed. err is nil when the
	// application asked to disconnect.
	Closed(err error)
}

// Config configures a Conn.
type Config struct {
	Name         string
	NewTransport TransportFactory
	NewFramer    func() router.Framer // nil treats each read as one frame
	Protocol     Protocol
	Router       *router.Router

	KeepaliveInterval time.Duration
	KeepaliveJitter   time.Duration
	KeepaliveTimeout  time.Duration
	DialTimeout       time.Duration

	AutoReconnect bool
	Backoff       backoff.Config

	Logger *slog.Logger
}

// Conn is a reconnecting connection state machine.
type Conn struct {
	cfg        Config
	logger     *slog.Logger
	bus        *router.Bus
	supervisor *backoff.Supervisor

	connectMu sync.Mutex

	mu         sync.RWMutex
	state      State
	current    *handle
	gen        uint64
	userClosed bool
}

// New creates an idle Conn.
func New(cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewFramer == nil {
		cfg.NewFramer = func() router.Framer { return router.Whole{} }
	}

	c := &Conn{
		cfg:    cfg,
		logger: cfg.Logger.With("conn", cfg.Name),
		bus:    cfg.Router.Bus(),
	}
	c.supervisor = backoff.New(cfg.Backoff, c.reconnect, c.logger)
	return c
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempt returns the current reconnect attempt; 0 when not reconnecting.
func (c *Conn) Attempt() int {
	return c.supervisor.Attempt()
}

// Connect opens the connection. It returns nil if already open. A failed
// connect leaves the connection closed and, with auto-reconnect, schedules
// a retry.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.userClosed = false
	c.mu.Unlock()
	return c.connect(ctx, 0)
}

// EnsureOpen connects unless the connection is already open.
func (c *Conn) EnsureOpen(ctx context.Context) error {
	if c.State() == StateOpen {
		return nil
	}
	return c.Connect(ctx)
}

// Disconnect closes the connection from any state and cancels any pending
// reconnect. Safe to call repeatedly and from any goroutine.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.gen++
	h := c.current
	c.current = nil
	if h == nil && c.state != StateConnecting {
		c.mu.Unlock()
		c.supervisor.Cancel()
		return
	}
	if h != nil {
		c.state = StateDraining
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.supervisor.Cancel()

	if h != nil {
		h.shutdown()
		c.mu.Lock()
		if c.state == StateDraining {
			c.state = StateClosed
		}
		c.mu.Unlock()
	}

	c.cfg.Protocol.Closed(nil)
	c.logger.Info("disconnected")
	c.emit(router.Event{Kind: router.KindClosed})
}

// CancelReconnect stops a pending reconnect without touching an open link.
// It does nothing when no reconnect is pending.
func (c *Conn) CancelReconnect() {
	c.supervisor.Cancel()
}

// Send writes one frame. Only accepted while open.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	h := c.current
	open := c.state == StateOpen
	c.mu.RUnlock()

	if !open || h == nil {
		c.emit(router.Event{Kind: router.KindSendFailed, Raw: data, Err: ErrNotOpen})
		return ErrNotOpen
	}
	return c.send(h, data)
}

func (c *Conn) send(h *handle, data []byte) error {
	if err := h.transport.Send(data); err != nil {
		c.emit(router.Event{Kind: router.KindSendFailed, Raw: data, Err: err})
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Conn) connect(ctx context.Context, attempt int) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if attempt > 0 && c.userClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.current
	c.current = nil
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	h, err := c.open(context.WithValue(ctx, attemptKey{}, attempt))
	if err != nil {
		c.mu.Lock()
		stale := gen != c.gen
		if !stale {
			c.state = StateClosed
		}
		retry := !stale && c.cfg.AutoReconnect && !c.userClosed
		c.mu.Unlock()

		c.logger.Warn("connect failed", "attempt", attempt, "error", err)
		switch {
		case retry && errors.Is(err, ErrPermanent):
			c.supervisor.Cancel()
			c.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
			c.emit(router.Event{Kind: router.KindReconnectGaveUp, Attempt: attempt, Err: err})
		case retry:
			c.scheduleReconnect()
		}
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		h.shutdown()
		return ErrClosed
	}
	c.current = h
	c.state = StateOpen
	c.mu.Unlock()

	c.supervisor.Succeeded()

	c.logger.Info("connection open", "attempt", attempt)
	c.emit(router.Event{Kind: router.KindOpened})
	if attempt > 0 {
		c.emit(router.Event{Kind: router.KindReconnectSucceeded, Attempt: attempt})
	}

	go c.readLoop(h)
	go c.keepalive(h)

	c.cfg.Protocol.Opened(h.ctx)
	return nil
}

// open dials a new transport and runs the handshake on it.
func (c *Conn) open(ctx context.Context) (*handle, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	t := c.cfg.NewTransport()
	if err := t.Connect(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("dial: %w", err)
	}

	h := newHandle(c, t, c.cfg.NewFramer())
	if err := c.cfg.Protocol.Handshake(ctx, h); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return h, nil
}

type attemptKey struct{}

// AttemptFrom returns the reconnect attempt a handshake runs under. It is 0
// when the application started the connect.
func AttemptFrom(ctx context.Context) int {
	attempt, _ := ctx.Value(attemptKey{}).(int)
	return attempt
}

// reconnect is the supervisor callback.
func (c *Conn) reconnect(attempt int) {
	c.logger.Info("reconnecting", "attempt", attempt)
	if err := c.connect(context.Background(), attempt); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Conn) scheduleReconnect() {
	attempt, delay, err := c.supervisor.Schedule()
	if errors.Is(err, backoff.ErrGaveUp) {
		c.logger.Error("giving up reconnecting", "attempts", attempt)
		c.emit(router.Event{Kind: router.KindReconnectGaveUp, Attempt: attempt, Err: err})
		return
	}
	c.emit(router.Event{Kind: router.KindReconnectStarted, Attempt: attempt, Delay: delay})
}

// drop handles an unexpected loss of h. Stale handles are ignored.
func (c *Conn) drop(h *handle, cause error) {
	c.mu.Lock()
	if c.current != h {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = StateClosed
	retry := c.cfg.AutoReconnect && !c.userClosed
	c.mu.Unlock()

	h.shutdown()

	c.logger.Warn("connection dropped", "error", cause, "reconnect", retry)
	c.cfg.Protocol.Closed(cause)
	c.emit(router.Event{Kind: router.KindClosed, Err: cause})

	if retry {
		c.scheduleReconnect()
	}
}

func (c *Conn) readLoop(h *handle) {
	for _, frame := range h.takeBacklog() {
		if h.ctx.Err() != nil {
			return
		}
		c.cfg.Router.Route(frame, time.Now(), h)
	}
	if h.readErr != nil {
		c.drop(h, h.readErr)
		return
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case err := <-h.transport.Errors():
			// Reads that arrived before the error are routed first.
			for _, msg := range h.buffered() {
				if !c.route(h, msg) {
					return
				}
			}
			c.drop(h, err)
			return

		case msg, ok := <-h.transport.Messages():
			if !ok {
				c.drop(h, ErrNotConnected)
				return
			}
			if !c.route(h, msg) {
				return
			}
		}
	}
}

// route splits one read and routes its frames. It returns false once h is
// shut down.
func (c *Conn) route(h *handle, msg Message) bool {
	for _, frame := range h.split(msg) {
		if h.ctx.Err() != nil {
			return false
		}
		c.cfg.Router.Route(frame, msg.ReceivedAt, h)
	}
	return h.ctx.Err() == nil
}

func (c *Conn) keepalive(h *handle) {
	if c.cfg.KeepaliveInterval <= 0 {
		return
	}

	for {
		wait := c.cfg.KeepaliveInterval
		if c.cfg.KeepaliveJitter > 0 {
			wait += rand.N(c.cfg.KeepaliveJitter)
		}

		idle := time.NewTimer(wait)
		select {
		case <-h.ctx.Done():
			idle.Stop()
			return
		case <-idle.C:
		}

		probe := c.cfg.Protocol.Ping()
		if probe == nil {
			continue
		}

		select {
		case <-h.pong:
		default:
		}
		if err := c.send(h, probe); err != nil {
			c.drop(h, err)
			return
		}

		if c.cfg.KeepaliveTimeout <= 0 {
			continue
		}
		deadline := time.NewTimer(c.cfg.KeepaliveTimeout)
		select {
		case <-h.ctx.Done():
			deadline.Stop()
			return
		case <-h.pong:
			deadline.Stop()
		case <-deadline.C:
			c.drop(h, ErrKeepaliveTimeout)
			return
		}
	}
}

func (c *Conn) emit(ev router.Event) {
	ev.Source = c.cfg.Name
	c.bus.Emit(ev)
}

// handle is one transport plus the state tied to its lifetime. It is the
// Session during the handshake and the router Control afterwards.
type handle struct {
	conn      *Conn
	transport Transport
	framer    router.Framer
	backlog   [][]byte
	readErr   error // read error seen during the handshake behind backlog

	ctx    context.Context
	cancel context.CancelFunc
	pong   chan struct{}
	once   sync.Once
}

func newHandle(c *Conn, t Transport, f router.Framer) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		conn:      c,
		transport: t,
		framer:    f,
		ctx:       ctx,
		cancel:    cancel,
		pong:      make(chan struct{}, 1),
	}
}

func (h *handle) shutdown() {
	h.once.Do(func() {
		h.cancel()
		h.transport.Close()
	})
}

func (h *handle) Send(data []byte) error {
	return h.transport.Send(data)
}

// Next returns the next frame read during the handshake. Frames that
// arrived in the same read stay queued for the read loop.
func (h *handle) Next(ctx context.Context) ([]byte, error) {
	for len(h.backlog) == 0 {
		if h.readErr != nil {
			return nil, h.readErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-h.transport.Errors():
			for _, msg := range h.buffered() {
				h.backlog = append(h.backlog, h.split(msg)...)
			}
			h.readErr = err
		case msg, ok := <-h.transport.Messages():
			if !ok {
				return nil, ErrNotConnected
			}
			h.backlog = append(h.backlog, h.split(msg)...)
		}
	}

	frame := h.backlog[0]
	h.backlog = h.backlog[1:]
	return frame, nil
}

// split frames one read. Discarded input is reported through the router.
func (h *handle) split(msg Message) [][]byte {
	frames, err := h.framer.Split(msg.Data)
	if err != nil {
		h.conn.cfg.Router.FramingError(nil, msg.ReceivedAt, err)
	}
	return frames
}

// buffered returns the reads the transport queued without blocking.
func (h *handle) buffered() []Message {
	var msgs []Message
	for {
		select {
		case msg, ok := <-h.transport.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func (h *handle) takeBacklog() [][]byte {
	frames := h.backlog
	h.backlog = nil
	return frames
}

func (h *handle) KeepaliveAck() {
	select {
	case h.pong <- struct{}{}:
	default:
	}
}

func (h *handle) ReconnectRequested() {
	h.conn.logger.Info("server requested reconnect")
	h.conn.drop(h, ErrReconnectRequested)
}

func (h *handle) Respond(data []byte) error {
	return h.conn.send(h, data)
}
