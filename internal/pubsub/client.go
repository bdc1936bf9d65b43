package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/twitchkit/internal/auth"
	"github.com/rickgao/twitchkit/internal/backoff"
	"github.com/rickgao/twitchkit/internal/connection"
	"github.com/rickgao/twitchkit/internal/router"
	"github.com/rickgao/twitchkit/internal/subscription"
)

const (
	// DefaultURL is the pub/sub endpoint.
	DefaultURL = "wss://pubsub-edge.twitch.tv"

	// DefaultResponseTimeout bounds the wait for a RESPONSE.
	DefaultResponseTimeout = 10 * time.Second

	maxTopicsPerRequest = 50
)

// Config configures a pub/sub Client.
type Config struct {
	URL string

	// Gate authorizes requests with the user credential. Nil sends
	// requests without a token.
	Gate            *auth.Gate
	ResponseTimeout time.Duration

	KeepaliveInterval time.Duration
	KeepaliveJitter   time.Duration
	KeepaliveTimeout  time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	AutoReconnect     bool
	Backoff           backoff.Config

	// Dispatcher delivers events; nil delivers on the read goroutine.
	Dispatcher router.Dispatcher
	Logger     *slog.Logger
}

// Client is a pub/sub connection whose topics survive reconnects.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	bus     *router.Bus
	router  *router.Router
	conn    *connection.Conn
	ledger  *subscription.Ledger
	pending *pendingTable

	// inflight marks topics a LISTEN is already outstanding for, keyed to
	// the request that owns them. epoch counts closed connections; an ack
	// only applies to the connection its request was sent on.
	mu       sync.Mutex
	inflight map[string]string
	epoch    uint64
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "pubsub"),
		bus:      router.NewBus(cfg.Dispatcher),
		ledger:   subscription.NewLedger(subscription.Exact),
		pending:  newPendingTable(),
		inflight: make(map[string]string),
	}

	c.router = router.New(router.Config{
		Source:     "pubsub",
		Classifier: router.ClassifierFunc(classify),
		Correlator: c.pending,
		Bus:        c.bus,
		Logger:     c.logger,
	})
	c.router.SetFallback(Passthrough)

	c.conn = connection.New(connection.Config{
		Name: "pubsub",
		NewTransport: func() connection.Transport {
			return connection.NewWebSocketTransport(connection.WebSocketConfig{
				URL:              cfg.URL,
				HandshakeTimeout: cfg.DialTimeout,
				WriteTimeout:     cfg.WriteTimeout,
			}, c.logger)
		},
		Protocol:          (*protocol)(c),
		Router:            c.router,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveJitter:   cfg.KeepaliveJitter,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
		DialTimeout:       cfg.DialTimeout,
		AutoReconnect:     cfg.AutoReconnect,
		Backoff:           cfg.Backoff,
		Logger:            c.logger,
	})
	return c
}

// AddListener registers l for pub/sub events.
func (c *Client) AddListener(l router.Listener) (remove func()) {
	return c.bus.Listen(l)
}

// RegisterDecoder registers d for a topic family. Families without a
// decoder are passed through as JSON.
func (c *Client) RegisterDecoder(family string, d router.Decoder) error {
	return c.router.RegisterDecoder(family, d)
}

// Connect opens the connection and listens to every desired topic.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection and cancels any pending reconnect.
// Desired topics are kept for the next Connect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close disconnects and stops event delivery.
func (c *Client) Close() {
	c.conn.Disconnect()
	c.bus.Close()
}

// CancelReconnect stops a pending reconnect. The connection stays closed
// until the next Connect or Listen.
func (c *Client) CancelReconnect() {
	c.conn.CancelReconnect()
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Stats returns routing counters.
func (c *Client) Stats() router.Stats {
	return c.router.Stats()
}

// Topics returns every desired topic.
func (c *Client) Topics() []string {
	return c.ledger.Desired()
}

// Acknowledged returns topics the server confirmed on the current
// connection.
func (c *Client) Acknowledged() []string {
	return c.ledger.Acknowledged()
}

// Subscriptions returns desired and acknowledged topics in one read.
func (c *Client) Subscriptions() subscription.Snapshot {
	return c.ledger.Snapshot()
}

// Listen subscribes to topics and waits for the server to confirm. The
// connection is opened if needed. Topics the server rejects are dropped
// from the desired set and reported as a *ResponseError; topics that fail
// for any other reason stay desired and are replayed on the next open.
func (c *Client) Listen(ctx context.Context, topics ...string) error {
	added := c.ledger.Add(topics...)
	if len(added) == 0 {
		return nil
	}

	owner := uuid.NewString()
	claimed := c.claim(owner, added)
	defer c.release(owner, claimed)

	if c.conn.State() != connection.StateOpen {
		if err := c.conn.EnsureOpen(ctx); err != nil {
			return err
		}
	}
	return c.listen(ctx, claimed)
}

// Unlisten unsubscribes from topics. When connected it waits for the
// server to confirm.
func (c *Client) Unlisten(ctx context.Context, topics ...string) error {
	removed := c.ledger.Remove(topics...)
	if len(removed) == 0 || c.conn.State() != connection.StateOpen {
		return nil
	}

	var errs []error
	for _, batch := range batches(removed) {
		err := c.authorized(ctx, func(ctx context.Context, cred auth.Credential) error {
			return c.request(ctx, TypeUnlisten, batch, cred.AccessToken)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) listen(ctx context.Context, topics []string) error {
	var errs []error
	for _, batch := range batches(topics) {
		epoch := c.currentEpoch()
		err := c.authorized(ctx, func(ctx context.Context, cred auth.Credential) error {
			return c.request(ctx, TypeListen, batch, cred.AccessToken)
		})
		if err == nil {
			if !c.ack(epoch, batch) {
				c.logger.Debug("listen confirmed on a closed connection", "topics", len(batch))
			}
			continue
		}

		var rerr *ResponseError
		if errors.As(err, &rerr) {
			c.ledger.Remove(batch...)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// ack marks topics acknowledged unless the connection has closed since
// epoch was read. Topics left unacknowledged are replayed on the next open.
func (c *Client) ack(epoch uint64, topics []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.ledger.Ack(topics...)
	return true
}

func (c *Client) authorized(ctx context.Context, fn auth.Func) error {
	if c.cfg.Gate == nil {
		return fn(ctx, auth.Credential{})
	}
	return c.cfg.Gate.Do(ctx, auth.ScopeUser, fn)
}

// request sends one LISTEN or UNLISTEN and waits for its RESPONSE.
func (c *Client) request(ctx context.Context, typ string, topics []string, token string) error {
	nonce := uuid.NewString()
	data, err := json.Marshal(Request{
		Type:  typ,
		Nonce: nonce,
		Data:  &RequestData{Topics: topics, AuthToken: token},
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}

	w := c.pending.add(nonce, typ, topics)
	if err := c.conn.Send(data); err != nil {
		c.pending.remove(nonce)
		return fmt.Errorf("send %s: %w", typ, err)
	}

	c.logger.Debug("request sent", "type", typ, "nonce", nonce, "topics", len(topics))
	return c.pending.wait(ctx, nonce, w, c.cfg.ResponseTimeout)
}

func (c *Client) claim(owner string, topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var claimed []string
	for _, t := range topics {
		if _, busy := c.inflight[t]; busy {
			continue
		}
		c.inflight[t] = owner
		claimed = append(claimed, t)
	}
	return claimed
}

func (c *Client) release(owner string, topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if c.inflight[t] == owner {
			delete(c.inflight, t)
		}
	}
}

func (c *Client) replay(ctx context.Context) {
	owner := uuid.NewString()
	topics := c.claim(owner, c.ledger.Pending())
	defer c.release(owner, topics)
	if len(topics) == 0 {
		return
	}

	c.logger.Info("replaying topics", "count", len(topics))
	if err := c.listen(ctx, topics); err != nil {
		c.logger.Warn("replay incomplete", "error", err)
	}
}

func batches(topics []string) [][]string {
	var out [][]string
	for start := 0; start < len(topics); start += maxTopicsPerRequest {
		out = append(out, topics[start:min(start+maxTopicsPerRequest, len(topics))])
	}
	return out
}

// protocol is the connection.Protocol view of a Client.
type protocol Client

func (p *protocol) client() *Client { return (*Client)(p) }

func (p *protocol) Handshake(context.Context, connection.Session) error {
	return nil
}

func (p *protocol) Ping() []byte {
	return pingFrame
}

// Opened replays on its own goroutine: replies arrive on the read loop.
func (p *protocol) Opened(ctx context.Context) {
	go p.client().replay(ctx)
}

func (p *protocol) Closed(err error) {
	c := p.client()

	c.mu.Lock()
	c.epoch++
	c.ledger.ResetAcknowledged()
	clear(c.inflight)
	c.mu.Unlock()

	if n := c.pending.failAll(ErrConnectionLost); n > 0 {
		c.logger.Debug("failed outstanding requests", "count", n)
	}
}
