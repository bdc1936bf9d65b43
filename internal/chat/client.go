package chat

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/twitchkit/internal/auth"
	"github.com/rickgao/twitchkit/internal/backoff"
	"github.com/rickgao/twitchkit/internal/connection"
	"github.com/rickgao/twitchkit/internal/router"
	"github.com/rickgao/twitchkit/internal/subscription"
)

const (
	// DefaultAddress is the TLS chat endpoint.
	DefaultAddress = "irc.chat.twitch.tv:6697"

	// Family is the decoder family for every chat line.
	Family = "irc"

	// ScopeChatEdit lets a credential send chat messages.
	ScopeChatEdit = "chat:edit"

	keepaliveProbe = "PING :tmi.twitch.tv"
	anonymousNick  = "justinfan"
	joinBatch      = 20
)

var (
	ErrAnonymous = errors.New("anonymous connection cannot send messages")
	ErrNoNick    = errors.New("no nick configured and credential has no login")
	ErrReadOnly  = errors.New("credential lacks the " + ScopeChatEdit + " scope")
)

// DefaultCapabilities are requested during the handshake.
var DefaultCapabilities = []string{"twitch.tv/tags", "twitch.tv/commands", "twitch.tv/membership"}

// Config configures a chat Client.
type Config struct {
	Address string
	TLS     *tls.Config
	Nick    string

	// Source supplies the user credential. Nil logs in anonymously.
	Source       auth.Source
	Capabilities []string

	RateLimit  int
	RateWindow time.Duration
	RateBurst  int

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

// Client is a chat connection with channel membership that survives
// reconnects.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	bus     *router.Bus
	router  *router.Router
	conn    *connection.Conn
	ledger  *subscription.Ledger
	limiter *rate.Limiter

	mu        sync.RWMutex
	nick      string
	anonymous bool
	readOnly  bool   // validated scopes exclude chat:edit
	epoch     uint64 // closed connections so far
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = DefaultCapabilities
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "chat"),
		bus:     router.NewBus(cfg.Dispatcher),
		ledger:  subscription.NewLedger(subscription.ChatChannel),
		limiter: newLimiter(cfg.RateLimit, cfg.RateWindow, cfg.RateBurst),
	}

	c.router = router.New(router.Config{
		Source:     "chat",
		Classifier: router.ClassifierFunc(classify),
		Bus:        c.bus,
		Logger:     c.logger,
	})
	c.router.RegisterDecoder(Family, router.DecoderFunc(decode))
	c.bus.Listen(router.ListenerFunc(c.trackMembership))

	c.conn = connection.New(connection.Config{
		Name: "chat",
		NewTransport: func() connection.Transport {
			return connection.NewLineTransport(connection.LineConfig{
				Addr:         cfg.Address,
				TLS:          cfg.TLS,
				DialTimeout:  cfg.DialTimeout,
				WriteTimeout: cfg.WriteTimeout,
			}, c.logger)
		},
		NewFramer:         func() router.Framer { return router.NewLineSplitter() },
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

func newLimiter(limit int, window time.Duration, burst int) *rate.Limiter {
	if limit <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), burst)
}

// AddListener registers l for chat events.
func (c *Client) AddListener(l router.Listener) (remove func()) {
	return c.bus.Listen(l)
}

// Connect opens the connection and joins every desired channel.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection and cancels any pending reconnect.
// Desired channels are kept for the next Connect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close disconnects and stops event delivery.
func (c *Client) Close() {
	c.conn.Disconnect()
	c.bus.Close()
}

// CancelReconnect stops a pending reconnect. The connection stays closed
// until the next Connect or Join.
func (c *Client) CancelReconnect() {
	c.conn.CancelReconnect()
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Nick returns the nick used for the current or last login.
func (c *Client) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

// Stats returns routing counters.
func (c *Client) Stats() router.Stats {
	return c.router.Stats()
}

// Join adds channels. If the connection is open they are joined now;
// otherwise the connection is opened and joins them on the way up.
func (c *Client) Join(ctx context.Context, channels ...string) error {
	added := c.ledger.Add(channels...)
	if len(added) == 0 {
		return nil
	}
	if c.conn.State() != connection.StateOpen {
		if err := c.conn.EnsureOpen(ctx); err != nil {
			return err
		}
	}

	// Opening replays pending channels; send whatever it did not cover.
	var unsent []string
	for _, ch := range added {
		if c.ledger.IsDesired(ch) && !c.ledger.IsAcknowledged(ch) {
			unsent = append(unsent, ch)
		}
	}
	if len(unsent) == 0 {
		return nil
	}
	return c.sendJoin(unsent)
}

// Part removes channels and leaves them if connected.
func (c *Client) Part(ctx context.Context, channels ...string) error {
	removed := c.ledger.Remove(channels...)
	if len(removed) == 0 || c.conn.State() != connection.StateOpen {
		return nil
	}
	return c.sendBatched("PART", removed)
}

// Say sends text to channel, waiting for the rate limiter.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	c.mu.RLock()
	anonymous, readOnly := c.anonymous, c.readOnly
	c.mu.RUnlock()
	if anonymous {
		return ErrAnonymous
	}
	if readOnly {
		return ErrReadOnly
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	line := "PRIVMSG #" + c.ledger.Normalize(channel) + " :" + sanitize(text)
	return c.conn.Send([]byte(line))
}

// Joined returns channels the client has joined on the current connection.
func (c *Client) Joined() []string {
	return c.ledger.Acknowledged()
}

// Channels returns every desired channel.
func (c *Client) Channels() []string {
	return c.ledger.Desired()
}

// Subscriptions returns desired and joined channels in one read.
func (c *Client) Subscriptions() subscription.Snapshot {
	return c.ledger.Snapshot()
}

// trackMembership marks a channel unjoined when the server parts this
// login from it. The channel stays desired and is joined on the next open.
func (c *Client) trackMembership(ev router.Event) {
	if ev.Kind != router.KindMessage {
		return
	}
	msg, ok := ev.Payload.(Message)
	if !ok || msg.Command != "PART" || msg.Nick() == "" || msg.Nick() != c.Nick() {
		return
	}
	c.mu.Lock()
	c.ledger.Unack(ev.Topic)
	c.mu.Unlock()
	c.logger.Info("parted by server", "channel", ev.Topic)
}

func (c *Client) sendJoin(channels []string) error {
	var errs []error
	for start := 0; start < len(channels); start += joinBatch {
		batch := channels[start:min(start+joinBatch, len(channels))]
		c.mu.RLock()
		epoch := c.epoch
		c.mu.RUnlock()
		if err := c.sendLine("JOIN", batch); err != nil {
			errs = append(errs, err)
			continue
		}
		c.ack(epoch, batch)
	}
	return errors.Join(errs...)
}

// ack marks channels joined unless the connection has closed since epoch
// was read.
func (c *Client) ack(epoch uint64, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.ledger.Ack(channels...)
	}
}

func (c *Client) sendBatched(cmd string, channels []string) error {
	var errs []error
	for start := 0; start < len(channels); start += joinBatch {
		batch := channels[start:min(start+joinBatch, len(channels))]
		if err := c.sendLine(cmd, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) sendLine(cmd string, channels []string) error {
	targets := make([]string, len(channels))
	for i, ch := range channels {
		targets[i] = "#" + ch
	}
	return c.conn.Send([]byte(cmd + " " + strings.Join(targets, ",")))
}

func sanitize(text string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
}

// protocol is the connection.Protocol view of a Client.
type protocol Client

func (p *protocol) client() *Client { return (*Client)(p) }

func (p *protocol) Handshake(ctx context.Context, s connection.Session) error {
	c := p.client()

	var (
		cred auth.Credential
		nick = c.cfg.Nick
	)
	anonymous := c.cfg.Source == nil
	if anonymous {
		nick = anonymousNick + strconv.Itoa(10000+rand.IntN(90000))
	} else {
		var err error
		cred, err = c.cfg.Source.Current(ctx)
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		if nick == "" {
			nick = cred.Validation.Login
		}
		if nick == "" {
			return ErrNoNick
		}
	}
	nick = strings.ToLower(nick)

	lines := []string{"CAP REQ :" + strings.Join(c.cfg.Capabilities, " ")}
	if !anonymous {
		lines = append(lines, "PASS oauth:"+cred.AccessToken)
	}
	lines = append(lines, "NICK "+nick)
	for _, line := range lines {
		if err := s.Send([]byte(line)); err != nil {
			return err
		}
	}

	for {
		frame, err := s.Next(ctx)
		if err != nil {
			return err
		}
		msg, err := ParseMessage(string(frame))
		if err != nil {
			continue
		}

		switch msg.Command {
		case "001":
			c.mu.Lock()
			c.nick = nick
			c.anonymous = anonymous
			c.readOnly = len(cred.Validation.Scopes) > 0 && !cred.HasScope(ScopeChatEdit)
			c.mu.Unlock()
			c.logger.Info("logged in", "nick", nick, "anonymous", anonymous)
			return nil

		case "PING":
			if err := s.Send([]byte("PONG :" + msg.Text())); err != nil {
				return err
			}

		case "NOTICE":
			if !isLoginFailure(msg.Text()) {
				continue
			}
			loginErr := fmt.Errorf("%w: %s", auth.ErrUnauthorized, msg.Text())
			if anonymous {
				return loginErr
			}
			// Interactive sources are reauthorized only from application
			// calls, never from a background reconnect.
			if connection.AttemptFrom(ctx) > 0 && c.cfg.Source.Kind() == auth.KindInteractive {
				return fmt.Errorf("%w: %w", connection.ErrPermanent, loginErr)
			}
			// The server hangs up after a failed login; the next attempt
			// uses the replacement credential.
			if _, err := c.cfg.Source.ForceNew(ctx, cred); err != nil {
				return errors.Join(loginErr, fmt.Errorf("reauthorize: %w", err))
			}
			return loginErr
		}
	}
}

func isLoginFailure(text string) bool {
	return strings.Contains(text, "Login authentication failed") ||
		strings.Contains(text, "Improperly formatted auth") ||
		strings.Contains(text, "Login unsuccessful")
}

func (p *protocol) Ping() []byte {
	return []byte(keepaliveProbe)
}

func (p *protocol) Opened(ctx context.Context) {
	c := p.client()
	pending := c.ledger.Pending()
	if len(pending) == 0 {
		return
	}
	c.logger.Info("rejoining channels", "count", len(pending))
	if err := c.sendJoin(pending); err != nil {
		c.logger.Warn("rejoin failed", "error", err)
	}
}

func (p *protocol) Closed(err error) {
	c := p.client()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.ledger.ResetAcknowledged()
}

// classify maps a chat line to its routing class.
func classify(raw []byte) (router.Frame, error) {
	msg, err := ParseMessage(string(raw))
	if err != nil {
		return router.Frame{}, err
	}

	switch msg.Command {
	case "PING":
		return router.Frame{Class: router.ClassProbe, Reply: []byte("PONG :" + msg.Text())}, nil
	case "PONG":
		return router.Frame{Class: router.ClassKeepaliveAck}, nil
	case "RECONNECT":
		return router.Frame{Class: router.ClassReconnect}, nil
	}
	return router.Frame{
		Class:   router.ClassEvent,
		Family:  Family,
		Topic:   subscription.ChatChannel(msg.Channel()),
		Payload: raw,
	}, nil
}

func decode(_ string, payload []byte) (any, error) {
	return ParseMessage(string(payload))
}
