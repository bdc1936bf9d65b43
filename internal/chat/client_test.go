package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/twitchkit/internal/auth"
	"github.com/rickgao/twitchkit/internal/backoff"
	"github.com/rickgao/twitchkit/internal/connection"
	"github.com/rickgao/twitchkit/internal/connection/conntest"
	"github.com/rickgao/twitchkit/internal/router"
)

type fakeSource struct {
	mu     sync.Mutex
	tokens []string
	idx    int
	forced []string
	kind   auth.Kind
	scopes []string
}

func (s *fakeSource) cred() auth.Credential {
	return auth.Credential{
		AccessToken: s.tokens[s.idx],
		Validation:  auth.Validation{Login: "SomeBot", Scopes: s.scopes},
	}
}

func (s *fakeSource) Current(ctx context.Context) (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred(), nil
}

func (s *fakeSource) ForceNew(ctx context.Context, rejected auth.Credential) (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, rejected.AccessToken)
	if s.idx < len(s.tokens)-1 {
		s.idx++
	}
	return s.cred(), nil
}

func (s *fakeSource) Kind() auth.Kind {
	if s.kind == "" {
		return auth.KindRefresh
	}
	return s.kind
}

type eventLog struct {
	ch chan router.Event
}

func (e *eventLog) HandleEvent(ev router.Event) { e.ch <- ev }

func (e *eventLog) next(t *testing.T, kind router.Kind) router.Event {
	t.Helper()
	deadline := time.After(conntest.DefaultTimeout)
	for {
		select {
		case ev := <-e.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
			return router.Event{}
		}
	}
}

func newTestClient(t *testing.T, srv *conntest.LineServer, mutate func(*Config)) (*Client, *eventLog) {
	t.Helper()
	cfg := Config{
		Address:       srv.Addr,
		TLS:           srv.ClientTLS(),
		DialTimeout:   time.Second,
		AutoReconnect: true,
		Backoff:       backoff.Config{Unit: 20 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	log := &eventLog{ch: make(chan router.Event, 256)}
	c.AddListener(log)
	t.Cleanup(c.Close)
	return c, log
}

// login reads the handshake and welcomes the client. It returns the
// handshake lines.
func login(t *testing.T, s *conntest.LineConn) []string {
	t.Helper()
	var lines []string
	for {
		line := s.ReadLine(t)
		lines = append(lines, line)
		if strings.HasPrefix(line, "NICK ") {
			break
		}
	}
	nick := strings.TrimPrefix(lines[len(lines)-1], "NICK ")
	s.WriteLine(":tmi.twitch.tv CAP * ACK :twitch.tv/tags twitch.tv/commands twitch.tv/membership")
	s.WriteLine(":tmi.twitch.tv 001 " + nick + " :Welcome, GLHF!\r\n:tmi.twitch.tv 002 " + nick + " :Your host is tmi.twitch.tv")
	return lines
}

func connect(t *testing.T, c *Client, srv *conntest.LineServer) (*conntest.LineConn, []string) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	s := srv.Accept(t)
	lines := login(t, s)
	if err := <-errc; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s, lines
}

func TestClient_AnonymousLogin(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, _ := newTestClient(t, srv, nil)

	_, lines := connect(t, c, srv)

	if len(lines) != 2 {
		t.Fatalf("handshake = %q, want CAP and NICK only", lines)
	}
	if lines[0] != "CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership" {
		t.Errorf("CAP line = %q", lines[0])
	}
	if !strings.HasPrefix(c.Nick(), "justinfan") {
		t.Errorf("Nick() = %q", c.Nick())
	}
	if err := c.Say(context.Background(), "chan", "hi"); !errors.Is(err, ErrAnonymous) {
		t.Errorf("Say() error = %v, want ErrAnonymous", err)
	}
}

func TestClient_AuthenticatedLogin(t *testing.T) {
	srv := conntest.NewLineServer(t)
	src := &fakeSource{tokens: []string{"tok1"}}
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Source = src })

	s, lines := connect(t, c, srv)

	if !slices.Contains(lines, "PASS oauth:tok1") {
		t.Errorf("handshake = %q, want PASS oauth:tok1", lines)
	}
	if lines[len(lines)-1] != "NICK somebot" {
		t.Errorf("NICK line = %q", lines[len(lines)-1])
	}

	if err := c.Say(context.Background(), "#SomeChannel", "hello\nworld"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	if got := s.ExpectLine(t, "PRIVMSG"); got != "PRIVMSG #somechannel :hello world" {
		t.Errorf("PRIVMSG line = %q", got)
	}
}

func TestClient_LoginFailureRefreshesCredential(t *testing.T) {
	srv := conntest.NewLineServer(t)
	src := &fakeSource{tokens: []string{"stale", "fresh"}}
	c, log := newTestClient(t, srv, func(cfg *Config) { cfg.Source = src })

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	first := srv.Accept(t)
	first.ExpectLine(t, "NICK ")
	first.WriteLine(":tmi.twitch.tv NOTICE * :Login authentication failed")

	if err := <-errc; !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("Connect() error = %v, want ErrUnauthorized", err)
	}
	first.Close()

	second := srv.Accept(t)
	lines := login(t, second)
	if !slices.Contains(lines, "PASS oauth:fresh") {
		t.Errorf("retry handshake = %q, want the fresh token", lines)
	}
	log.next(t, router.KindOpened)

	src.mu.Lock()
	forced := slices.Clone(src.forced)
	src.mu.Unlock()
	if !slices.Equal(forced, []string{"stale"}) {
		t.Errorf("ForceNew rejected = %v, want [stale]", forced)
	}
}

func TestClient_InteractiveLoginFailureOnReconnectGivesUp(t *testing.T) {
	srv := conntest.NewLineServer(t)
	src := &fakeSource{tokens: []string{"tok1", "tok2"}, kind: auth.KindInteractive}
	c, log := newTestClient(t, srv, func(cfg *Config) { cfg.Source = src })

	s, _ := connect(t, c, srv)
	log.next(t, router.KindOpened)
	s.Close()
	log.next(t, router.KindClosed)

	again := srv.Accept(t)
	again.ExpectLine(t, "NICK ")
	again.WriteLine(":tmi.twitch.tv NOTICE * :Login authentication failed")

	gave := log.next(t, router.KindReconnectGaveUp)
	if !errors.Is(gave.Err, auth.ErrUnauthorized) || !errors.Is(gave.Err, connection.ErrPermanent) {
		t.Errorf("gave-up error = %v, want ErrUnauthorized and ErrPermanent", gave.Err)
	}
	if gave.Attempt != 1 {
		t.Errorf("gave-up attempt = %d, want 1", gave.Attempt)
	}

	src.mu.Lock()
	forced := len(src.forced)
	src.mu.Unlock()
	if forced != 0 {
		t.Errorf("ForceNew called %d times on reconnect, want 0", forced)
	}
	if c.State() != connection.StateClosed {
		t.Errorf("State() = %v", c.State())
	}
}

func TestClient_JoinAckIgnoredAfterDrop(t *testing.T) {
	c := New(Config{})
	c.ledger.Add("alpha")

	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	// The connection the JOIN went out on closes before the ack lands.
	(*protocol)(c).Closed(errors.New("connection reset"))
	c.ack(epoch, []string{"alpha"})

	if c.ledger.IsAcknowledged("alpha") {
		t.Error("alpha acknowledged for a closed connection")
	}
	if got := c.ledger.Pending(); !slices.Equal(got, []string{"alpha"}) {
		t.Errorf("Pending() = %v, want [alpha] for the next rejoin", got)
	}
}

func TestClient_CancelReconnect(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, log := newTestClient(t, srv, func(cfg *Config) {
		cfg.Backoff = backoff.Config{Unit: time.Hour}
	})
	s, _ := connect(t, c, srv)
	log.next(t, router.KindOpened)

	// Nothing scheduled: no effect.
	c.CancelReconnect()
	c.CancelReconnect()
	if c.State() != connection.StateOpen {
		t.Fatalf("State() = %v", c.State())
	}

	srv.Close()
	s.Close()
	log.next(t, router.KindClosed)
	log.next(t, router.KindReconnectStarted) // immediate attempt fails
	log.next(t, router.KindReconnectStarted)

	c.CancelReconnect()
	c.CancelReconnect()
	if c.conn.Attempt() != 0 {
		t.Errorf("Attempt() = %d after CancelReconnect", c.conn.Attempt())
	}
	if c.State() != connection.StateClosed {
		t.Errorf("State() = %v", c.State())
	}
}

func TestClient_JoinConnectsAndRejoins(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, log := newTestClient(t, srv, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.Join(context.Background(), "#Alpha", "beta") }()

	s := srv.Accept(t)
	login(t, s)
	if got := s.ExpectLine(t, "JOIN"); got != "JOIN #alpha,#beta" {
		t.Errorf("JOIN line = %q", got)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := c.Joined(); !slices.Equal(got, []string{"alpha", "beta"}) {
		t.Errorf("Joined() = %v", got)
	}

	// Joining again while open sends only the new channel.
	if err := c.Join(context.Background(), "gamma", "alpha"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := s.ExpectLine(t, "JOIN"); got != "JOIN #gamma" {
		t.Errorf("JOIN line = %q", got)
	}

	if err := c.Part(context.Background(), "beta"); err != nil {
		t.Fatalf("Part() error = %v", err)
	}
	if got := s.ExpectLine(t, "PART"); got != "PART #beta" {
		t.Errorf("PART line = %q", got)
	}

	// Drop: acknowledged is cleared, desired kept, and the reconnect rejoins.
	s.Close()
	log.next(t, router.KindClosed)

	again := srv.Accept(t)
	login(t, again)
	if got := again.ExpectLine(t, "JOIN"); got != "JOIN #alpha,#gamma" {
		t.Errorf("rejoin line = %q", got)
	}
	log.next(t, router.KindReconnectSucceeded)

	if got := c.Joined(); !slices.Equal(got, c.Channels()) {
		t.Errorf("Joined() = %v, Channels() = %v", got, c.Channels())
	}
}

func TestClient_ServerPartMarksUnjoined(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, log := newTestClient(t, srv, nil)
	s, _ := connect(t, c, srv)

	if err := c.Join(context.Background(), "alpha", "beta"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	s.ExpectLine(t, "JOIN")

	// Another user leaving changes nothing.
	s.WriteLine(":someone!someone@someone.tmi.twitch.tv PART #beta")
	log.next(t, router.KindMessage)
	nick := c.Nick()
	s.WriteLine(":" + nick + "!" + nick + "@" + nick + ".tmi.twitch.tv PART #alpha")
	log.next(t, router.KindMessage)

	snap := c.Subscriptions()
	if !slices.Equal(snap.Desired, []string{"alpha", "beta"}) || !slices.Equal(snap.Acknowledged, []string{"beta"}) {
		t.Errorf("Subscriptions() = %+v", snap)
	}

	s.Close()
	log.next(t, router.KindClosed)
	again := srv.Accept(t)
	login(t, again)
	if got := again.ExpectLine(t, "JOIN"); got != "JOIN #alpha,#beta" {
		t.Errorf("rejoin line = %q", got)
	}
}

func TestClient_SayWithoutChatEdit(t *testing.T) {
	srv := conntest.NewLineServer(t)
	src := &fakeSource{tokens: []string{"tok"}, scopes: []string{"chat:read"}}
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Source = src })
	connect(t, c, srv)

	if err := c.Say(context.Background(), "chan", "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Say() error = %v, want ErrReadOnly", err)
	}
}

func TestClient_InboundRouting(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, log := newTestClient(t, srv, nil)
	s, _ := connect(t, c, srv)

	s.WriteLine("PING :tmi.twitch.tv")
	if got := s.ExpectLine(t, "PONG"); got != "PONG :tmi.twitch.tv" {
		t.Errorf("PONG line = %q", got)
	}

	s.Write("@display-name=Viewer :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #Chan :hel")
	s.Write("lo\r\n")

	ev := log.next(t, router.KindMessage)
	for ev.Payload.(Message).Command != "PRIVMSG" {
		ev = log.next(t, router.KindMessage)
	}
	msg := ev.Payload.(Message)
	if ev.Topic != "chan" || msg.Text() != "hello" || msg.Tags["display-name"] != "Viewer" {
		t.Errorf("message event topic=%q text=%q tags=%v", ev.Topic, msg.Text(), msg.Tags)
	}
	if c.Stats().Probes != 1 {
		t.Errorf("Probes = %d, want 1", c.Stats().Probes)
	}
}

func TestClient_ServerReconnect(t *testing.T) {
	srv := conntest.NewLineServer(t)
	c, log := newTestClient(t, srv, nil)
	s, _ := connect(t, c, srv)
	log.next(t, router.KindOpened)

	s.WriteLine(":tmi.twitch.tv RECONNECT")
	closed := log.next(t, router.KindClosed)
	if !errors.Is(closed.Err, connection.ErrReconnectRequested) {
		t.Errorf("closed error = %v", closed.Err)
	}

	login(t, srv.Accept(t))
	log.next(t, router.KindReconnectSucceeded)
	if c.State() != connection.StateOpen {
		t.Errorf("State() = %v", c.State())
	}
}

func TestClient_SayRateLimited(t *testing.T) {
	srv := conntest.NewLineServer(t)
	src := &fakeSource{tokens: []string{"tok"}}
	c, _ := newTestClient(t, srv, func(cfg *Config) {
		cfg.Source = src
		cfg.RateLimit = 1
		cfg.RateWindow = 80 * time.Millisecond
		cfg.RateBurst = 1
	})
	connect(t, c, srv)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.Say(context.Background(), "chan", "x"); err != nil {
			t.Fatalf("Say() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("three messages took %v, want >= 150ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Say(ctx, "chan", "x"); err == nil {
		t.Error("Say with cancelled context succeeded")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line  string
		class router.Class
		topic string
	}{
		{"PING :tmi.twitch.tv", router.ClassProbe, ""},
		{":tmi.twitch.tv PONG tmi.twitch.tv :tmi.twitch.tv", router.ClassKeepaliveAck, ""},
		{":tmi.twitch.tv RECONNECT", router.ClassReconnect, ""},
		{":a!a@a.tmi.twitch.tv PRIVMSG #Chan :x", router.ClassEvent, "chan"},
		{":tmi.twitch.tv 376 bot :>", router.ClassEvent, ""},
	}
	for _, tt := range tests {
		f, err := classify([]byte(tt.line))
		if err != nil {
			t.Fatalf("classify(%q) error = %v", tt.line, err)
		}
		if f.Class != tt.class || f.Topic != tt.topic {
			t.Errorf("classify(%q) = %v/%q, want %v/%q", tt.line, f.Class, f.Topic, tt.class, tt.topic)
		}
	}
	if _, err := classify([]byte(":only.prefix")); err == nil {
		t.Error("classify accepted a line without a command")
	}
}
