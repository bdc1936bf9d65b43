package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/twitchkit/internal/api"
	"github.com/rickgao/twitchkit/internal/auth"
)

// loginsPerRequest is the most user_login values one request may carry.
const loginsPerRequest = 100

// Status is a live or offline transition for one login.
type Status struct {
	Login  string
	Live   bool
	Stream *api.Stream // nil when offline
	At     time.Time
}

// StatusHandler receives status transitions.
type StatusHandler interface {
	HandleStatus(s Status)
}

// StatusHandlerFunc is a function adapter for StatusHandler.
type StatusHandlerFunc func(Status)

func (f StatusHandlerFunc) HandleStatus(s Status) {
	f(s)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	Scope       auth.Scope    // Credential used for the streams endpoint
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
		Scope:       auth.ScopeApp,
	}
}

// Poller periodically checks which logins are live via the REST API.
type Poller struct {
	cfg     Config
	client  *api.Client
	logins  []string
	handler StatusHandler
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller for logins.
func New(cfg Config, client *api.Client, logins []string, handler StatusHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make([]string, 0, len(logins))
	for _, l := range logins {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			normalized = append(normalized, l)
		}
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		logins:  normalized,
		handler: handler,
		logger:  logger.With("component", "poller"),
		live:    make(map[string]bool),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("stream poller started",
		"interval", p.cfg.Interval,
		"logins", len(p.logins),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("stream poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live returns the logins currently live.
func (p *Poller) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, l := range p.logins {
		if p.live[l] {
			out = append(out, l)
		}
	}
	return out
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll fetches every batch concurrently and reports transitions. A cycle
// with any failed batch reports nothing, so an outage never reads as
// channels going offline.
func (p *Poller) pollAll() {
	start := time.Now()
	if len(p.logins) == 0 {
		p.logger.Debug("no logins to poll")
		return
	}

	var batches [][]string
	for i := 0; i < len(p.logins); i += loginsPerRequest {
		batches = append(batches, p.logins[i:min(i+loginsPerRequest, len(p.logins))])
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, max(p.cfg.Concurrency, 1))
	var wg sync.WaitGroup
	var errors atomic.Int64
	var mu sync.Mutex
	streams := make(map[string]api.Stream)

	for _, batch := range batches {
		wg.Add(1)
		go func(logins []string) {
			defer wg.Done()

			// Acquire semaphore slot.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				errors.Add(1)
				return
			}

			live, err := p.pollBatch(logins)
			if err != nil {
				p.logger.Warn("failed to poll streams", "logins", len(logins), "err", err)
				errors.Add(1)
				return
			}

			mu.Lock()
			for _, s := range live {
				streams[strings.ToLower(s.UserLogin)] = s
			}
			mu.Unlock()
		}(batch)
	}

	wg.Wait()

	if errors.Load() > 0 {
		return
	}
	p.apply(streams, start)

	p.logger.Debug("poll cycle complete",
		"logins", len(p.logins),
		"live", len(streams),
		"duration", time.Since(start),
	)
}

func (p *Poller) pollBatch(logins []string) ([]api.Stream, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	page, err := p.client.GetStreams(ctx, p.cfg.Scope, api.GetStreamsOptions{
		UserLogins: logins,
		First:      loginsPerRequest,
	})
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

// apply records the cycle's result and reports logins whose state changed.
// Logins start offline, so the first cycle reports every live one.
func (p *Poller) apply(streams map[string]api.Stream, at time.Time) {
	var changes []Status

	p.mu.Lock()
	for _, login := range p.logins {
		s, live := streams[login]
		if p.live[login] == live {
			continue
		}
		p.live[login] = live
		st := Status{Login: login, Live: live, At: at}
		if live {
			st.Stream = &s
		}
		changes = append(changes, st)
	}
	p.mu.Unlock()

	if p.handler == nil {
		return
	}
	for _, st := range changes {
		p.handler.HandleStatus(st)
	}
}
