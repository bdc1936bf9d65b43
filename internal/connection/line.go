package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"
)

// LineConfig configures a TLS line transport.
type LineConfig struct {
	Addr         string // host:port
	TLS          *tls.Config
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	ReadSize     int
}

var crlf = []byte("\r\n")

type lineTransport struct {
	cfg    LineConfig
	logger *slog.Logger

	conn net.Conn

	messages chan Message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewLineTransport creates a TLS transport for a CRLF line protocol. Reads
// are delivered as raw chunks; splitting them into lines is left to a
// router.LineSplitter. Send appends the line terminator.
func NewLineTransport(cfg LineConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4096
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &lineTransport{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (l *lineTransport) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrAlreadyClosed
	}
	l.mu.Unlock()

	tlsCfg := l.cfg.TLS
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: l.cfg.DialTimeout},
		Config:    tlsCfg,
	}

	conn, err := dialer.DialContext(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	go l.readLoop()

	l.logger.Debug("line transport connected", "addr", l.cfg.Addr)
	return nil
}

func (l *lineTransport) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.connected = false
	conn := l.conn
	l.mu.Unlock()

	close(l.done)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (l *lineTransport) Send(data []byte) error {
	l.mu.RLock()
	conn, connected := l.conn, l.connected
	l.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	line := bytes.TrimRight(data, "\r\n")
	frame := make([]byte, 0, len(line)+2)
	frame = append(frame, line...)
	frame = append(frame, crlf...)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	_, err := conn.Write(frame)
	return err
}

func (l *lineTransport) Messages() <-chan Message {
	return l.messages
}

func (l *lineTransport) Errors() <-chan error {
	return l.errors
}

func (l *lineTransport) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *lineTransport) readLoop() {
	defer func() {
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
	}()

	buf := make([]byte, l.cfg.ReadSize)
	for {
		n, err := l.conn.Read(buf)
		receivedAt := time.Now()

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.messages <- Message{Data: chunk, ReceivedAt: receivedAt}:
			case <-l.done:
				return
			}
		}

		if err != nil {
			select {
			case <-l.done:
			case l.errors <- err:
			default:
			}
			return
		}
	}
}
