package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/twitchkit/internal/version"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

type webSocket struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan Message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewWebSocketTransport creates a WebSocket transport that delivers each
// text message as one read.
func NewWebSocketTransport(cfg WebSocketConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &webSocket{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (w *webSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrAlreadyClosed
	}
	w.mu.Unlock()

	header := w.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go w.readLoop()

	w.logger.Debug("websocket connected", "url", w.cfg.URL)
	return nil
}

func (w *webSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.connected = false
	conn := w.conn
	w.mu.Unlock()

	close(w.done)

	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	w.writeMu.Unlock()
	return conn.Close()
}

func (w *webSocket) Send(data []byte) error {
	w.mu.RLock()
	conn, connected := w.conn, w.connected
	w.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *webSocket) Messages() <-chan Message {
	return w.messages
}

func (w *webSocket) Errors() <-chan error {
	return w.errors
}

func (w *webSocket) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *webSocket) readLoop() {
	defer func() {
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
	}()

	for {
		_, data, err := w.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-w.done:
			case w.errors <- err:
			default:
			}
			return
		}

		select {
		case w.messages <- Message{Data: data, ReceivedAt: receivedAt}:
		case <-w.done:
			return
		}
	}
}
