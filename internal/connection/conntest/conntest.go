// Package conntest provides in-process servers for exercising transports
// and protocol clients in tests.
package conntest

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every wait in this package.
const DefaultTimeout = 2 * time.Second

// LineServer is a TLS listener for CRLF line protocols.
type LineServer struct {
	Addr string

	listener net.Listener
	roots    *x509.CertPool
	conns    chan *LineConn
	wg       sync.WaitGroup
}

// NewLineServer starts a TLS line server on a loopback port. It is closed
// when the test ends.
func NewLineServer(t testing.TB) *LineServer {
	t.Helper()

	// Borrow httptest's self-signed certificate.
	hs := httptest.NewUnstartedServer(http.NotFoundHandler())
	hs.StartTLS()
	serverTLS := hs.TLS.Clone()
	roots := x509.NewCertPool()
	roots.AddCert(hs.Certificate())
	hs.Close()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &LineServer{
		Addr:     ln.Addr().String(),
		listener: ln,
		roots:    roots,
		conns:    make(chan *LineConn, 16),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// ClientTLS returns a client config that trusts the server certificate.
func (s *LineServer) ClientTLS() *tls.Config {
	return &tls.Config{RootCAs: s.roots, MinVersion: tls.VersionTLS12}
}

// Accept waits for the next client connection.
func (s *LineServer) Accept(t testing.TB) *LineConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out waiting for a line client")
		return nil
	}
}

// Close stops listening. Accepted connections are left to their owners.
func (s *LineServer) Close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *LineServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		lc := &LineConn{conn: conn, lines: make(chan string, 256), done: make(chan struct{})}
		go lc.readLoop()
		s.conns <- lc
	}
}

// LineConn is the server side of one line client.
type LineConn struct {
	conn  net.Conn
	lines chan string
	done  chan struct{}
	once  sync.Once
}

// ReadLine returns the next line the client sent, without CRLF.
func (c *LineConn) ReadLine(t testing.TB) string {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			t.Fatal("client connection closed")
		}
		return line
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

// ExpectLine reads lines until one has the given prefix, failing on timeout.
func (c *LineConn) ExpectLine(t testing.TB, prefix string) string {
	t.Helper()
	for {
		line := c.ReadLine(t)
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

// Lines exposes the raw line channel. It is closed when the client hangs up.
func (c *LineConn) Lines() <-chan string {
	return c.lines
}

// Write sends raw bytes.
func (c *LineConn) Write(raw string) error {
	_, err := c.conn.Write([]byte(raw))
	return err
}

// WriteLine sends one CRLF-terminated line.
func (c *LineConn) WriteLine(line string) error {
	return c.Write(line + "\r\n")
}

// Close hangs up.
func (c *LineConn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *LineConn) readLoop() {
	defer close(c.lines)
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		select {
		case c.lines <- strings.TrimRight(line, "\r\n"):
		case <-c.done:
			return
		}
	}
}

// WSServer is a WebSocket server that hands each upgraded connection to
// the test.
type WSServer struct {
	*httptest.Server
	conns  chan *WSConn
	refuse atomic.Int32
}

// NewWSServer starts a WebSocket server. It is closed when the test ends.
func NewWSServer(t testing.TB) *WSServer {
	t.Helper()

	s := &WSServer{conns: make(chan *WSConn, 16)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.takeRefusal() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := &WSConn{
			conn:   conn,
			reads:  make(chan []byte, 256),
			done:   make(chan struct{}),
			Header: r.Header.Clone(),
		}
		go wc.readLoop()
		s.conns <- wc
		<-wc.done
	}))
	t.Cleanup(func() {
		s.CloseClientConnections()
		s.Close()
	})
	return s
}

// Refuse makes the next n upgrade requests fail with 503.
func (s *WSServer) Refuse(n int) {
	s.refuse.Store(int32(n))
}

func (s *WSServer) takeRefusal() bool {
	for {
		n := s.refuse.Load()
		if n <= 0 {
			return false
		}
		if s.refuse.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// URL returns the ws:// URL of the server.
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Accept waits for the next client connection.
func (s *WSServer) Accept(t testing.TB) *WSConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out waiting for a websocket client")
		return nil
	}
}

// WSConn is the server side of one WebSocket client.
type WSConn struct {
	Header http.Header

	conn    *websocket.Conn
	reads   chan []byte
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

// Read returns the next message the client sent.
func (c *WSConn) Read(t testing.TB) []byte {
	t.Helper()
	select {
	case data, ok := <-c.reads:
		if !ok {
			t.Fatal("client connection closed")
		}
		return data
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out waiting for a websocket message")
		return nil
	}
}

// Reads exposes the raw message channel. It is closed when the client
// hangs up.
func (c *WSConn) Reads() <-chan []byte {
	return c.reads
}

// Write sends one text message.
func (c *WSConn) Write(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Close hangs up without a close handshake.
func (c *WSConn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSConn) readLoop() {
	defer close(c.reads)
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.reads <- data:
		case <-c.done:
			return
		}
	}
}
