// Package connmgr implements the connection manager: the state machine
// that drives DNS resolution, TCP connect, TLS handshake, and WebSocket
// upgrade for a single upstream attempt, and schedules exponentially
// backed-off reconnects while remaining safely cancellable.
//
// Resolution, dialing, and the WS handshake are injected as capability
// functions so the state machine can be driven in tests without a real
// socket, per the cooperative-state-machine design this package follows.
package connmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradefeed/internal/model"

	"github.com/gorilla/websocket"
)

// State is one stage of the connection manager's lifecycle.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateTLSHandshake
	StateWSHandshake
	StateReading
	StateReconnectWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateWSHandshake:
		return "ws_handshake"
	case StateReading:
		return "reading"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds everything one connection's lifetime needs. The supervisor
// builds a fresh Config (and a fresh Manager) for every connection "life".
type Config struct {
	Host             string
	Port             string
	TradePairs       []string // already lowercased, per config.Load
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // 0 disables the read deadline
	BaseRetry        time.Duration
	MaxRetry         time.Duration
	MaxRetryAttempts int
}

// wsConn is the subset of *websocket.Conn the manager depends on, kept as
// an interface so tests can substitute a fake reader.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type resolveFunc func(ctx context.Context, host string) ([]string, error)
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
type tlsHandshakeFunc func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
type wsHandshakeFunc func(ctx context.Context, conn net.Conn, hostHeader, target string) (wsConn, error)

// Manager drives a single upstream connection through
// resolve -> connect -> TLS -> WS upgrade -> read, reconnecting with
// exponential backoff on any stage's error.
type Manager struct {
	cfg Config

	// OnTrade is called for every successfully parsed, valid trade.
	OnTrade func(model.Trade)
	// OnParseError is called for frames that fail to parse or validate;
	// the read loop continues without reconnecting.
	OnParseError func(raw []byte, err error)
	// OnReconnect is called each time a reconnect is scheduled, with the
	// stage reason ("resolve", "connect", "sni", "ssl_handshake",
	// "ws_handshake", "read").
	OnReconnect func(reason string)
	// OnConnected is called once the WS upgrade succeeds.
	OnConnected func()
	// OnRetryExhausted is called the moment the retry counter first
	// reaches cfg.MaxRetryAttempts; it fires once per saturation, not on
	// every subsequent attempt while still saturated.
	OnRetryExhausted func()
	// Log receives level/message pairs; nil is safe (messages are dropped).
	Log func(level, msg string)

	resolve resolveFunc
	dial    dialFunc
	tlsHS   tlsHandshakeFunc
	wsHS    wsHandshakeFunc

	mu           sync.Mutex
	state        State
	retryAttempt int
	generation   uint64
	conn         wsConn
	stopped      bool
}

// New creates a Manager bound to cfg, using real DNS/TCP/TLS/WS.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		resolve: defaultResolve,
		dial:    defaultDial,
		tlsHS:   defaultTLSHandshake,
		wsHS:    defaultWSHandshake,
	}
}

// BuildStreamTarget is the pure stream-path builder: empty input yields
// "/stream?streams="; otherwise each pair is joined with "/<p>@trade".
// The WS_HS stage substitutes "/" for an empty pair list instead of
// calling this function — see the caller in attempt().
func BuildStreamTarget(pairs []string) string {
	var b strings.Builder
	b.WriteString("/stream?streams=")
	for i, p := range pairs {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(p)
		b.WriteString("@trade")
	}
	return b.String()
}

// ComputeBackoff returns min(max, base*2^min(attempt,5)).
func ComputeBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := base * time.Duration(uint64(1)<<uint(attempt))
	if d > max {
		d = max
	}
	return d
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryAttempt returns the current intra-connection retry counter.
func (m *Manager) RetryAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryAttempt
}

// Run drives the connection lifecycle — connect, read, reconnect on error
// — until ctx is cancelled or Stop is called. It returns then, never
// before.
func (m *Manager) Run(ctx context.Context) {
	for {
		if m.isStopped() || ctx.Err() != nil {
			m.setState(StateClosed)
			return
		}

		gen := m.beginAttempt()
		reason, err := m.attempt(ctx, gen)
		if err == nil {
			m.setState(StateClosed)
			return
		}

		delay := ComputeBackoff(m.cfg.BaseRetry, m.cfg.MaxRetry, m.RetryAttempt())
		m.logf("ERROR", "connection error (%s): %v, reconnecting in %s", reason, err, delay)
		if m.OnReconnect != nil {
			m.OnReconnect(reason)
		}

		m.setState(StateReconnectWait)
		select {
		case <-ctx.Done():
			m.setState(StateClosed)
			return
		case <-time.After(delay):
		}
		if m.isStopped() {
			m.setState(StateClosed)
			return
		}
		m.advanceRetryAttempt()
	}
}

// Stop tears down any open connection and marks the manager stopped. Safe
// to call from any state, and safe to call concurrently with Run — any
// in-flight stage observes that its generation is stale and returns
// without progressing the state machine.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.generation++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) attempt(ctx context.Context, gen uint64) (reason string, err error) {
	m.setState(StateResolving)
	addrs, err := m.resolve(ctx, m.cfg.Host)
	if !m.stillCurrent(gen) {
		return "", nil
	}
	if err != nil {
		return "resolve", err
	}
	if len(addrs) == 0 {
		return "resolve", fmt.Errorf("no addresses for %s", m.cfg.Host)
	}

	m.setState(StateConnecting)
	addr := net.JoinHostPort(addrs[0], m.cfg.Port)
	conn, err := m.dial(ctx, "tcp", addr)
	if !m.stillCurrent(gen) {
		if conn != nil {
			conn.Close()
		}
		return "", nil
	}
	if err != nil {
		return "connect", err
	}

	if m.cfg.Host == "" {
		conn.Close()
		return "sni", fmt.Errorf("cannot set SNI: empty host")
	}

	hsCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.HandshakeTimeout > 0 {
		hsCtx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	m.setState(StateTLSHandshake)
	tlsConn, err := m.tlsHS(hsCtx, conn, m.cfg.Host)
	if !m.stillCurrent(gen) {
		conn.Close()
		return "", nil
	}
	if err != nil {
		conn.Close()
		return "ssl_handshake", err
	}

	m.setState(StateWSHandshake)
	target := "/"
	if len(m.cfg.TradePairs) > 0 {
		target = BuildStreamTarget(m.cfg.TradePairs)
	}
	hostHeader := m.cfg.Host + ":" + m.cfg.Port
	ws, err := m.wsHS(hsCtx, tlsConn, hostHeader, target)
	if !m.stillCurrent(gen) {
		tlsConn.Close()
		return "", nil
	}
	if err != nil {
		tlsConn.Close()
		return "ws_handshake", err
	}

	if !m.onConnected(gen, ws) {
		return "", nil
	}
	m.logf("INFO", "connected, streaming trades...")
	if m.OnConnected != nil {
		m.OnConnected()
	}

	return m.readLoop(ctx, gen, ws)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, ws wsConn) (string, error) {
	m.setState(StateReading)
	for {
		if m.cfg.IdleTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
		}
		_, raw, err := ws.ReadMessage()
		if !m.stillCurrent(gen) {
			return "", nil
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return "", nil
			default:
			}
			return "read", err
		}

		trade, perr := model.ParseTrade(raw)
		if perr != nil {
			if m.OnParseError != nil {
				m.OnParseError(raw, perr)
			}
			continue
		}
		if m.OnTrade != nil {
			m.OnTrade(trade)
		}
	}
}

func (m *Manager) beginAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.generation
}

func (m *Manager) stillCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.stopped
}

func (m *Manager) onConnected(gen uint64, ws wsConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.stopped {
		ws.Close()
		return false
	}
	m.conn = ws
	m.retryAttempt = 0
	return true
}

func (m *Manager) advanceRetryAttempt() {
	m.mu.Lock()
	justSaturated := false
	if m.retryAttempt < m.cfg.MaxRetryAttempts {
		m.retryAttempt++
		justSaturated = m.retryAttempt == m.cfg.MaxRetryAttempts
	}
	m.mu.Unlock()
	if justSaturated && m.OnRetryExhausted != nil {
		m.OnRetryExhausted()
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) logf(level, format string, args ...any) {
	if m.Log == nil {
		return
	}
	m.Log(level, fmt.Sprintf(format, args...))
}

func defaultResolve(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

func defaultTLSHandshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func defaultWSHandshake(ctx context.Context, conn net.Conn, hostHeader, target string) (wsConn, error) {
	u, err := url.Parse("wss://" + hostHeader + target)
	if err != nil {
		return nil, err
	}
	c, resp, err := websocket.NewClient(conn, u, http.Header{}, 0, 0)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return c, nil
}
