package connmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"tradefeed/internal/model"
)

func TestBuildStreamTarget(t *testing.T) {
	if got := BuildStreamTarget(nil); got != "/stream?streams=" {
		t.Fatalf("empty: got %q", got)
	}
	if got := BuildStreamTarget([]string{"a", "b"}); got != "/stream?streams=a@trade/b@trade" {
		t.Fatalf("pairs: got %q", got)
	}
}

func TestComputeBackoffSequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := ComputeBackoff(base, max, attempt); got != w {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, w)
		}
	}
}

// fakeConn is a minimal net.Conn used to drive the manager's dial stage
// without a real socket.
type fakeConn struct {
	net.Conn
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeWSConn yields a fixed sequence of frames then blocks until closed.
type fakeWSConn struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newFakeWSConn(frames [][]byte) *fakeWSConn {
	return &fakeWSConn{frames: frames, closed: make(chan struct{})}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	if f.idx < len(f.frames) {
		frame := f.frames[f.idx]
		f.idx++
		f.mu.Unlock()
		return 1, frame, nil
	}
	f.mu.Unlock()
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeWSConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeWSConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func testConfig() Config {
	return Config{
		Host:             "example.invalid",
		Port:             "9443",
		TradePairs:       []string{"btcusdt"},
		HandshakeTimeout: time.Second,
		IdleTimeout:      0,
		BaseRetry:        10 * time.Millisecond,
		MaxRetry:         50 * time.Millisecond,
		MaxRetryAttempts: 32,
	}
}

func TestRunReadsTradesAndResetsRetryCounter(t *testing.T) {
	m := New(testConfig())
	ws := newFakeWSConn([][]byte{
		[]byte(`{"s":"BTCUSDT","p":"100","q":"1","T":1000,"m":false}`),
	})

	m.resolve = func(ctx context.Context, host string) ([]string, error) { return []string{"127.0.0.1"}, nil }
	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) { return &fakeConn{}, nil }
	m.tlsHS = func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) { return conn, nil }
	m.wsHS = func(ctx context.Context, conn net.Conn, hostHeader, target string) (wsConn, error) { return ws, nil }

	var mu sync.Mutex
	var received []model.Trade
	m.OnTrade = func(tr model.Trade) {
		mu.Lock()
		received = append(received, tr)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if m.RetryAttempt() != 0 {
		t.Fatalf("expected retry counter reset after successful handshake, got %d", m.RetryAttempt())
	}
	if m.State() != StateReading {
		t.Fatalf("expected state reading, got %s", m.State())
	}

	mu.Lock()
	n := len(received)
	mu.Unlock()
	if n != 1 || received[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected one BTCUSDT trade, got %+v", received)
	}

	m.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunReconnectsOnDialError(t *testing.T) {
	m := New(testConfig())
	m.cfg.BaseRetry = 5 * time.Millisecond
	m.cfg.MaxRetry = 20 * time.Millisecond

	var mu sync.Mutex
	var attempts int
	m.resolve = func(ctx context.Context, host string) ([]string, error) { return []string{"127.0.0.1"}, nil }
	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("dial refused")
		}
		return &fakeConn{}, nil
	}
	m.tlsHS = func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) { return conn, nil }
	ws := newFakeWSConn(nil)
	m.wsHS = func(ctx context.Context, conn net.Conn, hostHeader, target string) (wsConn, error) { return ws, nil }

	var reasons []string
	connected := make(chan struct{}, 1)
	m.OnReconnect = func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}
	m.OnConnected = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never connected after retrying dial errors")
	}
	m.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) < 2 {
		t.Fatalf("expected at least 2 reconnects, got %v", reasons)
	}
	for _, r := range reasons {
		if r != "connect" {
			t.Fatalf("expected reason connect, got %q", r)
		}
	}
}

func TestAdvanceRetryAttemptFiresOnRetryExhaustedOnce(t *testing.T) {
	m := New(testConfig())
	m.cfg.MaxRetryAttempts = 2

	var fired int
	m.OnRetryExhausted = func() { fired++ }

	m.advanceRetryAttempt()
	if fired != 0 {
		t.Fatalf("expected no fire before saturation, got %d", fired)
	}
	m.advanceRetryAttempt()
	if fired != 1 {
		t.Fatalf("expected exactly one fire at saturation, got %d", fired)
	}
	m.advanceRetryAttempt()
	if fired != 1 {
		t.Fatalf("expected no additional fire once already saturated, got %d", fired)
	}
	if got := m.RetryAttempt(); got != 2 {
		t.Fatalf("expected retry counter to stay capped at MaxRetryAttempts, got %d", got)
	}
}

func TestStopIsSafeDuringAttempt(t *testing.T) {
	m := New(testConfig())
	block := make(chan struct{})
	m.resolve = func(ctx context.Context, host string) ([]string, error) {
		<-block
		return []string{"127.0.0.1"}, nil
	}

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	m.Stop()
	close(block)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop during resolve")
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", m.State())
	}
}
