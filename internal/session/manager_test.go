package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"github.com/kursadbilgin/bulk-dispatcher/internal/observability"
	"github.com/kursadbilgin/bulk-dispatcher/internal/provider"
)

func TestManagerQRThenConnected(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	transport.push(provider.Event{Type: provider.EventQRChallenge, QRCode: "qr-1"})
	waitFor(t, func() bool {
		phase, qr := manager.Connectivity()
		return phase == domain.ConnectivityAwaitingScan && qr == "qr-1"
	})

	transport.push(provider.Event{Type: provider.EventQRChallenge, QRCode: "qr-2"})
	waitFor(t, func() bool {
		_, qr := manager.Connectivity()
		return qr == "qr-2"
	})

	transport.push(provider.Event{Type: provider.EventConnected})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	phase, qr := manager.Connectivity()
	if phase != domain.ConnectivityConnected {
		t.Fatalf("expected connected, got %s", phase)
	}
	if qr != "" {
		t.Fatalf("expected qr cleared after connect, got %q", qr)
	}
}

func TestManagerEnsureSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
			t.Fatalf("EnsureSession() error = %v", err)
		}
	}

	if got := transport.connectCount(); got != 1 {
		t.Fatalf("expected a single connect, got %d", got)
	}
}

func TestManagerEnsureSessionConnectError(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.failConnects(1)
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	err := manager.EnsureSession(context.Background(), "auth")
	if err == nil {
		t.Fatal("expected connect error")
	}

	if err := manager.WaitConnected(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	transport.push(provider.Event{Type: provider.EventConnected})
	transport.push(provider.Event{Type: provider.EventDisconnected, Reason: "logged out", LoggedOut: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waitFor(t, func() bool { return manager.Err() != nil })

	if err := manager.WaitConnected(ctx); !errors.Is(err, domain.ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if got := transport.connectCount(); got != 1 {
		t.Fatalf("logged out session must not reconnect, got %d connects", got)
	}

	// A fresh EnsureSession starts over.
	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() after logout error = %v", err)
	}
	if manager.Err() != nil {
		t.Fatalf("expected terminal error cleared, got %v", manager.Err())
	}
	if got := transport.connectCount(); got != 2 {
		t.Fatalf("expected reconnect after new EnsureSession, got %d connects", got)
	}
}

func TestManagerReconnectsAfterTransientDrop(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	transport.push(provider.Event{Type: provider.EventConnected})
	transport.push(provider.Event{Type: provider.EventDisconnected, Reason: "connection reset"})

	waitFor(t, func() bool { return transport.connectCount() == 2 })

	phase, _ := manager.Connectivity()
	if phase != domain.ConnectivityDisconnected {
		t.Fatalf("expected disconnected until the transport reports open, got %s", phase)
	}

	transport.push(provider.Event{Type: provider.EventConnected})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}
}

func TestManagerReconnectExhausted(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	})

	manager.SetMetrics(observability.NewMetrics())

	var (
		delaysMu sync.Mutex
		delays   []time.Duration
	)
	manager.sleep = func(ctx context.Context, d time.Duration) error {
		delaysMu.Lock()
		delays = append(delays, d)
		delaysMu.Unlock()
		return nil
	}

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	transport.failConnects(10)
	transport.push(provider.Event{Type: provider.EventDisconnected, Reason: "stream error"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waitFor(t, func() bool { return manager.Err() != nil })

	if err := manager.WaitConnected(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := transport.connectCount(); got != 4 {
		t.Fatalf("expected 1 initial + 3 reconnect attempts, got %d", got)
	}

	delaysMu.Lock()
	defer delaysMu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestManagerReconnectMustBeConfirmed(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{
		MaxAttempts:    3,
		ConfirmTimeout: 20 * time.Millisecond,
	})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	transport.push(provider.Event{Type: provider.EventConnected})
	transport.push(provider.Event{Type: provider.EventDisconnected, Reason: "stream error"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitConnected(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := transport.connectCount(); got != 4 {
		t.Fatalf("expected 1 initial + 3 unconfirmed reconnects, got %d", got)
	}
}

func TestManagerGivesUpWhenGatewayStaysClosed(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		state = "open"
		posts int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path != "/v1/session" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPost {
			posts++
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	}))
	t.Cleanup(server.Close)

	gateway, err := provider.NewGatewayTransport(server.URL, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewGatewayTransport() error = %v", err)
	}
	t.Cleanup(func() { _ = gateway.Close() })

	manager := newTestManager(t, gateway, ReconnectPolicy{
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		ConfirmTimeout: 50 * time.Millisecond,
	})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	mu.Lock()
	state = "close"
	mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	waitFor(t, func() bool { return manager.Err() != nil })
	if err := manager.WaitConnected(waitCtx); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if posts != 4 {
		t.Fatalf("expected 1 initial + 3 reconnect requests, got %d", posts)
	}
}

func TestManagerWaitConnectedHonorsContext(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	manager := newTestManager(t, transport, ReconnectPolicy{MaxAttempts: 3})

	if err := manager.EnsureSession(context.Background(), "auth"); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := manager.WaitConnected(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManagerWaitConnectedWithoutSession(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newFakeTransport(), ReconnectPolicy{})

	if err := manager.WaitConnected(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerBackoffIsCapped(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newFakeTransport(), ReconnectPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
	})

	tests := []struct {
		step int
		want time.Duration
	}{
		{step: 1, want: time.Second},
		{step: 2, want: 2 * time.Second},
		{step: 3, want: 4 * time.Second},
		{step: 4, want: 5 * time.Second},
		{step: 9, want: 5 * time.Second},
	}

	for _, tt := range tests {
		if got := manager.backoff(tt.step); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.step, got, tt.want)
		}
	}
}

func TestNewManagerRequiresTransport(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(nil, ReconnectPolicy{}, nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
}

func newTestManager(t *testing.T, transport provider.Transport, policy ReconnectPolicy) *Manager {
	t.Helper()

	manager, err := NewManager(transport, policy, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	manager.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fakeTransport struct {
	events chan provider.Event

	mu          sync.Mutex
	connects    int
	failingLeft int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan provider.Event, 16)}
}

func (f *fakeTransport) push(event provider.Event) {
	f.events <- event
}

func (f *fakeTransport) failConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failingLeft = n
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) Connect(ctx context.Context, credentialsDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failingLeft > 0 {
		f.failingLeft--
		return &provider.TransportError{Message: "gateway unavailable", Transient: true}
	}
	return nil
}

func (f *fakeTransport) Events() <-chan provider.Event {
	return f.events
}

func (f *fakeTransport) IsValidRecipient(ctx context.Context, number string) (bool, error) {
	return true, nil
}

func (f *fakeTransport) Send(ctx context.Context, number string, msg provider.Message) error {
	return nil
}

func (f *fakeTransport) Close() error {
	return nil
}
