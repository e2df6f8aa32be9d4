// Package session keeps the chat transport connected on behalf of the
// dispatch engine: it tracks QR challenges, reconnects after transient drops
// and lets callers wait for the connected state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"github.com/kursadbilgin/bulk-dispatcher/internal/observability"
	"github.com/kursadbilgin/bulk-dispatcher/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 2 * time.Minute
	defaultConfirm     = 30 * time.Second
)

var ErrReconnectExhausted = errors.New("session reconnect attempts exhausted")

// ReconnectPolicy bounds automatic reconnects after a transient disconnect.
// MaxAttempts counts consecutive connect attempts without reaching the
// connected state; the first attempt is immediate, later ones back off
// exponentially from BaseDelay up to MaxDelay. An accepted connect only
// counts as recovered once the transport reports the session back within
// ConfirmTimeout.
type ReconnectPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConfirmTimeout time.Duration
}

type Manager struct {
	transport provider.Transport
	policy    ReconnectPolicy
	logger    *zap.Logger
	metrics   *observability.Metrics
	sleep     func(ctx context.Context, d time.Duration) error

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopOnce   sync.Once
	wg         sync.WaitGroup

	mu             sync.Mutex
	active         bool
	credentialsDir string
	connectivity   domain.ConnectivityPhase
	qrCode         string
	attempts       int
	reconnecting   bool
	terminalErr    error
	changed        chan struct{}
}

func NewManager(transport provider.Transport, policy ReconnectPolicy, logger *zap.Logger) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = max(defaultMaxDelay, policy.BaseDelay)
	}
	if policy.ConfirmTimeout <= 0 {
		policy.ConfirmTimeout = defaultConfirm
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Manager{
		transport:    transport,
		policy:       policy,
		logger:       logger,
		sleep:        sleepWithContext,
		loopCtx:      loopCtx,
		loopCancel:   loopCancel,
		connectivity: domain.ConnectivityDisconnected,
		changed:      make(chan struct{}),
	}, nil
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// EnsureSession reuses a live session or establishes a new one. Events are
// subscribed before the transport is asked to connect.
func (m *Manager) EnsureSession(ctx context.Context, credentialsDir string) error {
	m.loopOnce.Do(func() {
		m.wg.Add(1)
		go m.consumeEvents()
	})

	m.mu.Lock()
	if m.active && m.terminalErr == nil {
		m.mu.Unlock()
		return nil
	}
	m.active = true
	m.credentialsDir = credentialsDir
	m.terminalErr = nil
	m.attempts = 0
	m.connectivity = domain.ConnectivityDisconnected
	m.qrCode = ""
	m.notifyLocked()
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, credentialsDir); err != nil {
		m.mu.Lock()
		m.active = false
		m.notifyLocked()
		m.mu.Unlock()
		return fmt.Errorf("failed to establish session: %w", err)
	}

	m.logger.Info("session establishment requested", zap.String("credentialsDir", credentialsDir))
	return nil
}

// WaitConnected blocks until the session is connected, has failed terminally,
// or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		m.mu.Lock()
		switch {
		case m.terminalErr != nil:
			err := m.terminalErr
			m.mu.Unlock()
			return err
		case m.connectivity == domain.ConnectivityConnected:
			m.mu.Unlock()
			return nil
		case !m.active:
			m.mu.Unlock()
			return domain.ErrNotConnected
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Connectivity returns the current connectivity phase and pending QR challenge.
func (m *Manager) Connectivity() (domain.ConnectivityPhase, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity, m.qrCode
}

// Err returns the terminal failure of the session, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

func (m *Manager) Close() error {
	m.loopCancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) consumeEvents() {
	defer m.wg.Done()

	events := m.transport.Events()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handle(event)
		}
	}
}

func (m *Manager) handle(event provider.Event) {
	switch event.Type {
	case provider.EventQRChallenge:
		m.mu.Lock()
		if event.QRCode == "" || event.QRCode == m.qrCode {
			m.mu.Unlock()
			return
		}
		m.qrCode = event.QRCode
		m.connectivity = domain.ConnectivityAwaitingScan
		m.notifyLocked()
		m.mu.Unlock()
		m.logger.Info("qr challenge pending, scan it to log in")

	case provider.EventConnected:
		m.mu.Lock()
		m.qrCode = ""
		m.attempts = 0
		m.connectivity = domain.ConnectivityConnected
		m.notifyLocked()
		m.mu.Unlock()
		m.logger.Info("session connected")

	case provider.EventDisconnected:
		m.mu.Lock()
		m.connectivity = domain.ConnectivityDisconnected
		if event.LoggedOut {
			m.active = false
			m.terminalErr = domain.ErrLoggedOut
			m.notifyLocked()
			m.mu.Unlock()
			m.logger.Warn("session logged out, operator must re-authenticate", zap.String("reason", event.Reason))
			return
		}
		m.notifyLocked()
		if m.reconnecting || !m.active {
			m.mu.Unlock()
			return
		}
		m.reconnecting = true
		m.mu.Unlock()

		m.logger.Warn("session disconnected, reconnecting", zap.String("reason", event.Reason))
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				m.reconnect()

				// A drop that landed after reconnect returned was not acted on.
				m.mu.Lock()
				again := m.active && m.terminalErr == nil &&
					m.connectivity == domain.ConnectivityDisconnected && m.loopCtx.Err() == nil
				if !again {
					m.reconnecting = false
				}
				m.mu.Unlock()
				if !again {
					return
				}
			}
		}()
	}
}

// reconnect runs off the event loop so connectivity events keep flowing while
// it waits for an accepted connect to be confirmed.
func (m *Manager) reconnect() {
	for {
		m.mu.Lock()
		if !m.active || m.terminalErr != nil || m.connectivity != domain.ConnectivityDisconnected {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		dir := m.credentialsDir
		if attempt > m.policy.MaxAttempts {
			m.active = false
			m.terminalErr = fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.policy.MaxAttempts)
			m.notifyLocked()
			m.mu.Unlock()
			m.logger.Error("giving up on session reconnect", zap.Int("attempts", m.policy.MaxAttempts))
			return
		}
		m.mu.Unlock()

		if attempt > 1 {
			if err := m.sleep(m.loopCtx, m.backoff(attempt-1)); err != nil {
				return
			}
		}

		m.metrics.IncReconnect()
		err := m.transport.Connect(m.loopCtx, dir)
		if m.loopCtx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("session reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if m.awaitRecovery() {
			return
		}
		if m.loopCtx.Err() != nil {
			return
		}
		m.logger.Warn("session still down after reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("waited", m.policy.ConfirmTimeout),
		)
	}
}

// awaitRecovery reports whether the session left the disconnected state
// (connected, or waiting on a QR scan) within ConfirmTimeout.
func (m *Manager) awaitRecovery() bool {
	timer := time.NewTimer(m.policy.ConfirmTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		recovered := m.connectivity != domain.ConnectivityDisconnected || m.terminalErr != nil || !m.active
		changed := m.changed
		m.mu.Unlock()
		if recovered {
			return true
		}

		select {
		case <-m.loopCtx.Done():
			return false
		case <-timer.C:
			return false
		case <-changed:
		}
	}
}

func (m *Manager) backoff(step int) time.Duration {
	delay := m.policy.BaseDelay
	for i := 1; i < step; i++ {
		delay *= 2
		if delay >= m.policy.MaxDelay {
			return m.policy.MaxDelay
		}
	}
	return delay
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
