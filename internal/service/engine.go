package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"github.com/kursadbilgin/bulk-dispatcher/internal/ledger"
	"github.com/kursadbilgin/bulk-dispatcher/internal/observability"
	"github.com/kursadbilgin/bulk-dispatcher/internal/pacing"
	"github.com/kursadbilgin/bulk-dispatcher/internal/provider"
	"github.com/kursadbilgin/bulk-dispatcher/internal/queue"
	"github.com/kursadbilgin/bulk-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/bulk-dispatcher/internal/render"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout       = 60 * time.Second
	defaultConnectTimeout    = 10 * time.Minute
	defaultPausePollInterval = 6 * time.Second
	defaultSendCapKey        = "whatsapp"
	bookkeepingTimeout       = 5 * time.Second
)

// errHaltedBeforeSend marks a deliver call that was cut short by stop or
// shutdown before the transport was reached.
var errHaltedBeforeSend = errors.New("run halted before send")

// SessionManager is the part of the session lifecycle the engine depends on.
type SessionManager interface {
	EnsureSession(ctx context.Context, credentialsDir string) error
	WaitConnected(ctx context.Context) error
	Connectivity() (domain.ConnectivityPhase, string)
}

// RunRecorder keeps a history of runs. It is optional.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) error
	FinishRun(ctx context.Context, id string, phase domain.RunPhase, runErr *string, finishedAt time.Time) error
}

// EngineDeps are the collaborators of an Engine. Session, Transport and
// LedgerStore are required.
type EngineDeps struct {
	Session     SessionManager
	Transport   provider.Transport
	LedgerStore ledger.Store
	Renderer    render.Renderer
	Limiter     ratelimit.RateLimiter
	Publisher   queue.Publisher
	Recorder    RunRecorder
}

type EngineSettings struct {
	CredentialsDir    string
	SendTimeout       time.Duration
	ConnectTimeout    time.Duration
	PausePollInterval time.Duration
	Pacing            pacing.Policy
	SendCapKey        string
}

// Engine runs one dispatch at a time. The send loop is the only writer of
// run state; Pause, Resume and Stop only flip flags and wake the loop.
type Engine struct {
	session   SessionManager
	transport provider.Transport
	store     ledger.Store
	renderer  render.Renderer
	limiter   ratelimit.RateLimiter
	publisher queue.Publisher
	recorder  RunRecorder
	settings  EngineSettings
	logger    *zap.Logger
	metrics   *observability.Metrics

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	randInt63n func(n int64) int64
	newRunID   func() string
	statFile   func(path string) error

	mu             sync.Mutex
	phase          domain.RunPhase
	runID          string
	activity       domain.Activity
	pauseRequested bool
	stopRequested  bool
	progress       domain.Progress
	current        *domain.CurrentContact
	lastWarning    string
	lastError      string
	startedAt      *time.Time
	finishedAt     *time.Time
	cancelRun      context.CancelFunc
	ledger         *ledger.Ledger
	signal         chan struct{}
}

// activeRun is the loop-local state of one run.
type activeRun struct {
	id     string
	cfg    domain.RunConfig
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func NewEngine(deps EngineDeps, settings EngineSettings, logger *zap.Logger) (*Engine, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.LedgerStore == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if err := settings.Pacing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pacing policy: %w", err)
	}
	if deps.Renderer == nil {
		deps.Renderer = render.NewTemplateRenderer()
	}
	if deps.Publisher == nil {
		deps.Publisher = queue.NopPublisher{}
	}
	if settings.SendTimeout <= 0 {
		settings.SendTimeout = defaultSendTimeout
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = defaultConnectTimeout
	}
	if settings.PausePollInterval <= 0 {
		settings.PausePollInterval = defaultPausePollInterval
	}
	if strings.TrimSpace(settings.SendCapKey) == "" {
		settings.SendCapKey = defaultSendCapKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		session:    deps.Session,
		transport:  deps.Transport,
		store:      deps.LedgerStore,
		renderer:   deps.Renderer,
		limiter:    deps.Limiter,
		publisher:  deps.Publisher,
		recorder:   deps.Recorder,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepWithContext,
		randInt63n: rand.Int63n,
		newRunID:   uuid.NewString,
		statFile:   statFile,
		phase:      domain.PhaseIdle,
		activity:   domain.ActivityIdle,
		signal:     make(chan struct{}),
	}, nil
}

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Start runs cfg to completion and blocks until the run ends. It returns nil
// for Completed and Stopped runs and the cause for runs that end in Error.
func (e *Engine) Start(ctx context.Context, cfg domain.RunConfig) error {
	run, err := e.begin(ctx, cfg)
	if err != nil {
		return err
	}
	return e.execute(run)
}

// StartAsync starts cfg in the background. The returned channel receives the
// run's result once and is then closed.
func (e *Engine) StartAsync(ctx context.Context, cfg domain.RunConfig) (string, <-chan error, error) {
	run, err := e.begin(ctx, cfg)
	if err != nil {
		return "", nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- e.execute(run)
	}()
	return run.id, done, nil
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != domain.PhaseRunning || e.stopRequested || e.pauseRequested {
		return
	}
	e.pauseRequested = true
	e.phase = domain.PhasePaused
	e.notifyLocked()
	e.logger.Info("pause requested", zap.String("runId", e.runID))
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pauseRequested || !e.phase.IsActive() {
		return
	}
	e.pauseRequested = false
	e.phase = domain.PhaseRunning
	e.notifyLocked()
	e.logger.Info("resume requested", zap.String("runId", e.runID))
}

// Stop ends the active run at its next checkpoint. Pending delays and a pause
// wait are cut short; an in-flight send is not.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.phase.IsActive() || e.stopRequested {
		return
	}
	e.stopRequested = true
	e.pauseRequested = false
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.notifyLocked()
	e.logger.Info("stop requested", zap.String("runId", e.runID))
}

// Status returns a snapshot of the run merged with the session's connectivity.
func (e *Engine) Status() domain.DispatchStatus {
	e.mu.Lock()
	status := domain.DispatchStatus{
		RunID:          e.runID,
		Phase:          e.phase,
		Activity:       e.activity,
		Running:        e.phase.IsActive(),
		PauseRequested: e.pauseRequested,
		StopRequested:  e.stopRequested,
		Progress:       e.progress,
		LastWarning:    e.lastWarning,
		LastError:      e.lastError,
		StartedAt:      copyTime(e.startedAt),
		FinishedAt:     copyTime(e.finishedAt),
	}
	if e.current != nil {
		current := *e.current
		status.CurrentContact = &current
	}
	led := e.ledger
	e.mu.Unlock()

	if led != nil {
		status.LedgerSize = led.Size()
	}
	status.Connectivity, status.QRCode = e.session.Connectivity()
	return status
}

func (e *Engine) begin(ctx context.Context, cfg domain.RunConfig) (*activeRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := e.renderer.Validate(cfg.Message); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	e.mu.Lock()
	if e.phase.IsActive() {
		e.mu.Unlock()
		return nil, domain.ErrAlreadyRunning
	}

	runID := e.newRunID()
	runCtx, cancel := context.WithCancel(observability.WithRunID(ctx, runID))
	startedAt := e.now().UTC()

	e.runID = runID
	e.phase = domain.PhaseRunning
	e.activity = domain.ActivityAwaitingConnection
	e.pauseRequested = false
	e.stopRequested = false
	e.progress = domain.Progress{Total: len(cfg.Contacts)}
	e.current = nil
	e.lastWarning = ""
	e.lastError = ""
	e.startedAt = &startedAt
	e.finishedAt = nil
	e.cancelRun = cancel
	e.notifyLocked()
	e.mu.Unlock()

	run := &activeRun{
		id:     runID,
		cfg:    cfg,
		ctx:    runCtx,
		cancel: cancel,
		logger: observability.WithContextLogger(e.logger, runCtx),
	}

	if e.recorder != nil {
		record := &domain.Run{
			ID:        runID,
			Phase:     domain.PhaseRunning,
			Total:     len(cfg.Contacts),
			Message:   cfg.Message,
			StartedAt: startedAt,
		}
		if cfg.AttachmentPath != "" {
			attachment := cfg.AttachmentPath
			record.AttachmentPath = &attachment
		}
		e.bookkeeping(run, "create run record", func(ctx context.Context) error {
			return e.recorder.CreateRun(ctx, record)
		})
	}

	run.logger.Info("dispatch run started",
		zap.Int("contacts", len(cfg.Contacts)),
		zap.Bool("attachment", cfg.AttachmentPath != ""),
	)
	return run, nil
}

func (e *Engine) execute(run *activeRun) error {
	defer run.cancel()

	led, pacer, err := e.setup(run)
	if err != nil {
		if e.halted(run) {
			e.finish(run, domain.PhaseStopped, nil)
			return nil
		}
		e.finish(run, domain.PhaseError, err)
		return err
	}

	total := len(run.cfg.Contacts)
	for i, raw := range run.cfg.Contacts {
		if e.halted(run) {
			e.finish(run, domain.PhaseStopped, nil)
			return nil
		}

		number := domain.NormalizeRecipient(raw)
		if number == "" {
			run.logger.Warn("contact has no digits, skipping", zap.Int("index", i+1))
			e.recordOutcome(run, strings.TrimSpace(raw), domain.OutcomeSkippedInvalid, nil)
			continue
		}

		if led.Contains(number) {
			run.logger.Info("already sent, skipping", zap.String("recipient", number))
			e.recordOutcome(run, number, domain.OutcomeSkippedLedger, nil)
			continue
		}

		if err := e.awaitConnected(run, run.ctx); err != nil {
			if e.halted(run) {
				e.finish(run, domain.PhaseStopped, nil)
				return nil
			}
			e.finish(run, domain.PhaseError, err)
			return err
		}

		valid, err := e.checkRecipient(run, number)
		if err != nil {
			run.logger.Warn("recipient check failed, skipping", zap.String("recipient", number), zap.Error(err))
			e.recordOutcome(run, number, domain.OutcomeFailed, err)
			if provider.IsLoggedOut(err) {
				err = fmt.Errorf("%w: %w", domain.ErrLoggedOut, err)
				e.finish(run, domain.PhaseError, err)
				return err
			}
			continue
		}
		if !valid {
			run.logger.Warn("recipient is not on the network, skipping", zap.String("recipient", number))
			e.recordOutcome(run, number, domain.OutcomeSkippedInvalid, nil)
			continue
		}

		e.waitWhilePaused(run)
		if e.halted(run) {
			e.finish(run, domain.PhaseStopped, nil)
			return nil
		}

		e.setCurrent(number, i+1, total)
		if err := e.deliver(run, number, i+1, total, led); err != nil {
			if errors.Is(err, errHaltedBeforeSend) {
				e.finish(run, domain.PhaseStopped, nil)
				return nil
			}
			run.logger.Error("send failed", zap.String("recipient", number), zap.Error(err))
			e.recordOutcome(run, number, domain.OutcomeFailed, err)
			if provider.IsLoggedOut(err) {
				err = fmt.Errorf("%w: %w", domain.ErrLoggedOut, err)
				e.finish(run, domain.PhaseError, err)
				return err
			}
		}

		e.setActivity(domain.ActivityPacing)
		_ = e.sleep(run.ctx, pacer.NextDelay())
		if e.halted(run) {
			e.finish(run, domain.PhaseStopped, nil)
			return nil
		}

		if breakFor, ok := pacer.RecordSend(); ok {
			run.logger.Info("taking a long break", zap.Duration("duration", breakFor))
			e.metrics.IncLongBreak()
			e.setActivity(domain.ActivityLongBreak)
			_ = e.sleep(run.ctx, breakFor)
		}
	}

	if e.halted(run) {
		e.finish(run, domain.PhaseStopped, nil)
		return nil
	}
	e.finish(run, domain.PhaseCompleted, nil)
	return nil
}

func (e *Engine) setup(run *activeRun) (*ledger.Ledger, *pacing.Pacer, error) {
	pacer, err := pacing.NewPacer(e.settings.Pacing, e.randInt63n)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pacing policy: %w", err)
	}

	led, err := ledger.Open(run.ctx, e.store)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	e.ledger = led
	e.mu.Unlock()

	if err := e.session.EnsureSession(run.ctx, e.settings.CredentialsDir); err != nil {
		return nil, nil, err
	}

	connectCtx, cancel := context.WithTimeout(run.ctx, e.settings.ConnectTimeout)
	defer cancel()

	if err := e.awaitConnected(run, connectCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && run.ctx.Err() == nil {
			return nil, nil, fmt.Errorf("session did not connect within %s: %w", e.settings.ConnectTimeout, domain.ErrNotConnected)
		}
		return nil, nil, err
	}

	return led, pacer, nil
}

func (e *Engine) awaitConnected(run *activeRun, ctx context.Context) error {
	if phase, _ := e.session.Connectivity(); phase == domain.ConnectivityConnected {
		return nil
	}

	e.setActivity(domain.ActivityAwaitingConnection)
	run.logger.Info("waiting for session to connect")
	if err := e.session.WaitConnected(ctx); err != nil {
		return err
	}
	e.setActivity(domain.ActivitySending)
	return nil
}

func (e *Engine) checkRecipient(run *activeRun, number string) (bool, error) {
	ctx, cancel := e.callContext(run)
	defer cancel()
	return e.transport.IsValidRecipient(ctx, number)
}

func (e *Engine) deliver(run *activeRun, number string, index, total int, led *ledger.Ledger) error {
	text, err := e.renderer.Render(run.cfg.Message, render.Recipient{Number: number, Index: index, Total: total})
	if err != nil {
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(run.ctx, e.settings.SendCapKey); err != nil {
			if run.ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errHaltedBeforeSend, err)
			}
			return fmt.Errorf("send cap wait failed: %w", err)
		}
	}

	msg := provider.Message{Text: text}
	if path := run.cfg.AttachmentPath; path != "" {
		if err := e.statFile(path); err != nil {
			warning := fmt.Sprintf("attachment %q not found, sent text only", path)
			run.logger.Warn(warning, zap.Error(err))
			e.setWarning(warning)
		} else {
			msg.AttachmentPath = path
		}
	}

	ctx, cancel := e.callContext(run)
	defer cancel()

	sendStart := e.now()
	err = e.transport.Send(ctx, number, msg)
	e.metrics.ObserveSendDuration(e.now().Sub(sendStart))
	if err != nil {
		return err
	}

	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(run.ctx), bookkeepingTimeout)
	defer recordCancel()
	if err := led.Record(recordCtx, number); err != nil {
		run.logger.Error("ledger persist failed, entry kept in memory", zap.String("recipient", number), zap.Error(err))
		e.setWarning("ledger persist failed: " + err.Error())
	}

	run.logger.Info("message sent", zap.String("recipient", number), zap.Int("index", index), zap.Int("total", total))
	e.recordOutcome(run, number, domain.OutcomeSent, nil)
	return nil
}

// waitWhilePaused blocks between contacts while a pause is requested, waking
// every PausePollInterval or as soon as a control command arrives.
func (e *Engine) waitWhilePaused(run *activeRun) {
	for {
		e.mu.Lock()
		if !e.pauseRequested || e.stopRequested {
			if e.activity == domain.ActivityPaused {
				e.activity = domain.ActivitySending
			}
			e.mu.Unlock()
			return
		}
		e.activity = domain.ActivityPaused
		signal := e.signal
		e.mu.Unlock()

		timer := time.NewTimer(e.settings.PausePollInterval)
		select {
		case <-run.ctx.Done():
			timer.Stop()
			return
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Engine) recordOutcome(run *activeRun, recipient string, outcome domain.Outcome, cause error) {
	e.mu.Lock()
	switch outcome {
	case domain.OutcomeSent:
		e.progress.Sent++
	case domain.OutcomeFailed:
		e.progress.Failed++
	default:
		e.progress.Skipped++
	}
	progress := e.progress
	e.mu.Unlock()

	switch outcome {
	case domain.OutcomeSent:
		e.metrics.IncMessageSent()
	case domain.OutcomeFailed:
		e.metrics.IncMessageFailed(provider.FailureReason(cause))
	case domain.OutcomeSkippedLedger:
		e.metrics.IncMessageSkipped("ledger")
	case domain.OutcomeSkippedInvalid:
		e.metrics.IncMessageSkipped("invalid")
	}

	event := queue.DispatchEvent{
		RunID:      run.id,
		Recipient:  recipient,
		Outcome:    outcome,
		OccurredAt: e.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if recipient != "" {
		e.bookkeeping(run, "publish dispatch event", func(ctx context.Context) error {
			return e.publisher.Publish(ctx, event)
		})
	}

	if e.recorder != nil {
		e.bookkeeping(run, "update run progress", func(ctx context.Context) error {
			return e.recorder.UpdateProgress(ctx, run.id, progress)
		})
	}
}

func (e *Engine) finish(run *activeRun, phase domain.RunPhase, runErr error) {
	finishedAt := e.now().UTC()

	e.mu.Lock()
	e.phase = phase
	e.activity = domain.ActivityIdle
	e.pauseRequested = false
	e.current = nil
	e.finishedAt = &finishedAt
	e.cancelRun = nil
	if runErr != nil {
		e.lastError = runErr.Error()
	}
	progress := e.progress
	e.notifyLocked()
	e.mu.Unlock()

	e.metrics.IncRunFinished(string(phase))

	if e.recorder != nil {
		var errText *string
		if runErr != nil {
			value := runErr.Error()
			errText = &value
		}
		e.bookkeeping(run, "finish run record", func(ctx context.Context) error {
			return e.recorder.FinishRun(ctx, run.id, phase, errText, finishedAt)
		})
	}

	fields := []zap.Field{
		zap.String("phase", phase.String()),
		zap.Int("sent", progress.Sent),
		zap.Int("skipped", progress.Skipped),
		zap.Int("failed", progress.Failed),
		zap.Int("total", progress.Total),
	}
	if runErr != nil {
		run.logger.Error("dispatch run failed", append(fields, zap.Error(runErr))...)
		return
	}
	run.logger.Info("dispatch run finished", fields...)
}

// halted reports whether the run must end at the current checkpoint, either
// because Stop was called or because the process is shutting down.
func (e *Engine) halted(run *activeRun) bool {
	e.mu.Lock()
	stop := e.stopRequested
	e.mu.Unlock()
	return stop || run.ctx.Err() != nil
}

// callContext detaches a transport call from stop and shutdown so an
// in-flight call always completes, bounded by SendTimeout.
func (e *Engine) callContext(run *activeRun) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(run.ctx), e.settings.SendTimeout)
}

func (e *Engine) bookkeeping(run *activeRun, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), bookkeepingTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		run.logger.Warn(op+" failed", zap.Error(err))
	}
}

func (e *Engine) setCurrent(number string, index, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = &domain.CurrentContact{Number: number, Index: index, Total: total}
	e.activity = domain.ActivitySending
}

func (e *Engine) setActivity(activity domain.Activity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activity = activity
}

func (e *Engine) setWarning(warning string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastWarning = warning
}

func (e *Engine) notifyLocked() {
	close(e.signal)
	e.signal = make(chan struct{})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}

func statFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
