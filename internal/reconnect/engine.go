package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metastore"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
)

// VerifyMode selects whether credential integrity is re-checked before a
// reconnection attempt dials out.
type VerifyMode int

const (
	// VerifyFull re-validates stored credentials before dialing.
	VerifyFull VerifyMode = iota
	// VerifySkip dials without verification. Used for cause classes where
	// a session reset is already in flight and a verification pass would
	// clobber it.
	VerifySkip
)

func (v VerifyMode) String() string {
	switch v {
	case VerifyFull:
		return "full"
	case VerifySkip:
		return "skip"
	default:
		return "invalid"
	}
}

// State is the engine's view of one session's reconnection lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateReconnecting      State = "reconnecting"
	StateConnected         State = "connected"
	StatePermanentlyFailed State = "permanently_failed"
)

// Reopener re-establishes the transport connection for a session.
type Reopener interface {
	Reopen(ctx context.Context, sessionID string, verify VerifyMode) error
}

// Cleaner tears a session down after a permanent failure. wipeCredentials
// selects whether stored credentials are destroyed; notifyUser controls
// whether the owner is told the session is gone for good.
type Cleaner interface {
	Cleanup(ctx context.Context, sessionID string, wipeCredentials, notifyUser bool, cause *apperrors.ClassifiedDisconnect)
}

// Verifier checks stored credential integrity ahead of a dial.
type Verifier interface {
	VerifyCredentials(sessionID string) error
}

// Config tunes the engine's backoff and staleness behaviour.
type Config struct {
	// BackoffBase is the first-attempt delay for classifications that do
	// not carry their own base.
	BackoffBase time.Duration
	// BackoffMax caps the exponential delay between attempts.
	BackoffMax time.Duration
	// StaleAfter is how long an in-flight marker may sit before a new
	// disconnect is allowed to steamroll it.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 3 * time.Second
	}

	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}

	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
}

// marker is the per-session in-flight token. It doubles as the mutual
// exclusion flag between disconnect handling and decryption recovery.
type marker struct {
	startedAt time.Time
	timer     *time.Timer
}

// Engine turns classified disconnects into scheduled reconnection attempts.
// All per-session work is serialized through the in-flight marker map.
type Engine struct {
	cfg      Config
	table    *Table
	logger   *slog.Logger
	metrics  *metrics.Metrics
	meta     *metastore.Coordinator
	reopener Reopener
	cleaner  Cleaner
	verifier Verifier

	mu       sync.Mutex
	inflight map[string]*marker
	states   map[string]State
}

// NewEngine builds an engine over the given classification table. The
// reopener, cleaner and verifier are installed later via Bind because the
// session manager that implements them is constructed after the engine.
func NewEngine(cfg Config, table *Table, meta *metastore.Coordinator, logger *slog.Logger, m *metrics.Metrics) *Engine {
	cfg.applyDefaults()

	if table == nil {
		table = DefaultTable()
	}

	return &Engine{
		cfg:      cfg,
		table:    table,
		logger:   logger,
		metrics:  m,
		meta:     meta,
		inflight: make(map[string]*marker),
		states:   make(map[string]State),
	}
}

// Bind installs the session-facing callbacks.
func (e *Engine) Bind(r Reopener, c Cleaner, v Verifier) {
	e.reopener = r
	e.cleaner = c
	e.verifier = v
}

// StateFor reports the engine's lifecycle state for a session.
func (e *Engine) StateFor(sessionID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.states[sessionID]; ok {
		return s
	}

	return StateIdle
}

// TryAcquire claims the per-session exclusion marker. It returns false when
// another recovery or reconnection is already in flight, unless that marker
// has gone stale, in which case it is replaced.
func (e *Engine) TryAcquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tryAcquireLocked(sessionID, nil)
}

func (e *Engine) tryAcquireLocked(sessionID string, timer *time.Timer) bool {
	if m, ok := e.inflight[sessionID]; ok {
		if time.Since(m.startedAt) < e.cfg.StaleAfter {
			return false
		}

		// Abandoned marker from a crashed or wedged attempt.
		if m.timer != nil {
			m.timer.Stop()
		}

		e.logger.Warn("clearing stale in-flight marker",
			slog.String("session_id", sessionID),
			slog.Duration("age", time.Since(m.startedAt)))
	}

	e.inflight[sessionID] = &marker{startedAt: time.Now(), timer: timer}

	return true
}

// Release drops the exclusion marker for a session.
func (e *Engine) Release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.inflight[sessionID]; ok {
		if m.timer != nil {
			m.timer.Stop()
		}

		delete(e.inflight, sessionID)
	}
}

// MarkConnected records a successful connection, resetting the attempt
// counter and the lifecycle state.
func (e *Engine) MarkConnected(sessionID string) {
	e.mu.Lock()
	e.states[sessionID] = StateConnected
	e.mu.Unlock()

	e.meta.Update(sessionID, metastore.Patch{
		IsConnected:       metastore.Bool(true),
		ConnectionStatus:  metastore.Status(metastore.StatusConnected),
		ReconnectAttempts: metastore.Int(0),
	})
}

// Cancel aborts any scheduled attempt and clears state for a session. Used
// when the session is being torn down deliberately.
func (e *Engine) Cancel(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.inflight[sessionID]; ok {
		if m.timer != nil {
			m.timer.Stop()
		}

		delete(e.inflight, sessionID)
	}

	delete(e.states, sessionID)
}

// HandleDisconnect classifies a disconnect cause and either schedules a
// reconnection attempt, declares the session permanently failed, or skips
// because an attempt is already in flight.
func (e *Engine) HandleDisconnect(ctx context.Context, sessionID string, causeCode int, detail string) error {
	class, known := e.table.Lookup(causeCode)

	e.logger.Info("disconnect classified",
		slog.String("session_id", sessionID),
		slog.Int("cause_code", causeCode),
		slog.String("detail", detail),
		slog.Bool("known_cause", known),
		slog.String("classification", class.summary()))

	if class.Permanent {
		e.permanentFailure(ctx, sessionID, causeCode, detail, class)

		return nil
	}

	if !class.ShouldReconnect {
		// Neither retryable nor explicitly permanent. Treat as terminal
		// and clean up fully so the session does not linger half-dead.
		e.logger.Warn("disconnect cause is unroutable, cleaning up",
			slog.String("session_id", sessionID),
			slog.Int("cause_code", causeCode))
		e.permanentFailure(ctx, sessionID, causeCode, detail, class)

		return nil
	}

	e.mu.Lock()
	if !e.tryAcquireLocked(sessionID, nil) {
		e.mu.Unlock()
		e.logger.Info("reconnect already in flight, skipping",
			slog.String("session_id", sessionID),
			slog.Int("cause_code", causeCode))

		return apperrors.ErrReconnectInFlight
	}
	e.states[sessionID] = StateReconnecting
	e.mu.Unlock()

	e.scheduleAttempt(ctx, sessionID, causeCode, detail, class, 0)

	return nil
}

// scheduleAttempt arms the backoff timer for attempt n (zero-based). The
// caller must already hold the in-flight marker.
func (e *Engine) scheduleAttempt(ctx context.Context, sessionID string, causeCode int, detail string, class Classification, attempt int) {
	if attempt >= class.MaxAttempts {
		e.Release(sessionID)
		e.permanentFailure(ctx, sessionID, causeCode, detail, class)

		return
	}

	delay := e.backoff(class.BackoffBase, attempt)

	e.logger.Info("scheduling reconnection attempt",
		slog.String("session_id", sessionID),
		slog.Int("attempt", attempt+1),
		slog.Int("max_attempts", class.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("verify_mode", e.verifyModeFor(class).String()))

	e.meta.Update(sessionID, metastore.Patch{
		IsConnected:       metastore.Bool(false),
		ConnectionStatus:  metastore.Status(metastore.StatusReconnecting),
		ReconnectAttempts: metastore.Int(attempt + 1),
	})

	e.mu.Lock()
	m, held := e.inflight[sessionID]
	if !held {
		// Cancelled between classification and scheduling.
		e.mu.Unlock()

		return
	}

	timer := time.AfterFunc(delay, func() {
		e.runAttempt(ctx, sessionID, causeCode, detail, class, attempt, m)
	})
	m.timer = timer
	e.mu.Unlock()
}

// runAttempt fires when the backoff timer elapses. It verifies credentials
// per the classification's verify mode, then asks the reopener to dial.
func (e *Engine) runAttempt(ctx context.Context, sessionID string, causeCode int, detail string, class Classification, attempt int, owner *marker) {
	e.mu.Lock()
	if e.inflight[sessionID] != owner {
		// A cancel or steamroll replaced us while the timer was armed.
		e.mu.Unlock()

		return
	}
	e.mu.Unlock()

	verify := e.verifyModeFor(class)

	switch verify {
	case VerifyFull:
		if err := e.verifier.VerifyCredentials(sessionID); err != nil {
			e.logger.Error("credential verification failed before reconnect",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
			e.Release(sessionID)
			e.permanentFailure(ctx, sessionID, causeCode, detail, Classification{
				Description:        "credentials failed verification",
				Permanent:          true,
				CleanupCredentials: true,
				NotifyUser:         true,
			})

			return
		}
	case VerifySkip:
		// Deliberately no verification: a session reset is in flight and
		// touching the credential files here would corrupt it.
	}

	err := e.reopener.Reopen(ctx, sessionID, verify)
	if err == nil {
		e.metrics.IncReconnect("success")
		e.Release(sessionID)

		return
	}

	e.metrics.IncReconnect("failure")
	e.logger.Warn("reconnection attempt failed",
		slog.String("session_id", sessionID),
		slog.Int("attempt", attempt+1),
		slog.Any("error", err))

	e.scheduleAttempt(ctx, sessionID, causeCode, detail, class, attempt+1)
}

func (e *Engine) permanentFailure(ctx context.Context, sessionID string, causeCode int, detail string, class Classification) {
	e.mu.Lock()
	e.states[sessionID] = StatePermanentlyFailed
	if m, ok := e.inflight[sessionID]; ok {
		if m.timer != nil {
			m.timer.Stop()
		}

		delete(e.inflight, sessionID)
	}
	e.mu.Unlock()

	e.metrics.IncReconnect("permanent_failure")

	cause := &apperrors.ClassifiedDisconnect{
		CauseCode: causeCode,
		Detail:    detail,
		Permanent: true,
		Action:    class.Description,
	}

	e.logger.Error("session permanently failed",
		slog.String("session_id", sessionID),
		slog.Int("cause_code", causeCode),
		slog.Bool("cleanup_credentials", class.CleanupCredentials),
		slog.Bool("notify_user", class.NotifyUser))

	e.meta.Update(sessionID, metastore.Patch{
		IsConnected:      metastore.Bool(false),
		ConnectionStatus: metastore.Status(metastore.StatusDisconnected),
	})

	e.cleaner.Cleanup(ctx, sessionID, class.CleanupCredentials, class.NotifyUser, cause)
}

// backoff computes base * 2^attempt capped at BackoffMax.
func (e *Engine) backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = e.cfg.BackoffBase
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}

	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}

	return d
}

func (e *Engine) verifyModeFor(class Classification) VerifyMode {
	if class.SkipVerify {
		return VerifySkip
	}

	return VerifyFull
}
