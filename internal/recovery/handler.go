// Package recovery turns per-message decryption failures into bounded,
// per-peer cryptographic session resets.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
	"github.com/nexustechpro/nexusbot-sub001/internal/transport"
)

// ProbeSender delivers a zero-length probe to a peer over a session's live
// connection, triggering fresh key exchange on the remote side.
type ProbeSender interface {
	SendProbe(ctx context.Context, sessionID, peerID string) error
}

// KeyStore is the slice of the credential store a reset needs: flush any
// buffered writes, then drop every key file except the credential record.
type KeyStore interface {
	Flush()
	DeleteExceptCredentials(sessionID string) error
}

// Guard is the per-session mutual exclusion between decryption recovery
// and disconnect handling. Satisfied by *reconnect.Engine.
type Guard interface {
	TryAcquire(sessionID string) bool
	Release(sessionID string)
}

// Result is the outcome of handling one decryption failure.
type Result struct {
	// Recovered means a reset or probe was performed and the peer is
	// expected to re-establish.
	Recovered bool
	// ShouldSkip means the triggering message must be discarded.
	ShouldSkip bool
	Reason     string
}

// Config tunes the handler. Zero values take the defaults.
type Config struct {
	// Cooldown is the minimum gap between resets for one peer.
	Cooldown time.Duration
	// MaxAttempts caps resets per peer before giving up on it.
	MaxAttempts int
	// SweepInterval is how often stale tracking entries are dropped.
	SweepInterval time.Duration
	// EntryTTL is how long an untouched tracking entry survives.
	EntryTTL time.Duration
	// ProbeTimeout bounds each probe send.
	ProbeTimeout time.Duration
}

func (c *Config) fill() {
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}

	if c.EntryTTL <= 0 {
		c.EntryTTL = time.Hour
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
}

// entry tracks reset history for one (session, peer) pair.
type entry struct {
	attempts  int
	lastReset time.Time
	lastSeen  time.Time
}

// Handler classifies decryption failures and resets per-peer session state
// for the recoverable classes, under cooldown and attempt caps.
type Handler struct {
	cfg     Config
	store   KeyStore
	probes  ProbeSender
	guard   Guard
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[string]*entry
}

// NewHandler builds a handler. probes is installed later via BindProbes
// because the session manager that sends probes is constructed after the
// handler.
func NewHandler(cfg Config, store KeyStore, guard Guard, logger *slog.Logger, m *metrics.Metrics) *Handler {
	cfg.fill()

	return &Handler{
		cfg:     cfg,
		store:   store,
		guard:   guard,
		logger:  logger,
		metrics: m,
		peers:   make(map[string]*entry),
	}
}

// BindProbes installs the probe sender.
func (h *Handler) BindProbes(p ProbeSender) {
	h.probes = p
}

// Classify maps a decryption error onto its failure class. A wrapped
// DecryptionFailure is trusted as-is; otherwise the error text is matched
// against the phrases the protocol library uses.
func Classify(err error) apperrors.DecryptKind {
	if err == nil {
		return apperrors.DecryptUnknown
	}

	var df *apperrors.DecryptionFailure
	if errors.As(err, &df) {
		return df.Kind
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "bad mac"), strings.Contains(msg, "mac verification failed"):
		return apperrors.DecryptBadMac
	case strings.Contains(msg, "no session"), strings.Contains(msg, "no sender key"),
		strings.Contains(msg, "session record not found"):
		return apperrors.DecryptNoSession
	case strings.Contains(msg, "old counter"), strings.Contains(msg, "counter replay"):
		return apperrors.DecryptCounterReplay
	case strings.Contains(msg, "duplicate"):
		return apperrors.DecryptDuplicate
	default:
		return apperrors.DecryptUnknown
	}
}

// Handle processes one decryption failure for a message on a session.
func (h *Handler) Handle(ctx context.Context, sessionID string, err error, msg transport.MessageContext) Result {
	kind := Classify(err)

	switch kind {
	case apperrors.DecryptCounterReplay, apperrors.DecryptDuplicate:
		// Expected under normal jitter, not worth a log line.
		return Result{ShouldSkip: true, Reason: kind.String()}

	case apperrors.DecryptUnknown:
		h.logger.Warn("unclassified decryption failure, skipping message",
			slog.String("session_id", sessionID),
			slog.String("message_id", msg.MessageID),
			slog.Any("error", err))

		return Result{ShouldSkip: true, Reason: "unknown"}

	case apperrors.DecryptNoSession:
		return h.probe(ctx, sessionID, msg)

	case apperrors.DecryptBadMac:
		return h.reset(ctx, sessionID, msg)

	default:
		return Result{ShouldSkip: true, Reason: "unknown"}
	}
}

// probe requests fresh key material from the peer without touching any
// persisted state.
func (h *Handler) probe(ctx context.Context, sessionID string, msg transport.MessageContext) Result {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	if err := h.probes.SendProbe(pctx, sessionID, msg.SenderID); err != nil {
		h.logger.Warn("key material probe failed",
			slog.String("session_id", sessionID),
			slog.String("peer_id", msg.SenderID),
			slog.Any("error", err))

		return Result{ShouldSkip: true, Reason: "probe_failed"}
	}

	h.metrics.IncRecovery("probe")

	return Result{Recovered: true, ShouldSkip: true, Reason: "probe_sent"}
}

// reset handles the BadMac class: wipe the session's key material (keeping
// credentials) and probe the peer, under the per-peer cooldown and cap.
func (h *Handler) reset(ctx context.Context, sessionID string, msg transport.MessageContext) Result {
	key := sessionID + "/" + msg.SenderID
	now := time.Now()

	h.mu.Lock()
	e, ok := h.peers[key]
	if !ok {
		e = &entry{}
		h.peers[key] = e
	}
	e.lastSeen = now

	if !e.lastReset.IsZero() && now.Sub(e.lastReset) < h.cfg.Cooldown {
		h.mu.Unlock()
		h.logger.Info("peer reset suppressed by cooldown",
			slog.String("session_id", sessionID),
			slog.String("peer_id", msg.SenderID),
			slog.Duration("since_last", now.Sub(e.lastReset)))

		return Result{ShouldSkip: true, Reason: "cooldown"}
	}

	if e.attempts >= h.cfg.MaxAttempts {
		h.mu.Unlock()
		h.logger.Warn("peer reset cap reached, giving up on peer",
			slog.String("session_id", sessionID),
			slog.String("peer_id", msg.SenderID),
			slog.Int("attempts", e.attempts))

		return Result{ShouldSkip: true, Reason: "attempts_exhausted"}
	}

	if !h.guard.TryAcquire(sessionID) {
		h.mu.Unlock()

		return Result{ShouldSkip: true, Reason: "reconnect_in_flight"}
	}

	e.attempts++
	e.lastReset = now
	attempt := e.attempts
	h.mu.Unlock()

	defer h.guard.Release(sessionID)

	h.logger.Info("resetting cryptographic session for peer",
		slog.String("session_id", sessionID),
		slog.String("peer_id", msg.SenderID),
		slog.Int("attempt", attempt))

	h.store.Flush()

	if err := h.store.DeleteExceptCredentials(sessionID); err != nil {
		h.logger.Error("key material wipe failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err))

		return Result{ShouldSkip: true, Reason: "reset_failed"}
	}

	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	if err := h.probes.SendProbe(pctx, sessionID, msg.SenderID); err != nil {
		h.logger.Warn("post-reset probe failed, peer will rebuild on next inbound",
			slog.String("session_id", sessionID),
			slog.String("peer_id", msg.SenderID),
			slog.Any("error", err))
	}

	h.metrics.IncRecovery("reset")

	return Result{Recovered: true, ShouldSkip: true, Reason: "session_reset"}
}

// Sweep drops tracking entries untouched for longer than EntryTTL and
// returns how many were removed.
func (h *Handler) Sweep() int {
	cutoff := time.Now().Add(-h.cfg.EntryTTL)

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0

	for key, e := range h.peers {
		if e.lastSeen.Before(cutoff) {
			delete(h.peers, key)
			removed++
		}
	}

	return removed
}

// RunSweeper runs the periodic sweep until ctx is cancelled.
func (h *Handler) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.Debug("swept stale recovery entries", slog.Int("removed", n))
			}
		}
	}
}
