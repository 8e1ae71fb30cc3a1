// Package replication mirrors the primary credential store to a secondary
// durable backend, best-effort, with a health-aware backup policy.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
)

// MetadataFile is the logical filename the metadata coordinator mirrors
// its records under. It lives in the same (session id, filename) keyspace
// as the credential store's files but is owned by the coordinator; the
// credential-side restore must leave it alone.
const MetadataFile = "metadata.json"

// Mode selects the backup policy.
type Mode int

const (
	// ModeIntelligent mirrors everything while the secondary is healthy
	// and only the credential record while it is degraded. This bounds
	// replication cost to the one record that must survive a primary
	// storage loss.
	ModeIntelligent Mode = iota

	// ModeFull mirrors every record regardless of health.
	ModeFull
)

const (
	defaultQueueSize     = 256
	defaultBatchSize     = 10
	defaultBatchDelay    = 50 * time.Millisecond
	defaultProbeInterval = 30 * time.Second
	defaultOpTimeout     = 5 * time.Second
)

type op struct {
	delete    bool
	sessionID string
	filename  string
	payload   []byte
}

// Config tunes the sync worker. Zero values take the defaults above.
type Config struct {
	Mode          Mode
	FailThreshold int
	HealThreshold int
	QueueSize     int
	BatchSize     int
	BatchDelay    time.Duration
	ProbeInterval time.Duration
	OpTimeout     time.Duration
}

func (c *Config) fill() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchDelay <= 0 {
		c.BatchDelay = defaultBatchDelay
	}

	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}

	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
}

// Backend is the secondary store surface the worker drives. *Secondary
// implements it; tests substitute a flaky fake.
type Backend interface {
	Put(ctx context.Context, sessionID, filename string, payload []byte) error
	Delete(ctx context.Context, sessionID, filename string) error
	PullAll(ctx context.Context, sessionID string) ([]Record, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Probe(ctx context.Context) error
}

// Sync queues primary-store writes and drains them to the secondary in
// small batches. It implements credstore.Mirror; enqueueing never blocks
// the caller, and a full queue drops the oldest entry.
type Sync struct {
	secondary Backend
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	health    *healthTracker
	queue     chan op
}

// NewSync builds the sync worker over an opened secondary.
func NewSync(secondary Backend, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Sync {
	cfg.fill()

	s := &Sync{
		secondary: secondary,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		queue:     make(chan op, cfg.QueueSize),
	}
	s.health = newHealthTracker(cfg.FailThreshold, cfg.HealThreshold, func(healthy bool) {
		m.SetReplicationHealthy(healthy)

		if healthy {
			logger.Info("secondary backend healed")
		} else {
			logger.Warn("secondary backend degraded, mirroring credentials only",
				slog.Int("consecutive_failures", cfg.FailThreshold))
		}
	})
	m.SetReplicationHealthy(true)

	return s
}

// Healthy reports the current secondary health signal.
func (s *Sync) Healthy() bool {
	return s.health.Healthy()
}

// FireWrite enqueues a mirrored write. Non-blocking, best-effort.
func (s *Sync) FireWrite(sessionID, filename string, payload []byte) {
	s.enqueue(op{sessionID: sessionID, filename: filename, payload: payload})
}

// FireDelete enqueues a mirrored delete. Non-blocking, best-effort.
func (s *Sync) FireDelete(sessionID, filename string) {
	s.enqueue(op{delete: true, sessionID: sessionID, filename: filename})
}

func (s *Sync) enqueue(o op) {
	select {
	case s.queue <- o:
	default:
		// Queue full: drop the oldest entry to make room. Durability
		// degrades before availability does.
		select {
		case dropped := <-s.queue:
			s.logger.Warn("replication queue full, dropping oldest",
				slog.String("session_id", dropped.sessionID),
				slog.String("file", dropped.filename),
			)
		default:
		}

		select {
		case s.queue <- o:
		default:
		}
	}

	s.metrics.SetReplicationQueueDepth(len(s.queue))
}

// Run is the worker loop: drains queued ops in batches and probes the
// secondary on a timer. Blocks until ctx is cancelled.
func (s *Sync) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainRemaining()
			return ctx.Err()

		case first := <-s.queue:
			s.processBatch(ctx, s.collectBatch(first))
			s.metrics.SetReplicationQueueDepth(len(s.queue))

			// Inter-batch delay keeps burst load off the secondary.
			select {
			case <-time.After(s.cfg.BatchDelay):
			case <-ctx.Done():
				s.drainRemaining()
				return ctx.Err()
			}

		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Sync) collectBatch(first op) []op {
	batch := []op{first}

	for len(batch) < s.cfg.BatchSize {
		select {
		case o := <-s.queue:
			batch = append(batch, o)
		default:
			return batch
		}
	}

	return batch
}

func (s *Sync) processBatch(ctx context.Context, batch []op) {
	for _, o := range batch {
		if !o.delete && !s.shouldMirror(o.filename) {
			continue
		}

		if err := s.apply(ctx, o); err != nil {
			s.health.recordFailure()
			s.logger.Warn("replication op failed",
				slog.String("session_id", o.sessionID),
				slog.String("file", o.filename),
				slog.Bool("delete", o.delete),
				slog.Any("error", err),
			)

			continue
		}

		s.health.recordSuccess()
	}
}

// shouldMirror is the 2x2 backup policy: {full, intelligent} x {healthy,
// degraded}. Only intelligent+degraded skips anything, and never the
// credential record.
func (s *Sync) shouldMirror(filename string) bool {
	if s.cfg.Mode == ModeFull {
		return true
	}

	return s.health.Healthy() || filename == credstore.CredentialsFile
}

func (s *Sync) apply(parent context.Context, o op) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.OpTimeout)
	defer cancel()

	if o.delete {
		return s.secondary.Delete(ctx, o.sessionID, o.filename)
	}

	return s.secondary.Put(ctx, o.sessionID, o.filename, o.payload)
}

func (s *Sync) probe(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.OpTimeout)
	defer cancel()

	if err := s.secondary.Probe(ctx); err != nil {
		s.health.recordFailure()
		return
	}

	s.health.recordSuccess()
}

// drainRemaining makes a final synchronous pass over whatever is still
// queued at shutdown, with a short overall budget.
func (s *Sync) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	for {
		select {
		case o := <-s.queue:
			if o.delete || s.shouldMirror(o.filename) {
				if err := s.apply(ctx, o); err != nil {
					s.logger.Warn("final replication drain failed", slog.Any("error", err))
					return
				}
			}
		default:
			return
		}
	}
}

// PullAll reads every mirrored record for a session from the secondary.
// Used once, at session startup, when the primary is empty.
func (s *Sync) PullAll(ctx context.Context, sessionID string) ([]Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.OpTimeout)
	defer cancel()

	records, err := s.secondary.PullAll(opCtx, sessionID)
	if opCtx.Err() == context.DeadlineExceeded {
		return nil, &apperrors.TimeoutError{Op: "secondary pull", Budget: 2 * s.cfg.OpTimeout}
	}

	return records, err
}

// Hydrate restores a session's records from the secondary into the primary
// when, and only when, the primary holds nothing for it. A populated
// primary always wins so stale mirrored credentials are never resurrected.
// The metadata row shares the keyspace but belongs to the coordinator, not
// the credential directory, so it is never written out here.
// Returns the number of records written.
func (s *Sync) Hydrate(ctx context.Context, store *credstore.Store, sessionID string) (int, error) {
	if store.HasData(sessionID) {
		return 0, nil
	}

	records, err := s.PullAll(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("pulling from secondary: %w", err)
	}

	written := 0

	for _, r := range records {
		if r.Filename == MetadataFile {
			continue
		}

		if err := store.WriteRaw(sessionID, r.Filename, r.Payload); err != nil {
			return written, fmt.Errorf("hydrating %s: %w", r.Filename, err)
		}

		written++
	}

	if written > 0 {
		s.logger.Info("hydrated primary from secondary",
			slog.String("session_id", sessionID),
			slog.Int("records", written),
		)
	}

	return written, nil
}

// DeleteSession removes every mirrored record for a session. Used only on
// explicit user data removal, synchronously.
func (s *Sync) DeleteSession(ctx context.Context, sessionID string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	return s.secondary.DeleteSession(opCtx, sessionID)
}
