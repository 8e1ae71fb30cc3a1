package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/replication"
)

// MetadataFile is the logical filename metadata travels under in the
// secondary backend's (session id, filename) key space.
const MetadataFile = replication.MetadataFile

const (
	defaultBufferWindow  = 500 * time.Millisecond
	defaultCacheSize     = 512
	defaultCacheTTL      = 5 * time.Minute
	defaultOrphanGrace   = 3 * time.Minute
	defaultSweepInterval = time.Minute
)

// Mirror receives fire-and-forget copies of metadata writes. Satisfied by
// *replication.Sync.
type Mirror interface {
	FireWrite(sessionID, filename string, payload []byte)
	FireDelete(sessionID, filename string)
}

// SecondaryReader pulls mirrored records back, used as the last resort on
// a read miss. Satisfied by *replication.Sync.
type SecondaryReader interface {
	PullAll(ctx context.Context, sessionID string) ([]replication.Record, error)
}

// CredentialChecker reports whether a session still has any credential
// data; the orphan sweep uses it. Satisfied by *credstore.Store.
type CredentialChecker interface {
	HasData(sessionID string) bool
}

// Config tunes the coordinator. Zero values take the defaults; a negative
// BufferWindow disables buffering so every update applies synchronously.
type Config struct {
	BufferWindow  time.Duration
	CacheSize     int
	CacheTTL      time.Duration
	OrphanGrace   time.Duration
	SweepInterval time.Duration
}

func (c *Config) fill() {
	if c.BufferWindow < 0 {
		c.BufferWindow = 0
	} else if c.BufferWindow == 0 {
		c.BufferWindow = defaultBufferWindow
	}

	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}

	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
}

// Coordinator owns the authoritative metadata records. Reads go cache →
// primary → optional secondary; updates buffer per session so reconnection
// storms collapse into one write per window.
type Coordinator struct {
	store     *Store
	cache     *ttlCache
	mirror    Mirror
	secondary SecondaryReader
	logger    *slog.Logger
	cfg       Config

	bufMu   sync.Mutex
	pending map[string]*pendingPatch
}

type pendingPatch struct {
	patch Patch
	timer *time.Timer
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithMirror attaches the secondary write mirror.
func WithMirror(m Mirror) CoordinatorOption {
	return func(c *Coordinator) { c.mirror = m }
}

// WithSecondaryReader attaches the read-miss fallback.
func WithSecondaryReader(r SecondaryReader) CoordinatorOption {
	return func(c *Coordinator) { c.secondary = r }
}

// NewCoordinator builds a coordinator over an opened primary store.
func NewCoordinator(store *Store, cfg Config, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	cfg.fill()

	c := &Coordinator{
		store:   store,
		cache:   newTTLCache(cfg.CacheSize, cfg.CacheTTL),
		logger:  logger,
		cfg:     cfg,
		pending: make(map[string]*pendingPatch),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Save writes a full metadata record through to the primary and mirror.
func (c *Coordinator) Save(m Metadata) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = time.Now()

	if err := c.store.Put(m); err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}

	c.cache.set(m)
	c.fireMirror(m)

	return nil
}

// Get returns the metadata for a session: cache first, then primary, then
// the secondary as a last resort, populating the cache on the way back.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*Metadata, error) {
	if m, ok := c.cache.get(sessionID); ok {
		return &m, nil
	}

	m, err := c.store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	if m != nil {
		c.cache.set(*m)
		return m, nil
	}

	if c.secondary == nil {
		return nil, apperrors.ErrSessionNotFound
	}

	m, err = c.lookupSecondary(ctx, sessionID)
	if err != nil {
		c.logger.Warn("secondary metadata lookup failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)

		return nil, apperrors.ErrSessionNotFound
	}

	if m == nil {
		return nil, apperrors.ErrSessionNotFound
	}

	// Re-adopt the mirrored record into the primary.
	if err := c.store.Put(*m); err != nil {
		return nil, fmt.Errorf("re-adopting mirrored metadata: %w", err)
	}
	c.cache.set(*m)

	return m, nil
}

// Update merges a partial patch into the session's pending buffer. The
// merged patch flushes to the primary once per buffer window; overlapping
// fields are last-writer-wins.
func (c *Coordinator) Update(sessionID string, p Patch) {
	if c.cfg.BufferWindow <= 0 {
		c.applyPatch(sessionID, p)
		return
	}

	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	if pp, ok := c.pending[sessionID]; ok {
		pp.patch.merge(p)
		return
	}

	c.pending[sessionID] = &pendingPatch{
		patch: p,
		timer: time.AfterFunc(c.cfg.BufferWindow, func() {
			c.flushPatch(sessionID)
		}),
	}
}

// FlushSession forces out any pending patch for a session.
func (c *Coordinator) FlushSession(sessionID string) {
	c.flushPatch(sessionID)
}

// FlushAll forces out every pending patch. Called at shutdown.
func (c *Coordinator) FlushAll() {
	c.bufMu.Lock()
	ids := make([]string, 0, len(c.pending))

	for id := range c.pending {
		ids = append(ids, id)
	}
	c.bufMu.Unlock()

	for _, id := range ids {
		c.flushPatch(id)
	}
}

// Delete removes a session's metadata everywhere. Reserved for explicit
// user data-removal requests; routine disconnects use DeleteKeepRecord.
func (c *Coordinator) Delete(sessionID string) error {
	c.cancelPending(sessionID)
	c.cache.remove(sessionID)

	if err := c.store.Delete(sessionID); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}

	if c.mirror != nil {
		c.mirror.FireDelete(sessionID, MetadataFile)
	}

	return nil
}

// DeleteKeepRecord is the soft delete: the session is marked disconnected
// but its historical record (identifiers, phone number) survives. Backends
// that penalize primary-key churn keep their row.
func (c *Coordinator) DeleteKeepRecord(sessionID string) error {
	c.flushPatch(sessionID)

	c.applyPatch(sessionID, Patch{
		IsConnected:      Bool(false),
		ConnectionStatus: Status(StatusDisconnected),
	})

	return nil
}

// ListAll returns every metadata record from the primary.
func (c *Coordinator) ListAll() ([]Metadata, error) {
	return c.store.All()
}

// SweepOrphans removes metadata records older than the grace period that
// have no corresponding credential data. The grace period keeps sessions
// in early pairing (metadata saved, credentials not yet written) out of
// reach of the sweep.
func (c *Coordinator) SweepOrphans(creds CredentialChecker) (int, error) {
	all, err := c.store.All()
	if err != nil {
		return 0, fmt.Errorf("listing metadata: %w", err)
	}

	cutoff := time.Now().Add(-c.cfg.OrphanGrace)
	removed := 0

	for _, m := range all {
		if m.UpdatedAt.After(cutoff) || creds.HasData(m.SessionID) {
			continue
		}

		if err := c.Delete(m.SessionID); err != nil {
			c.logger.Warn("removing orphaned metadata",
				slog.String("session_id", m.SessionID),
				slog.Any("error", err),
			)

			continue
		}

		removed++
		c.logger.Info("removed orphaned metadata", slog.String("session_id", m.SessionID))
	}

	return removed, nil
}

// RunSweeper runs SweepOrphans on a timer until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, creds CredentialChecker) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.SweepOrphans(creds); err != nil {
				c.logger.Warn("orphan sweep failed", slog.Any("error", err))
			}
		}
	}
}

// --- internals ---

func (c *Coordinator) flushPatch(sessionID string) {
	c.bufMu.Lock()
	pp, ok := c.pending[sessionID]
	if ok {
		pp.timer.Stop()
		delete(c.pending, sessionID)
	}
	c.bufMu.Unlock()

	if !ok {
		return
	}

	c.applyPatch(sessionID, pp.patch)
}

func (c *Coordinator) cancelPending(sessionID string) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	if pp, ok := c.pending[sessionID]; ok {
		pp.timer.Stop()
		delete(c.pending, sessionID)
	}
}

// applyPatch loads the authoritative record, applies the patch and writes
// it back. A record deleted since the patch was buffered drops the patch.
func (c *Coordinator) applyPatch(sessionID string, p Patch) {
	m, err := c.store.Get(sessionID)
	if err != nil {
		c.logger.Error("loading metadata for patch",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)

		return
	}

	if m == nil {
		c.logger.Debug("dropping patch for deleted session",
			slog.String("session_id", sessionID))

		return
	}

	p.apply(m)

	if err := c.store.Put(*m); err != nil {
		c.logger.Error("flushing metadata patch",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)

		return
	}

	c.cache.set(*m)
	c.fireMirror(*m)
}

func (c *Coordinator) fireMirror(m Metadata) {
	if c.mirror == nil {
		return
	}

	data, err := json.Marshal(m)
	if err != nil {
		return
	}

	c.mirror.FireWrite(m.SessionID, MetadataFile, data)
}

func (c *Coordinator) lookupSecondary(ctx context.Context, sessionID string) (*Metadata, error) {
	records, err := c.secondary.PullAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		if r.Filename != MetadataFile {
			continue
		}

		m := &Metadata{}
		if err := json.Unmarshal(r.Payload, m); err != nil {
			return nil, fmt.Errorf("unmarshaling mirrored metadata: %w", err)
		}

		return m, nil
	}

	return nil, nil
}
