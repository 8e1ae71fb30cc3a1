package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metastore"
)

type fakeReopener struct {
	mu     sync.Mutex
	calls  []VerifyMode
	err    error
	signal chan struct{}
}

func (f *fakeReopener) Reopen(_ context.Context, _ string, verify VerifyMode) error {
	f.mu.Lock()
	f.calls = append(f.calls, verify)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}

	return f.err
}

func (f *fakeReopener) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

type cleanupCall struct {
	sessionID string
	wipe      bool
	notify    bool
	cause     *apperrors.ClassifiedDisconnect
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls []cleanupCall
	done  chan struct{}
}

func (f *fakeCleaner) Cleanup(_ context.Context, sessionID string, wipe, notify bool, cause *apperrors.ClassifiedDisconnect) {
	f.mu.Lock()
	f.calls = append(f.calls, cleanupCall{sessionID, wipe, notify, cause})
	f.mu.Unlock()

	select {
	case f.done <- struct{}{}:
	default:
	}
}

func (f *fakeCleaner) last() (cleanupCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return cleanupCall{}, false
	}

	return f.calls[len(f.calls)-1], true
}

type fakeVerifier struct {
	mu     sync.Mutex
	err    error
	called int
}

func (f *fakeVerifier) VerifyCredentials(string) error {
	f.mu.Lock()
	f.called++
	f.mu.Unlock()

	return f.err
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.called
}

type engineFixture struct {
	engine   *Engine
	meta     *metastore.Coordinator
	reopener *fakeReopener
	cleaner  *fakeCleaner
	verifier *fakeVerifier
}

func newEngineFixture(t *testing.T, cfg Config, table *Table) *engineFixture {
	t.Helper()

	store, err := metastore.OpenStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meta := metastore.NewCoordinator(store, metastore.Config{BufferWindow: -1}, logger)

	f := &engineFixture{
		meta:     meta,
		reopener: &fakeReopener{signal: make(chan struct{}, 16)},
		cleaner:  &fakeCleaner{done: make(chan struct{}, 1)},
		verifier: &fakeVerifier{},
	}

	f.engine = NewEngine(cfg, table, meta, logger, nil)
	f.engine.Bind(f.reopener, f.cleaner, f.verifier)

	require.NoError(t, meta.Save(metastore.Metadata{SessionID: "sess-1"}))

	return f
}

func waitSignal(t *testing.T, ch <-chan struct{}, why string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", why)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	f := newEngineFixture(t, Config{BackoffMax: 10 * time.Second}, nil)

	assert.Equal(t, 3*time.Second, f.engine.backoff(3*time.Second, 0))
	assert.Equal(t, 6*time.Second, f.engine.backoff(3*time.Second, 1))
	assert.Equal(t, 10*time.Second, f.engine.backoff(3*time.Second, 2), "12s capped to max")
	assert.Equal(t, 10*time.Second, f.engine.backoff(3*time.Second, 30))
}

func TestHandleDisconnect_PermanentCauseCleansUp(t *testing.T) {
	f := newEngineFixture(t, Config{}, nil)

	err := f.engine.HandleDisconnect(context.Background(), "sess-1", CauseLoggedOut, "logged out")
	require.NoError(t, err)

	waitSignal(t, f.cleaner.done, "cleanup after permanent failure")

	call, ok := f.cleaner.last()
	require.True(t, ok)
	assert.Equal(t, "sess-1", call.sessionID)
	assert.True(t, call.wipe)
	assert.True(t, call.notify)
	assert.Equal(t, CauseLoggedOut, call.cause.CauseCode)

	assert.Equal(t, StatePermanentlyFailed, f.engine.StateFor("sess-1"))
	assert.Zero(t, f.reopener.callCount(), "permanent causes must not dial")
}

func TestHandleDisconnect_RetriesThenPermanentlyFails(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.MergeYAML([]byte(`
7100:
  description: test transient
  should_reconnect: true
  backoff_base: 1ms
  max_attempts: 3
`)))

	f := newEngineFixture(t, Config{BackoffMax: time.Second}, table)
	f.reopener.err = errors.New("gateway unreachable")

	err := f.engine.HandleDisconnect(context.Background(), "sess-1", 7100, "drop")
	require.NoError(t, err)

	waitSignal(t, f.cleaner.done, "permanent failure after retries exhausted")

	assert.Equal(t, 3, f.reopener.callCount(), "no fourth attempt past max_attempts")
	assert.Equal(t, StatePermanentlyFailed, f.engine.StateFor("sess-1"))

	call, ok := f.cleaner.last()
	require.True(t, ok)
	assert.False(t, call.wipe, "transient classes do not wipe credentials")
	assert.True(t, call.cause.Permanent)
}

func TestHandleDisconnect_SuccessfulReopenReleasesMarker(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.MergeYAML([]byte(`
7101:
  description: test transient
  should_reconnect: true
  backoff_base: 1ms
  max_attempts: 3
`)))

	f := newEngineFixture(t, Config{}, table)

	require.NoError(t, f.engine.HandleDisconnect(context.Background(), "sess-1", 7101, "blip"))
	waitSignal(t, f.reopener.signal, "reopen call")

	assert.Eventually(t, func() bool {
		if !f.engine.TryAcquire("sess-1") {
			return false
		}
		f.engine.Release("sess-1")

		return true
	}, 2*time.Second, 10*time.Millisecond, "marker released after successful reopen")

	assert.Equal(t, 1, f.verifier.callCount())
}

func TestHandleDisconnect_InFlightShortCircuits(t *testing.T) {
	f := newEngineFixture(t, Config{StaleAfter: time.Hour}, nil)

	require.True(t, f.engine.TryAcquire("sess-1"))

	err := f.engine.HandleDisconnect(context.Background(), "sess-1", CauseConnectionLost, "drop")
	assert.ErrorIs(t, err, apperrors.ErrReconnectInFlight)
	assert.Zero(t, f.reopener.callCount())
}

func TestTryAcquire_StaleMarkerIsReplaced(t *testing.T) {
	f := newEngineFixture(t, Config{StaleAfter: 20 * time.Millisecond}, nil)

	require.True(t, f.engine.TryAcquire("sess-1"))
	assert.False(t, f.engine.TryAcquire("sess-1"), "fresh marker blocks")

	time.Sleep(40 * time.Millisecond)

	assert.True(t, f.engine.TryAcquire("sess-1"), "stale marker is steamrolled")
}

func TestRunAttempt_SkipVerifyBypassesVerifier(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.MergeYAML([]byte(`
7102:
  description: reset in flight
  should_reconnect: true
  backoff_base: 1ms
  max_attempts: 2
  skip_verify: true
`)))

	f := newEngineFixture(t, Config{}, table)
	f.verifier.err = errors.New("would have failed")

	require.NoError(t, f.engine.HandleDisconnect(context.Background(), "sess-1", 7102, "reset"))
	waitSignal(t, f.reopener.signal, "reopen call")

	assert.Zero(t, f.verifier.callCount(), "skip_verify causes must not touch credentials")

	f.reopener.mu.Lock()
	require.NotEmpty(t, f.reopener.calls)
	assert.Equal(t, VerifySkip, f.reopener.calls[0])
	f.reopener.mu.Unlock()
}

func TestRunAttempt_VerificationFailureIsPermanent(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.MergeYAML([]byte(`
7103:
  description: test transient
  should_reconnect: true
  backoff_base: 1ms
  max_attempts: 5
`)))

	f := newEngineFixture(t, Config{}, table)
	f.verifier.err = errors.New("credentials corrupt")

	require.NoError(t, f.engine.HandleDisconnect(context.Background(), "sess-1", 7103, "drop"))
	waitSignal(t, f.cleaner.done, "cleanup after verification failure")

	call, ok := f.cleaner.last()
	require.True(t, ok)
	assert.True(t, call.wipe)
	assert.Zero(t, f.reopener.callCount(), "no dial with corrupt credentials")
	assert.Equal(t, StatePermanentlyFailed, f.engine.StateFor("sess-1"))
}

func TestMarkConnected_ResetsAttemptCounter(t *testing.T) {
	f := newEngineFixture(t, Config{}, nil)

	f.meta.Update("sess-1", metastore.Patch{ReconnectAttempts: metastore.Int(4)})
	f.engine.MarkConnected("sess-1")

	assert.Equal(t, StateConnected, f.engine.StateFor("sess-1"))

	m, err := f.meta.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsConnected)
	assert.Equal(t, metastore.StatusConnected, m.ConnectionStatus)
	assert.Zero(t, m.ReconnectAttempts)
}

func TestCancel_AbortsScheduledAttempt(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.MergeYAML([]byte(`
7104:
  description: test transient
  should_reconnect: true
  backoff_base: 50ms
  max_attempts: 3
`)))

	f := newEngineFixture(t, Config{}, table)

	require.NoError(t, f.engine.HandleDisconnect(context.Background(), "sess-1", 7104, "drop"))
	f.engine.Cancel("sess-1")

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, f.reopener.callCount(), "cancelled attempt must not fire")
	assert.Equal(t, StateIdle, f.engine.StateFor("sess-1"))
}
