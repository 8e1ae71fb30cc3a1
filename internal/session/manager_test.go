package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metastore"
	"github.com/nexustechpro/nexusbot-sub001/internal/recovery"
	"github.com/nexustechpro/nexusbot-sub001/internal/transport"
)

type sendCall struct {
	peer    string
	payload []byte
}

type stubConn struct {
	mu        sync.Mutex
	sends     []sendCall
	pairCode  string
	pairErr   error
	pairCalls atomic.Int32
	ready     atomic.Bool
	closed    atomic.Bool

	events    chan transport.Event
	closeOnce sync.Once
}

func newStubConn(ready bool) *stubConn {
	c := &stubConn{
		pairCode: "ABCD-1234",
		events:   make(chan transport.Event, 16),
	}
	c.ready.Store(ready)

	return c
}

func (c *stubConn) Send(_ context.Context, peer string, payload []byte) error {
	c.mu.Lock()
	c.sends = append(c.sends, sendCall{peer, payload})
	c.mu.Unlock()

	return nil
}

func (c *stubConn) RequestPairingCode(context.Context, string) (string, error) {
	c.pairCalls.Add(1)

	return c.pairCode, c.pairErr
}

func (c *stubConn) Ready() bool { return c.ready.Load() }

func (c *stubConn) Events() <-chan transport.Event { return c.events }

func (c *stubConn) Close(string) error {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.events) })

	return nil
}

func (c *stubConn) push(ev transport.Event) { c.events <- ev }

func (c *stubConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sends)
}

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
	next  func() *stubConn
	err   error
}

func (d *stubDialer) Dial(context.Context, string, *credstore.Credentials) (transport.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}

	c := d.next()

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	return c, nil
}

type disconnectCall struct {
	sessionID string
	causeCode int
}

type fakePolicy struct {
	mu          sync.Mutex
	disconnects []disconnectCall
	connected   []string
	cancelled   []string
	notify      chan struct{}
}

func (f *fakePolicy) HandleDisconnect(_ context.Context, sessionID string, causeCode int, _ string) error {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, disconnectCall{sessionID, causeCode})
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}

	return nil
}

func (f *fakePolicy) MarkConnected(sessionID string) {
	f.mu.Lock()
	f.connected = append(f.connected, sessionID)
	f.mu.Unlock()
}

func (f *fakePolicy) Cancel(sessionID string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, sessionID)
	f.mu.Unlock()
}

type fakeRecovery struct {
	mu     sync.Mutex
	calls  []string
	result recovery.Result
	notify chan struct{}
}

func (f *fakeRecovery) Handle(_ context.Context, sessionID string, _ error, _ transport.MessageContext) recovery.Result {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}

	return f.result
}

type fakeSecondary struct {
	mu          sync.Mutex
	hydrates    atomic.Int32
	deleted     []string
	hydrateErr  error
	credentials *credstore.Credentials
}

func (f *fakeSecondary) Hydrate(_ context.Context, store *credstore.Store, sessionID string) (int, error) {
	f.hydrates.Add(1)

	if f.hydrateErr != nil {
		return 0, f.hydrateErr
	}

	if f.credentials == nil {
		return 0, nil
	}

	if err := store.SetCredentials(sessionID, f.credentials); err != nil {
		return 0, err
	}

	return 1, nil
}

func (f *fakeSecondary) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, sessionID)
	f.mu.Unlock()

	return nil
}

func (f *fakeSecondary) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.deleted)
}

type managerFixture struct {
	manager   *Manager
	store     *credstore.Store
	meta      *metastore.Coordinator
	dialer    *stubDialer
	policy    *fakePolicy
	recovery  *fakeRecovery
	secondary *fakeSecondary
	registry  *Registry
}

func newManagerFixture(t *testing.T, maxSessions int) *managerFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := credstore.New(t.TempDir(), logger, credstore.WithDebounceWindow(0))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metaStore, err := metastore.OpenStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	f := &managerFixture{
		store:     store,
		meta:      metastore.NewCoordinator(metaStore, metastore.Config{BufferWindow: -1}, logger),
		dialer:    &stubDialer{next: func() *stubConn { return newStubConn(true) }},
		policy:    &fakePolicy{notify: make(chan struct{}, 4)},
		recovery:  &fakeRecovery{notify: make(chan struct{}, 4)},
		secondary: &fakeSecondary{},
		registry:  NewRegistry(maxSessions, nil),
	}

	f.manager = NewManager(
		Config{ReadyTimeout: 250 * time.Millisecond, ReadyPollInterval: 5 * time.Millisecond},
		store, f.meta, f.secondary, f.dialer, f.policy, f.recovery, f.registry,
		NewMessageCache(16, nil, nil), logger, nil,
	)

	return f
}

func completeCreds(t *testing.T) *credstore.Credentials {
	t.Helper()

	creds, err := credstore.NewCredentials()
	require.NoError(t, err)

	creds.AccountID = "acct-1"
	creds.PhoneNumber = "+15550001111"
	creds.RegistrationID = 7
	creds.ServerToken = "tok"
	creds.Registered = true

	return creds
}

func (f *managerFixture) lastConn(t *testing.T) *stubConn {
	t.Helper()

	f.dialer.mu.Lock()
	defer f.dialer.mu.Unlock()

	require.NotEmpty(t, f.dialer.conns)

	return f.dialer.conns[len(f.dialer.conns)-1]
}

func TestCreateSession_PairingFlowSurfacesCode(t *testing.T) {
	f := newManagerFixture(t, 4)

	codeCh := make(chan string, 1)
	connectedCh := make(chan struct{}, 1)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{
		OnPairingCode: func(code string) { codeCh <- code },
		OnConnected:   func(string) { connectedCh <- struct{}{} },
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case code := <-codeCh:
		assert.Equal(t, "ABCD-1234", code)
	case <-time.After(2 * time.Second):
		t.Fatal("no pairing code surfaced")
	}

	assert.True(t, f.store.PairingActive(id), "pairing window open until connected")

	conn := f.lastConn(t)
	conn.push(transport.Event{Kind: transport.EventConnected})

	select {
	case <-connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	assert.False(t, f.store.PairingActive(id), "pairing window closed on connect")

	md, err := f.manager.GetSessionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, metastore.StatusConnected, md.ConnectionStatus)
}

func TestOpen_SecondCallForSameSessionRejected(t *testing.T) {
	f := newManagerFixture(t, 4)

	require.NoError(t, f.meta.Save(metastore.Metadata{SessionID: "fixed"}))
	require.NoError(t, f.manager.Open(context.Background(), "fixed", "user-1", "+15550001111", Callbacks{}))

	err := f.manager.Open(context.Background(), "fixed", "user-1", "+15550001111", Callbacks{})
	assert.ErrorIs(t, err, apperrors.ErrPairingInProgress)

	assert.Equal(t, 1, f.lastConn(t).pairCallsEventually(t), "exactly one pairing flow")
}

// pairCallsEventually waits for the async pairing goroutine to request the
// code before reading the counter.
func (c *stubConn) pairCallsEventually(t *testing.T) int {
	t.Helper()

	require.Eventually(t, func() bool { return c.pairCalls.Load() > 0 },
		2*time.Second, 10*time.Millisecond)

	return int(c.pairCalls.Load())
}

func TestCreateSession_NoCredentialsNoPhone(t *testing.T) {
	f := newManagerFixture(t, 4)

	_, err := f.manager.CreateSession(context.Background(), "user-1", "", Callbacks{})
	assert.ErrorIs(t, err, apperrors.ErrSessionNotPaired)
	assert.Zero(t, f.registry.Len(), "failed session not left registered")
}

func TestCreateSession_CapacityCap(t *testing.T) {
	f := newManagerFixture(t, 1)

	_, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	_, err = f.manager.CreateSession(context.Background(), "user-2", "+15550002222", Callbacks{})
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
}

func TestOpen_SecondaryRestoreHappensOnce(t *testing.T) {
	f := newManagerFixture(t, 8)
	f.secondary.credentials = completeCreds(t)

	require.NoError(t, f.meta.Save(metastore.Metadata{SessionID: "restored"}))
	require.NoError(t, f.manager.Open(context.Background(), "restored", "user-1", "", Callbacks{}))

	assert.Equal(t, int32(1), f.secondary.hydrates.Load())

	// A later credential load finds the primary populated and never goes
	// back to the secondary.
	require.NoError(t, f.manager.VerifyCredentials("restored"))
	assert.Equal(t, int32(1), f.secondary.hydrates.Load())
}

func TestEventClosed_RoutesToPolicy(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	f.lastConn(t).push(transport.Event{Kind: transport.EventClosed, CauseCode: 428, Detail: "connection lost"})

	select {
	case <-f.policy.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reached the policy engine")
	}

	f.policy.mu.Lock()
	require.Len(t, f.policy.disconnects, 1)
	assert.Equal(t, disconnectCall{id, 428}, f.policy.disconnects[0])
	f.policy.mu.Unlock()

	assert.Eventually(t, func() bool {
		md, err := f.manager.GetSessionStatus(context.Background(), id)

		return err == nil && md.ConnectionStatus == metastore.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventDecryptFailed_RoutesToRecovery(t *testing.T) {
	f := newManagerFixture(t, 4)
	f.recovery.result = recovery.Result{ShouldSkip: true, Reason: "cooldown"}

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	f.lastConn(t).push(transport.Event{
		Kind:    transport.EventDecryptFailed,
		Err:     errors.New("bad mac"),
		Message: transport.MessageContext{MessageID: "m1", SenderID: "peer-a"},
	})

	select {
	case <-f.recovery.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("decrypt failure never reached the recovery handler")
	}

	f.recovery.mu.Lock()
	assert.Equal(t, []string{id}, f.recovery.calls)
	f.recovery.mu.Unlock()
}

func TestEventConnected_TerminalCallbackFiresOnce(t *testing.T) {
	f := newManagerFixture(t, 4)

	var connects atomic.Int32

	_, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{
		OnConnected: func(string) { connects.Add(1) },
	})
	require.NoError(t, err)

	conn := f.lastConn(t)
	conn.push(transport.Event{Kind: transport.EventConnected})
	conn.push(transport.Event{Kind: transport.EventConnected})

	require.Eventually(t, func() bool { return connects.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), connects.Load(), "double-fired transport callback suppressed")
}

func TestEventCredentialsUpdated_PersistsRecord(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	f.lastConn(t).push(transport.Event{
		Kind:        transport.EventCredentialsUpdated,
		Credentials: completeCreds(t),
	})

	assert.Eventually(t, func() bool {
		return f.manager.VerifyCredentials(id) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunPairing_ReadyTimeout(t *testing.T) {
	f := newManagerFixture(t, 4)
	f.dialer.next = func() *stubConn { return newStubConn(false) }

	errCh := make(chan error, 1)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{
		OnError: func(err error) { errCh <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, apperrors.ErrTransportNotReady)
	case <-time.After(2 * time.Second):
		t.Fatal("ready timeout never surfaced")
	}

	assert.False(t, f.store.PairingActive(id), "pairing window released on timeout")
	assert.True(t, f.lastConn(t).closed.Load())
}

func TestSendProbe(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, f.manager.SendProbe(context.Background(), id, "peer-a"))

	conn := f.lastConn(t)
	conn.mu.Lock()
	require.Len(t, conn.sends, 1)
	assert.Equal(t, "peer-a", conn.sends[0].peer)
	assert.Empty(t, conn.sends[0].payload, "reset probe is zero-length")
	conn.mu.Unlock()

	err = f.manager.SendProbe(context.Background(), "missing", "peer-a")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestSend_RecordsInResendCache(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	payload := []byte("hello")
	require.NoError(t, f.manager.Send(context.Background(), id, "chat-1", "msg-1", "peer-a", payload))

	got, ok := f.manager.Retry(context.Background(), "chat-1", "msg-1")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	_, ok = f.manager.Retry(context.Background(), "chat-1", "msg-unknown")
	assert.False(t, ok)
}

func TestDisconnectSession_SoftKeepsState(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, f.manager.DisconnectSession(context.Background(), id, false))

	assert.True(t, f.lastConn(t).closed.Load())
	assert.Empty(t, f.manager.ListActiveSessions())
	assert.True(t, f.store.HasData(id), "soft disconnect keeps credentials")

	f.policy.mu.Lock()
	assert.Equal(t, []string{id}, f.policy.cancelled, "pending reconnects cancelled")
	f.policy.mu.Unlock()

	md, err := f.manager.GetSessionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, metastore.StatusDisconnected, md.ConnectionStatus)
}

func TestDisconnectSession_FullWipesEverything(t *testing.T) {
	f := newManagerFixture(t, 4)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, f.manager.DisconnectSession(context.Background(), id, true))

	assert.False(t, f.store.HasData(id))
	assert.Equal(t, 1, f.secondary.deletedCount())

	_, err = f.manager.GetSessionStatus(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestCleanup_NotifiesAndWipes(t *testing.T) {
	f := newManagerFixture(t, 4)

	causeCh := make(chan *apperrors.ClassifiedDisconnect, 1)

	id, err := f.manager.CreateSession(context.Background(), "user-1", "+15550001111", Callbacks{
		OnDisconnected: func(cause *apperrors.ClassifiedDisconnect) { causeCh <- cause },
	})
	require.NoError(t, err)

	cause := &apperrors.ClassifiedDisconnect{CauseCode: 401, Detail: "logged out", Permanent: true}
	f.manager.Cleanup(context.Background(), id, true, true, cause)

	select {
	case got := <-causeCh:
		assert.Equal(t, 401, got.CauseCode)
	case <-time.After(time.Second):
		t.Fatal("user never notified")
	}

	assert.False(t, f.store.HasData(id))
	assert.Empty(t, f.manager.ListActiveSessions())

	// Soft delete: the metadata record survives for status queries.
	md, err := f.manager.GetSessionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, metastore.StatusDisconnected, md.ConnectionStatus)
}

func TestVerifyCredentials(t *testing.T) {
	f := newManagerFixture(t, 4)

	require.NoError(t, f.store.BeginPairing("s1"))
	incomplete, err := credstore.NewCredentials()
	require.NoError(t, err)
	require.NoError(t, f.store.SetCredentials("s1", incomplete))
	f.store.EndPairing("s1")

	assert.ErrorIs(t, f.manager.VerifyCredentials("s1"), apperrors.ErrIncompleteCredentials)

	require.NoError(t, f.store.SetCredentials("s1", completeCreds(t)))
	assert.NoError(t, f.manager.VerifyCredentials("s1"))
}
