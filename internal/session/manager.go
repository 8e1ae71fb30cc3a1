package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metastore"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
	"github.com/nexustechpro/nexusbot-sub001/internal/reconnect"
	"github.com/nexustechpro/nexusbot-sub001/internal/recovery"
	"github.com/nexustechpro/nexusbot-sub001/internal/transport"
)

// DisconnectPolicy is the slice of the reconnection engine the manager
// drives. Satisfied by *reconnect.Engine.
type DisconnectPolicy interface {
	HandleDisconnect(ctx context.Context, sessionID string, causeCode int, detail string) error
	MarkConnected(sessionID string)
	Cancel(sessionID string)
}

// DecryptRecovery handles per-message decryption failures. Satisfied by
// *recovery.Handler.
type DecryptRecovery interface {
	Handle(ctx context.Context, sessionID string, err error, msg transport.MessageContext) recovery.Result
}

// SecondarySource restores credentials from the replication backend when
// the primary store is empty. Satisfied by *replication.Sync.
type SecondarySource interface {
	Hydrate(ctx context.Context, store *credstore.Store, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config tunes the manager's pairing waits.
type Config struct {
	// ReadyTimeout bounds the wait for the transport to reach the open
	// state before a pairing code is requested.
	ReadyTimeout time.Duration
	// ReadyPollInterval is the poll cadence during that wait.
	ReadyPollInterval time.Duration
	// PairingCodeTimeout bounds the pairing code request itself.
	PairingCodeTimeout time.Duration
}

func (c *Config) fill() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}

	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 500 * time.Millisecond
	}

	if c.PairingCodeTimeout <= 0 {
		c.PairingCodeTimeout = time.Minute
	}
}

// Manager creates and destroys live protocol connections, one per session,
// and routes transport events to the reconnection and recovery subsystems.
// It is the downstream surface the plugin layer talks to.
type Manager struct {
	cfg       Config
	store     *credstore.Store
	meta      *metastore.Coordinator
	secondary SecondarySource
	dialer    transport.Dialer
	policy    DisconnectPolicy
	recovery  DecryptRecovery
	registry  *Registry
	cache     *MessageCache
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// hydrates collapses concurrent secondary restores for one session
	// into a single pull.
	hydrates singleflight.Group
}

// NewManager wires the manager. secondary may be nil when no secondary
// backend is configured.
func NewManager(
	cfg Config,
	store *credstore.Store,
	meta *metastore.Coordinator,
	secondary SecondarySource,
	dialer transport.Dialer,
	policy DisconnectPolicy,
	rec DecryptRecovery,
	registry *Registry,
	cache *MessageCache,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Manager {
	cfg.fill()

	return &Manager{
		cfg:       cfg,
		store:     store,
		meta:      meta,
		secondary: secondary,
		dialer:    dialer,
		policy:    policy,
		recovery:  rec,
		registry:  registry,
		cache:     cache,
		logger:    logger,
		metrics:   m,
	}
}

// CreateSession registers a new session for a user and opens its
// connection. With a phone number it starts the pairing handshake; without
// one it requires existing credentials.
func (m *Manager) CreateSession(ctx context.Context, userID, phoneNumber string, cb Callbacks) (string, error) {
	sessionID := uuid.NewString()

	if err := m.meta.Save(metastore.Metadata{
		SessionID:        sessionID,
		UserID:           userID,
		PhoneNumber:      phoneNumber,
		ConnectionStatus: metastore.StatusConnecting,
	}); err != nil {
		return "", fmt.Errorf("saving session metadata: %w", err)
	}

	if err := m.Open(ctx, sessionID, userID, phoneNumber, cb); err != nil {
		if delErr := m.meta.Delete(sessionID); delErr != nil {
			m.logger.Warn("removing metadata for failed session",
				slog.String("session_id", sessionID),
				slog.Any("error", delErr))
		}

		return "", err
	}

	return sessionID, nil
}

// Open registers and connects one session. Used by CreateSession for new
// sessions and at startup to restore sessions found on disk. Opening a
// session that is already registered is rejected, which makes concurrent
// pairing attempts idempotent: exactly one flow wins.
func (m *Manager) Open(ctx context.Context, sessionID, userID, phoneNumber string, cb Callbacks) error {
	s := &session{id: sessionID, userID: userID, callbacks: cb}

	if err := m.registry.add(s); err != nil {
		return err
	}

	creds, err := m.loadCredentials(ctx, sessionID)
	if err != nil && !errors.Is(err, apperrors.ErrCredentialsNotFound) {
		m.registry.remove(sessionID)

		return err
	}

	pairing := false

	if creds == nil {
		if phoneNumber == "" {
			m.registry.remove(sessionID)

			return apperrors.ErrSessionNotPaired
		}

		if err := m.store.BeginPairing(sessionID); err != nil {
			m.registry.remove(sessionID)

			return err
		}

		creds, err = credstore.NewCredentials()
		if err != nil {
			m.store.EndPairing(sessionID)
			m.registry.remove(sessionID)

			return fmt.Errorf("generating credentials: %w", err)
		}

		creds.PhoneNumber = phoneNumber

		if err := m.store.SetCredentials(sessionID, creds); err != nil {
			m.store.EndPairing(sessionID)
			m.registry.remove(sessionID)

			return err
		}

		pairing = true
	}

	conn, err := m.dialer.Dial(ctx, sessionID, creds)
	if err != nil {
		if pairing {
			m.store.EndPairing(sessionID)
		}
		m.registry.remove(sessionID)
		m.meta.Update(sessionID, metastore.Patch{
			ConnectionStatus: metastore.Status(metastore.StatusDisconnected),
		})

		return fmt.Errorf("dialing transport: %w", err)
	}

	s.setConn(conn)
	go m.eventLoop(s, conn)

	if pairing {
		go m.runPairing(s, conn, phoneNumber)
	}

	m.logger.Info("session opened",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.Bool("pairing", pairing))

	return nil
}

// loadCredentials reads the credential record, falling back to a one-shot
// secondary restore when the primary has nothing for this session.
func (m *Manager) loadCredentials(ctx context.Context, sessionID string) (*credstore.Credentials, error) {
	creds, err := m.store.Credentials(sessionID)
	if err == nil {
		return creds, nil
	}

	if !errors.Is(err, apperrors.ErrCredentialsNotFound) || m.secondary == nil {
		return nil, err
	}

	_, hErr, _ := m.hydrates.Do(sessionID, func() (any, error) {
		n, err := m.secondary.Hydrate(ctx, m.store, sessionID)
		if err != nil {
			return nil, err
		}

		if n > 0 {
			m.logger.Info("restored session from secondary backend",
				slog.String("session_id", sessionID),
				slog.Int("files", n))
		}

		return n, nil
	})
	if hErr != nil {
		m.logger.Warn("secondary restore failed",
			slog.String("session_id", sessionID),
			slog.Any("error", hErr))

		return nil, apperrors.ErrCredentialsNotFound
	}

	return m.store.Credentials(sessionID)
}

// runPairing waits for the transport to open, then requests and surfaces
// the pairing code.
func (m *Manager) runPairing(s *session, conn transport.Conn, phoneNumber string) {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)

	for !conn.Ready() {
		if time.Now().After(deadline) {
			m.logger.Error("transport never became ready for pairing",
				slog.String("session_id", s.id))
			s.fireError(apperrors.ErrTransportNotReady)
			m.store.EndPairing(s.id)
			_ = conn.Close("pairing ready timeout")

			return
		}

		time.Sleep(m.cfg.ReadyPollInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PairingCodeTimeout)
	defer cancel()

	code, err := conn.RequestPairingCode(ctx, phoneNumber)
	if err != nil {
		m.logger.Error("pairing code request failed",
			slog.String("session_id", s.id),
			slog.Any("error", err))
		s.fireError(err)
		m.store.EndPairing(s.id)
		_ = conn.Close("pairing code request failed")

		return
	}

	if s.callbacks.OnPairingCode != nil {
		s.callbacks.OnPairingCode(code)
	}
}

// eventLoop consumes one connection's event stream. Events arrive serially
// per connection; the loop exits when the stream closes.
func (m *Manager) eventLoop(s *session, conn transport.Conn) {
	ctx := context.Background()

	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventConnected:
			m.handleConnected(s)

		case transport.EventCredentialsUpdated:
			m.handleCredentialsUpdated(s, ev.Credentials)

		case transport.EventDecryptFailed:
			res := m.recovery.Handle(ctx, s.id, ev.Err, ev.Message)
			m.logger.Debug("decryption failure handled",
				slog.String("session_id", s.id),
				slog.String("reason", res.Reason),
				slog.Bool("recovered", res.Recovered))

		case transport.EventClosed:
			m.handleClosed(ctx, s, ev)
		}
	}
}

func (m *Manager) handleConnected(s *session) {
	m.store.EndPairing(s.id)
	m.policy.MarkConnected(s.id)
	m.meta.Update(s.id, metastore.Patch{
		IsConnected:      metastore.Bool(true),
		ConnectionStatus: metastore.Status(metastore.StatusConnected),
	})

	m.logger.Info("session connected", slog.String("session_id", s.id))
	s.fireConnected()
}

func (m *Manager) handleCredentialsUpdated(s *session, creds *credstore.Credentials) {
	if creds == nil {
		return
	}

	if err := m.store.SetCredentials(s.id, creds); err != nil {
		m.logger.Error("persisting updated credentials",
			slog.String("session_id", s.id),
			slog.Any("error", err))

		return
	}

	if creds.PhoneNumber != "" {
		m.meta.Update(s.id, metastore.Patch{
			PhoneNumber: metastore.String(creds.PhoneNumber),
		})
	}
}

func (m *Manager) handleClosed(ctx context.Context, s *session, ev transport.Event) {
	m.meta.Update(s.id, metastore.Patch{
		IsConnected:      metastore.Bool(false),
		ConnectionStatus: metastore.Status(metastore.StatusDisconnected),
	})

	err := m.policy.HandleDisconnect(ctx, s.id, ev.CauseCode, ev.Detail)
	if err != nil && !errors.Is(err, apperrors.ErrReconnectInFlight) {
		m.logger.Error("disconnect handling failed",
			slog.String("session_id", s.id),
			slog.Any("error", err))
	}
}

// Reopen re-dials a session's connection during a reconnection attempt.
// Credential verification has already happened per the attempt's verify
// mode, so this only loads and dials.
func (m *Manager) Reopen(ctx context.Context, sessionID string, _ reconnect.VerifyMode) error {
	s, ok := m.registry.get(sessionID)
	if !ok {
		return apperrors.ErrSessionNotFound
	}

	creds, err := m.loadCredentials(ctx, sessionID)
	if err != nil {
		return err
	}

	conn, err := m.dialer.Dial(ctx, sessionID, creds)
	if err != nil {
		return fmt.Errorf("redialing transport: %w", err)
	}

	s.setConn(conn)
	go m.eventLoop(s, conn)

	return nil
}

// VerifyCredentials checks that a session's stored credential record is
// present and complete.
func (m *Manager) VerifyCredentials(sessionID string) error {
	creds, err := m.store.Credentials(sessionID)
	if err != nil {
		return err
	}

	if !creds.Complete() {
		return apperrors.ErrIncompleteCredentials
	}

	return nil
}

// Cleanup tears a session down after a permanent failure. wipeCredentials
// destroys stored key material and credentials; the metadata record is
// kept (soft delete) so the status remains queryable.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, wipeCredentials, notifyUser bool, cause *apperrors.ClassifiedDisconnect) {
	s, registered := m.registry.get(sessionID)

	if registered {
		if conn := s.current(); conn != nil {
			_ = conn.Close("session permanently failed")
		}

		m.registry.remove(sessionID)
	}

	m.store.EndPairing(sessionID)

	if wipeCredentials {
		if err := m.store.DeleteAll(sessionID); err != nil {
			m.logger.Error("wiping session credentials",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
		}

		if m.secondary != nil {
			if err := m.secondary.DeleteSession(ctx, sessionID); err != nil {
				m.logger.Warn("wiping secondary copy",
					slog.String("session_id", sessionID),
					slog.Any("error", err))
			}
		}
	}

	if err := m.meta.DeleteKeepRecord(sessionID); err != nil {
		m.logger.Warn("soft-deleting session metadata",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}

	if notifyUser && registered && s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected(cause)
	}
}

// SendProbe sends the zero-length session-reset probe to a peer.
func (m *Manager) SendProbe(ctx context.Context, sessionID, peerID string) error {
	s, ok := m.registry.get(sessionID)
	if !ok {
		return apperrors.ErrSessionNotFound
	}

	conn := s.current()
	if conn == nil || !conn.Ready() {
		return apperrors.ErrSessionDisconnected
	}

	return conn.Send(ctx, peerID, nil)
}

// Send delivers a payload to a peer and records it in the resend cache.
func (m *Manager) Send(ctx context.Context, sessionID, chatID, messageID, peerID string, payload []byte) error {
	s, ok := m.registry.get(sessionID)
	if !ok {
		return apperrors.ErrSessionNotFound
	}

	conn := s.current()
	if conn == nil || !conn.Ready() {
		return apperrors.ErrSessionDisconnected
	}

	if err := conn.Send(ctx, peerID, payload); err != nil {
		return err
	}

	m.cache.Put(chatID, messageID, payload)

	return nil
}

// Retry answers the protocol's resend queries from the message cache.
// Wired into the transport as its RetryProvider.
func (m *Manager) Retry(ctx context.Context, chatID, messageID string) ([]byte, bool) {
	return m.cache.Get(ctx, chatID, messageID)
}

// GetSessionStatus returns a session's metadata record.
func (m *Manager) GetSessionStatus(ctx context.Context, sessionID string) (*metastore.Metadata, error) {
	md, err := m.meta.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if md == nil {
		return nil, apperrors.ErrSessionNotFound
	}

	return md, nil
}

// ListActiveSessions returns the ids of registered sessions.
func (m *Manager) ListActiveSessions() []string {
	return m.registry.IDs()
}

// DisconnectSession closes a session. full additionally destroys stored
// credentials, key material, the secondary copy and the metadata record;
// otherwise state is kept for a later reconnect.
func (m *Manager) DisconnectSession(ctx context.Context, sessionID string, full bool) error {
	s, ok := m.registry.get(sessionID)
	if !ok && !full {
		return apperrors.ErrSessionNotFound
	}

	m.policy.Cancel(sessionID)
	m.store.EndPairing(sessionID)

	if ok {
		if conn := s.current(); conn != nil {
			_ = conn.Close("user disconnect")
		}

		m.registry.remove(sessionID)
	}

	if !full {
		m.meta.Update(sessionID, metastore.Patch{
			IsConnected:      metastore.Bool(false),
			ConnectionStatus: metastore.Status(metastore.StatusDisconnected),
		})

		return nil
	}

	if err := m.store.DeleteAll(sessionID); err != nil {
		return fmt.Errorf("deleting session data: %w", err)
	}

	if m.secondary != nil {
		if err := m.secondary.DeleteSession(ctx, sessionID); err != nil {
			m.logger.Warn("deleting secondary copy",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
		}
	}

	if err := m.meta.Delete(sessionID); err != nil {
		return fmt.Errorf("deleting session metadata: %w", err)
	}

	m.logger.Info("session fully removed", slog.String("session_id", sessionID))

	return nil
}

// Close disconnects every session (keeping state) and flushes pending
// writes. Called at shutdown.
func (m *Manager) Close(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		if err := m.DisconnectSession(ctx, id, false); err != nil {
			m.logger.Warn("disconnecting session at shutdown",
				slog.String("session_id", id),
				slog.Any("error", err))
		}
	}

	m.store.Flush()
	m.meta.FlushAll()
}
