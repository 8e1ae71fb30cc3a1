// Package credstore persists per-session credential records and protocol
// key material on disk, with coalesced writes and an optional best-effort
// mirror to a secondary backend.
package credstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
)

const (
	// CredentialsFile is the filename of the structured credential record
	// inside a session directory. Every other file in the directory is
	// key material named {type}-{id}.
	CredentialsFile = "credentials.json"

	dirPerm  = os.FileMode(0o700)
	filePerm = os.FileMode(0o600)

	// defaultDebounceWindow coalesces key-material writes under rotation
	// bursts.
	defaultDebounceWindow = 100 * time.Millisecond
)

// Mirror receives fire-and-forget notifications after a local write or
// delete has been persisted. Implementations must never block.
type Mirror interface {
	FireWrite(sessionID, filename string, payload []byte)
	FireDelete(sessionID, filename string)
}

// KeyRef identifies one key-material record.
type KeyRef struct {
	Type string
	ID   string
}

// Store is the file-backed primary credential store. One directory per
// session under root.
type Store struct {
	root   string
	logger *slog.Logger
	mirror Mirror
	deb    *debouncer

	mu      sync.Mutex
	pairing map[string]struct{}
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithMirror attaches a secondary-backend mirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithDebounceWindow overrides the key-material write coalescing window.
// Zero or negative makes every write synchronous.
func WithDebounceWindow(d time.Duration) Option {
	return func(s *Store) { s.deb.window = d }
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating sessions root: %w", err)
	}

	s := &Store{
		root:    dir,
		logger:  logger,
		pairing: make(map[string]struct{}),
	}
	s.deb = newDebouncer(defaultDebounceWindow, s.flushKeyWrite)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Root returns the sessions root directory.
func (s *Store) Root() string { return s.root }

// Close flushes all pending writes. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.deb.close()

	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// --- pairing window ---

// BeginPairing opens an explicit pairing window for a session, during which
// incomplete credential writes are allowed. A second concurrent call for
// the same session is rejected, not queued.
func (s *Store) BeginPairing(sessionID string) error {
	if err := validateName(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pairing[sessionID]; ok {
		return apperrors.ErrPairingInProgress
	}
	s.pairing[sessionID] = struct{}{}

	return nil
}

// EndPairing closes the pairing window. Safe to call when none is open.
func (s *Store) EndPairing(sessionID string) {
	s.mu.Lock()
	delete(s.pairing, sessionID)
	s.mu.Unlock()
}

// PairingActive reports whether a pairing window is open for the session.
func (s *Store) PairingActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pairing[sessionID]

	return ok
}

// --- credential record ---

// Credentials reads the credential record for a session.
func (s *Store) Credentials(sessionID string) (*Credentials, error) {
	if err := validateName(sessionID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, sessionID, CredentialsFile))
	if os.IsNotExist(err) {
		return nil, apperrors.ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	return unmarshalCredentials(data)
}

// SetCredentials validates and persists the credential record. An
// incomplete record is rejected outside an active pairing window, so a
// half-formed write can never clobber a working session.
func (s *Store) SetCredentials(sessionID string, c *Credentials) error {
	if s.isClosed() {
		return apperrors.ErrStoreClosed
	}

	if err := validateName(sessionID); err != nil {
		return err
	}

	if !c.Complete() && !s.PairingActive(sessionID) {
		return apperrors.ErrIncompleteCredentials
	}

	data, err := marshalCredentials(c)
	if err != nil {
		return err
	}

	if err := s.writeFile(sessionID, CredentialsFile, data); err != nil {
		return err
	}

	if s.mirror != nil {
		s.mirror.FireWrite(sessionID, CredentialsFile, data)
	}

	return nil
}

// --- key material ---

// PutKey schedules a key-material write. Repeated writes to the same
// (type,id) within the debounce window collapse to one disk write.
func (s *Store) PutKey(sessionID, typ, id string, kind RecordKind, data []byte) error {
	if s.isClosed() {
		return apperrors.ErrStoreClosed
	}

	filename, err := keyFilename(sessionID, typ, id)
	if err != nil {
		return err
	}

	s.deb.put(sessionID+"/"+filename, encodeRecord(kind, data))

	return nil
}

// GetKey reads a key-material record, consulting the pending debounce slot
// before the disk copy so a coalesced write is never invisible.
func (s *Store) GetKey(sessionID, typ, id string) (RecordKind, []byte, error) {
	filename, err := keyFilename(sessionID, typ, id)
	if err != nil {
		return 0, nil, err
	}

	if buf, ok := s.deb.peek(sessionID + "/" + filename); ok {
		return decodeRecord(buf)
	}

	buf, err := os.ReadFile(filepath.Join(s.root, sessionID, filename))
	if os.IsNotExist(err) {
		return 0, nil, apperrors.ErrCredentialsNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("reading key record: %w", err)
	}

	return decodeRecord(buf)
}

// DeleteKey removes a key-material record, cancelling any pending write.
func (s *Store) DeleteKey(sessionID, typ, id string) error {
	filename, err := keyFilename(sessionID, typ, id)
	if err != nil {
		return err
	}

	s.deb.cancel(sessionID + "/" + filename)

	if err := os.Remove(filepath.Join(s.root, sessionID, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key record: %w", err)
	}

	if s.mirror != nil {
		s.mirror.FireDelete(sessionID, filename)
	}

	return nil
}

// ListKeys enumerates the key-material records of a session.
func (s *Store) ListKeys(sessionID string) ([]KeyRef, error) {
	if err := validateName(sessionID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing session dir: %w", err)
	}

	var refs []KeyRef

	for _, e := range entries {
		if e.IsDir() || e.Name() == CredentialsFile {
			continue
		}

		typ, id, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}

		refs = append(refs, KeyRef{Type: typ, ID: id})
	}

	return refs, nil
}

// Flush forces out every pending debounced write. Called before a session
// reset and at shutdown.
func (s *Store) Flush() {
	s.deb.flushAll()
}

// --- session-level operations ---

// DeleteAll removes everything for a session, credentials included.
// Used on logout and explicit user data removal.
func (s *Store) DeleteAll(sessionID string) error {
	if err := validateName(sessionID); err != nil {
		return err
	}

	s.deb.cancelPrefix(sessionID + "/")

	names, err := s.Files(sessionID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}

	if s.mirror != nil {
		for _, name := range names {
			s.mirror.FireDelete(sessionID, name)
		}
	}

	return nil
}

// DeleteExceptCredentials removes all key material but keeps the credential
// record, forcing the protocol layer to rebuild its sessions from scratch
// without the user re-pairing.
func (s *Store) DeleteExceptCredentials(sessionID string) error {
	if err := validateName(sessionID); err != nil {
		return err
	}

	s.deb.cancelPrefix(sessionID + "/")

	names, err := s.Files(sessionID)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == CredentialsFile {
			continue
		}

		if err := os.Remove(filepath.Join(s.root, sessionID, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing key record %s: %w", name, err)
		}

		if s.mirror != nil {
			s.mirror.FireDelete(sessionID, name)
		}
	}

	return nil
}

// Sessions enumerates the session IDs present on disk.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing sessions root: %w", err)
	}

	var ids []string

	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}

	return ids, nil
}

// HasData reports whether any record exists for the session. Used by the
// startup hydrate decision: the secondary is only consulted when the
// primary is empty, so stale credentials are never resurrected over live
// ones.
func (s *Store) HasData(sessionID string) bool {
	names, err := s.Files(sessionID)

	return err == nil && len(names) > 0
}

// Files lists the raw filenames of a session directory.
func (s *Store) Files(sessionID string) ([]string, error) {
	if err := validateName(sessionID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing session dir: %w", err)
	}

	var names []string

	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// WriteRaw writes an already-encoded payload under a session. Used to
// hydrate the primary from the secondary at startup; it deliberately does
// not fire the mirror, since the bytes just came from there.
func (s *Store) WriteRaw(sessionID, filename string, payload []byte) error {
	if err := validateName(sessionID); err != nil {
		return err
	}

	if err := validateName(filename); err != nil {
		return err
	}

	return s.writeFile(sessionID, filename, payload)
}

// ReadRaw reads the raw on-disk payload of a file, pending debounced
// content included.
func (s *Store) ReadRaw(sessionID, filename string) ([]byte, error) {
	if err := validateName(sessionID); err != nil {
		return nil, err
	}

	if err := validateName(filename); err != nil {
		return nil, err
	}

	if buf, ok := s.deb.peek(sessionID + "/" + filename); ok {
		return buf, nil
	}

	data, err := os.ReadFile(filepath.Join(s.root, sessionID, filename))
	if os.IsNotExist(err) {
		return nil, apperrors.ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	return data, nil
}

// --- internals ---

// flushKeyWrite is the debouncer flush target: persist to disk, then
// notify the mirror. Key format is sessionID+"/"+filename.
func (s *Store) flushKeyWrite(key string, payload []byte) {
	sessionID, filename, ok := strings.Cut(key, "/")
	if !ok {
		return
	}

	if err := s.writeFile(sessionID, filename, payload); err != nil {
		s.logger.Error("flushing key write",
			slog.String("session_id", sessionID),
			slog.String("file", filename),
			slog.Any("error", err),
		)

		return
	}

	if s.mirror != nil {
		s.mirror.FireWrite(sessionID, filename, payload)
	}
}

func (s *Store) writeFile(sessionID, filename string, data []byte) error {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated
	// credential file behind.
	tmp := filepath.Join(dir, "."+filename+".tmp")
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(dir, filename)); err != nil {
		return fmt.Errorf("committing record: %w", err)
	}

	return nil
}

func keyFilename(sessionID, typ, id string) (string, error) {
	if err := validateName(sessionID); err != nil {
		return "", err
	}

	if typ == "" || strings.ContainsAny(typ, "/\\-") {
		return "", fmt.Errorf("invalid key type %q", typ)
	}

	if err := validateName(id); err != nil {
		return "", fmt.Errorf("invalid key id: %w", err)
	}

	return typ + "-" + id, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}

	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}

	return nil
}
