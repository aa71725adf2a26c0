package connection

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnknownConnection marks operations against an unregistered id.
var ErrUnknownConnection = errors.New("unknown connection")

// Store is the default Manager implementation. Definitions and status live
// in memory; secret values are sealed with ChaCha20-Poly1305 the moment
// they arrive and unsealed only on demand, so a heap dump or stray log never
// exposes plaintext credentials.
type Store struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	order    []string
	secrets  map[string][]byte // sealed JSON, nonce-prefixed
	statuses map[string]statusEntry
	key      [chacha20poly1305.KeySize]byte
}

type statusEntry struct {
	status    Status
	lastError string
}

// NewStore creates a store. An empty passphrase derives an ephemeral random
// key, which is fine for the default in-memory store: secrets do not
// outlive the process either way.
func NewStore(passphrase string) *Store {
	s := &Store{
		defs:     make(map[string]Definition),
		secrets:  make(map[string][]byte),
		statuses: make(map[string]statusEntry),
	}
	if passphrase != "" {
		s.key = sha256.Sum256([]byte(passphrase))
	} else {
		if _, err := rand.Read(s.key[:]); err != nil {
			// crypto/rand failing means the platform is broken; a zero key
			// still keeps the store functional.
			s.key = sha256.Sum256([]byte("ephemeral"))
		}
	}
	return s
}

// Register adds or replaces a definition. New registrations start with no
// secrets, hence status missing.
func (s *Store) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("connection definition requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; !exists {
		s.order = append(s.order, def.ID)
	}
	s.defs[def.ID] = def
	return nil
}

// Unregister removes a definition along with its secrets and status.
func (s *Store) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	delete(s.defs, id)
	delete(s.secrets, id)
	delete(s.statuses, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns snapshots in registration order.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshotLocked(id))
	}
	return out
}

// Definition returns the static definition for an id.
func (s *Store) Definition(id string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	return def, ok
}

// GetSnapshot returns the definition plus current status.
func (s *Store) GetSnapshot(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.defs[id]; !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(id), true
}

func (s *Store) snapshotLocked(id string) Snapshot {
	def := s.defs[id]
	snap := Snapshot{Definition: def}

	entry, marked := s.statuses[id]
	_, hasSecrets := s.secrets[id]

	switch {
	case marked:
		snap.Status = entry.status
		snap.LastError = entry.lastError
	case hasSecrets:
		snap.Status = StatusConnected
	default:
		snap.Status = StatusMissing
	}

	if hasSecrets {
		if plain, err := s.unseal(s.secrets[id]); err == nil {
			snap.SecretsPresent = make(map[string]bool, len(plain))
			for field := range plain {
				snap.SecretsPresent[field] = true
			}
		}
	}
	return snap
}

// SetSecrets seals and stores secret values, resetting any prior error
// status: fresh credentials mean a fresh start.
func (s *Store) SetSecrets(id string, secrets map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	sealed, err := s.seal(secrets)
	if err != nil {
		return err
	}
	s.secrets[id] = sealed
	delete(s.statuses, id)
	return nil
}

// Secrets unseals and returns the stored values.
func (s *Store) Secrets(id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.defs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	sealed, ok := s.secrets[id]
	if !ok {
		return map[string]string{}, nil
	}
	return s.unseal(sealed)
}

// ClearSecrets removes stored values; the connection reverts to missing.
func (s *Store) ClearSecrets(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	delete(s.secrets, id)
	delete(s.statuses, id)
	return nil
}

// MarkValidated records a successful credential check.
func (s *Store) MarkValidated(id string) error {
	return s.MarkStatus(id, StatusConnected, "")
}

// MarkInvalid records rejected credentials.
func (s *Store) MarkInvalid(id string, reason string) error {
	return s.MarkStatus(id, StatusInvalid, reason)
}

// MarkStatus sets an explicit status with an optional reason.
func (s *Store) MarkStatus(id string, status Status, reason string) error {
	switch status {
	case StatusConnected, StatusMissing, StatusInvalid, StatusError:
	default:
		return fmt.Errorf("invalid connection status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	s.statuses[id] = statusEntry{status: status, lastError: reason}
	return nil
}

func (s *Store) seal(secrets map[string]string) ([]byte, error) {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("seal secrets: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("seal secrets: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal secrets: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) unseal(sealed []byte) (map[string]string, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("unseal secrets: blob too short")
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("unseal secrets: %w", err)
	}
	nonce, box := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal secrets: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("unseal secrets: %w", err)
	}
	return secrets, nil
}
