// Package vault implements the personal data vault: identity creation and
// record storage against a remote decentralized web node, with a local
// fallback vault that takes over when the node is unreachable.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/kvstore"
)

// State is the vault connection state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateLive          State = "live"
	StateFallback      State = "fallback"
	StateDisconnected  State = "disconnected"
)

// Persisted identity keys.
const (
	keyDID         = "did"
	keyFallback    = "fallback"
	keyRecordIndex = "record_index"
)

// localDIDMethod marks identifiers minted by the fallback vault. They are
// deliberately distinguishable from real did:key identifiers so callers
// can tell degraded identities apart.
const localDIDMethod = "did:local:"

// Service is the vault state machine. Once it enters fallback mode it
// stays there for the rest of the session; flapping between live and
// fallback mid-session would split records across two stores.
type Service struct {
	mu       sync.Mutex
	client   DWNClient
	identity kvstore.Store
	records  kvstore.Store
	now      func() time.Time

	state    State
	did      string
	fallback bool
	order    []string
}

// NewService builds a vault over client for live operation and store for
// the fallback vault and identity persistence.
func NewService(client DWNClient, store kvstore.Store) *Service {
	return &Service{
		client:   client,
		identity: kvstore.Namespaced(store, "identity"),
		records:  kvstore.Namespaced(store, "records"),
		now:      time.Now,
		state:    StateUninitialized,
	}
}

// CreateIdentity provisions a new decentralized identifier. When every
// vault node is unreachable it mints a local identifier and enters
// fallback mode instead of failing.
func (s *Service) CreateIdentity(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnecting

	did, err := s.client.CreateIdentity(ctx)
	if err != nil {
		if !fault.IsKind(err, fault.KindNetworkError) {
			s.state = StateUninitialized
			return "", fault.Wrap(fault.KindVaultWriteFailed, err)
		}
		log.Warn().Err(err).Msg("Vault node unreachable, creating local fallback identity")
		did, err = newLocalDID(s.now())
		if err != nil {
			s.state = StateUninitialized
			return "", fmt.Errorf("failed to create fallback identity: %w", err)
		}
		return did, s.adopt(did, true)
	}
	return did, s.adopt(did, false)
}

// ConnectExisting resumes a session with a previously created identifier.
func (s *Service) ConnectExisting(ctx context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnecting

	// Locally minted identities are unknown to any vault node and resume
	// straight into fallback mode, never promoted to live.
	if IsLocalDID(did) {
		stored, serr := s.identity.Get(keyDID)
		if serr != nil || string(stored) != did {
			s.state = StateUninitialized
			return fault.New(fault.KindIdentityNotFound).WithMessage("unknown local identity")
		}
		return s.adopt(did, true)
	}

	err := s.client.ResolveIdentity(ctx, did)
	switch {
	case err == nil:
		return s.adopt(did, false)
	case fault.IsKind(err, fault.KindNotFound):
		s.state = StateUninitialized
		return fault.Wrap(fault.KindIdentityNotFound, err)
	case fault.IsKind(err, fault.KindNetworkError):
		// Offline: only the identity this vault minted can resume.
		stored, serr := s.identity.Get(keyDID)
		if serr != nil || string(stored) != did {
			s.state = StateUninitialized
			return fault.Wrap(fault.KindIdentityNotFound, err)
		}
		log.Warn().Str("did", did).Msg("Vault node unreachable, resuming in fallback mode")
		return s.adopt(did, true)
	default:
		s.state = StateUninitialized
		return fault.Wrap(fault.KindReadFailed, err)
	}
}

// Restore reconnects with the identifier persisted from a previous
// session, if any.
func (s *Service) Restore(ctx context.Context) (string, error) {
	s.mu.Lock()
	stored, err := s.identity.Get(keyDID)
	s.mu.Unlock()
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return "", fault.New(fault.KindIdentityNotFound).WithMessage("no stored identity")
	}
	if err != nil {
		return "", fault.Wrap(fault.KindReadFailed, err)
	}

	did := string(stored)
	if err := s.ConnectExisting(ctx, did); err != nil {
		return "", err
	}
	return did, nil
}

// adopt commits an identity and persists it. Caller holds the lock.
func (s *Service) adopt(did string, fallback bool) error {
	if err := s.identity.Set(keyDID, []byte(did)); err != nil {
		s.state = StateUninitialized
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	flag := []byte("0")
	if fallback {
		flag = []byte("1")
	}
	if err := s.identity.Set(keyFallback, flag); err != nil {
		s.state = StateUninitialized
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}

	s.did = did
	s.fallback = fallback
	if fallback {
		s.state = StateFallback
		if err := s.loadIndex(); err != nil {
			return err
		}
	} else {
		s.state = StateLive
	}
	return nil
}

// Write stores a JSON payload under the given schema and returns the new
// record. Each call creates a new record; identical payloads are not
// deduplicated.
func (s *Service) Write(ctx context.Context, schema string, payload json.RawMessage) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         uuid.NewString(),
		Schema:     schema,
		DataFormat: "application/json",
		Payload:    payload,
		CreatedAt:  s.now().UTC(),
	}

	if s.fallback {
		if err := s.writeLocal(rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	id, err := s.client.WriteRecord(ctx, s.did, rec)
	if err != nil {
		return Record{}, fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	if id != "" {
		rec.ID = id
	}
	return rec, nil
}

// Read fetches a single record by ID.
func (s *Service) Read(ctx context.Context, recordID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return Record{}, err
	}

	if s.fallback {
		return s.readLocal(recordID)
	}

	rec, err := s.client.ReadRecord(ctx, s.did, recordID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return Record{}, err
		}
		return Record{}, fault.Wrap(fault.KindReadFailed, err)
	}
	return rec, nil
}

// QueryRecords returns all records matching q in insertion order.
func (s *Service) QueryRecords(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	if s.fallback {
		var out []Record
		for _, id := range s.order {
			rec, err := s.readLocal(id)
			if err != nil {
				return nil, err
			}
			if q.Matches(rec) {
				out = append(out, rec)
			}
		}
		return out, nil
	}

	recs, err := s.client.QueryRecords(ctx, s.did, q)
	if err != nil {
		return nil, fault.Wrap(fault.KindQueryFailed, err)
	}
	return recs, nil
}

// Delete removes a record by ID.
func (s *Service) Delete(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return err
	}

	if s.fallback {
		if _, err := s.records.Get(recordID); errors.Is(err, kvstore.ErrKeyNotFound) {
			return fault.New(fault.KindNotFound)
		} else if err != nil {
			return fault.Wrap(fault.KindDeleteFailed, err)
		}
		if err := s.records.Delete(recordID); err != nil {
			return fault.Wrap(fault.KindDeleteFailed, err)
		}
		for i, id := range s.order {
			if id == recordID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return s.saveIndex()
	}

	if err := s.client.DeleteRecord(ctx, s.did, recordID); err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return err
		}
		return fault.Wrap(fault.KindDeleteFailed, err)
	}
	return nil
}

// DID returns the active identifier, empty when not connected.
func (s *Service) DID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.did
}

// IsFallback reports whether the vault is running against local storage.
func (s *Service) IsFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

// State returns the current connection state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnect ends the session but keeps the persisted identity so a later
// Restore can resume it.
func (s *Service) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.did = ""
	s.fallback = false
	s.order = nil
}

// Reset wipes the persisted identity and every fallback record.
func (s *Service) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.records.List("")
	if err != nil {
		return fault.Wrap(fault.KindDeleteFailed, err)
	}
	for _, id := range ids {
		if err := s.records.Delete(id); err != nil {
			return fault.Wrap(fault.KindDeleteFailed, err)
		}
	}
	for _, key := range []string{keyDID, keyFallback, keyRecordIndex} {
		if err := s.identity.Delete(key); err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
			return fault.Wrap(fault.KindDeleteFailed, err)
		}
	}

	s.state = StateUninitialized
	s.did = ""
	s.fallback = false
	s.order = nil
	return nil
}

func (s *Service) requireConnected() error {
	if s.state != StateLive && s.state != StateFallback {
		return fault.New(fault.KindValidationError).WithMessage("vault is not connected")
	}
	return nil
}

func (s *Service) writeLocal(rec Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	if err := s.records.Set(rec.ID, data); err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	s.order = append(s.order, rec.ID)
	return s.saveIndex()
}

func (s *Service) readLocal(recordID string) (Record, error) {
	data, err := s.records.Get(recordID)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return Record{}, fault.New(fault.KindNotFound)
	}
	if err != nil {
		return Record{}, fault.Wrap(fault.KindReadFailed, err)
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Record{}, fault.Wrap(fault.KindReadFailed, err)
	}
	return rec, nil
}

// loadIndex restores the insertion-order index from a previous fallback
// session. Caller holds the lock.
func (s *Service) loadIndex() error {
	data, err := s.identity.Get(keyRecordIndex)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		s.order = nil
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.KindReadFailed, err)
	}
	if err := cbor.Unmarshal(data, &s.order); err != nil {
		return fault.Wrap(fault.KindReadFailed, err)
	}
	return nil
}

func (s *Service) saveIndex() error {
	data, err := cbor.Marshal(s.order)
	if err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	if err := s.identity.Set(keyRecordIndex, data); err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	return nil
}

// newLocalDID mints a fallback identifier: the creation time in base36
// followed by 22 hex characters of randomness.
func newLocalDID(now time.Time) (string, error) {
	buf := make([]byte, 11)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return localDIDMethod + strconv.FormatInt(now.Unix(), 36) + hex.EncodeToString(buf), nil
}

// IsLocalDID reports whether did was minted by a fallback vault.
func IsLocalDID(did string) bool {
	return len(did) > len(localDIDMethod) && did[:len(localDIDMethod)] == localDIDMethod
}
