// Package permission manages time-scoped access grants layered on vault
// records, themselves persisted as vault records of a dedicated schema.
// Revocation never mutates or deletes a grant record: it writes a
// revocation marker alongside, and every check consults both.
package permission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/vault"
)

const (
	// GrantSchema is the record schema for permission grants.
	GrantSchema = "https://meridian.io/schemas/permission"
	// RevocationSchema is the record schema for revocation markers.
	RevocationSchema = "https://meridian.io/schemas/permission-revocation"

	// DefaultTTL applies to short-lived analytical grants issued without
	// an explicit duration.
	DefaultTTL = 30 * time.Minute
)

// Scope describes what a grant allows: an interface ("Records") and a
// method on it ("Read", "Write").
type Scope struct {
	Interface string `json:"interface"`
	Method    string `json:"method"`
}

// Grant is one discretionary permission. A nil ExpiresAt means the grant
// is open-ended, as license-style grants are.
type Grant struct {
	ID        string     `json:"id"`
	GrantedTo string     `json:"grantedTo"`
	GrantedBy string     `json:"grantedBy"`
	RecordID  string     `json:"recordId"`
	Scope     Scope      `json:"scope"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Active reports whether the grant is unexpired at t.
func (g Grant) Active(t time.Time) bool {
	return g.ExpiresAt == nil || t.Before(*g.ExpiresAt)
}

type grantPayload struct {
	GrantedTo string     `json:"grantedTo"`
	GrantedBy string     `json:"grantedBy"`
	RecordID  string     `json:"recordId"`
	Scope     Scope      `json:"scope"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type revocationPayload struct {
	GrantID   string    `json:"grantId"`
	RevokedAt time.Time `json:"revokedAt"`
}

// recordVault is the slice of the vault service the manager needs.
type recordVault interface {
	DID() string
	Write(ctx context.Context, schema string, payload json.RawMessage) (vault.Record, error)
	QueryRecords(ctx context.Context, q vault.Query) ([]vault.Record, error)
}

// Manager grants, revokes and checks permissions for the active identity.
type Manager struct {
	vault recordVault
	now   func() time.Time
}

// NewManager builds a manager over v.
func NewManager(v recordVault) *Manager {
	return &Manager{vault: v, now: time.Now}
}

// Grant issues a permission for targetDID over recordID, valid for ttl.
// A zero ttl means DefaultTTL; a negative ttl is rejected. For grants
// with no expiry at all, use GrantOpenEnded.
func (m *Manager) Grant(ctx context.Context, targetDID, recordID string, scope Scope, ttl time.Duration) (Grant, error) {
	if ttl < 0 {
		return Grant{}, fault.New(fault.KindValidationError).WithMessage("grant duration must be positive")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	expires := m.now().UTC().Add(ttl)
	return m.write(ctx, targetDID, recordID, scope, &expires)
}

// GrantOpenEnded issues a grant with no expiry. Such grants stay active
// until revoked; the gateway does not track on-chain invalidation.
func (m *Manager) GrantOpenEnded(ctx context.Context, targetDID, recordID string, scope Scope) (Grant, error) {
	return m.write(ctx, targetDID, recordID, scope, nil)
}

func (m *Manager) write(ctx context.Context, targetDID, recordID string, scope Scope, expires *time.Time) (Grant, error) {
	if targetDID == "" {
		return Grant{}, fault.New(fault.KindValidationError).WithMessage("grantee identifier is required")
	}
	if recordID == "" {
		return Grant{}, fault.New(fault.KindValidationError).WithMessage("record ID is required")
	}

	created := m.now().UTC()
	if expires != nil && !expires.After(created) {
		return Grant{}, fault.New(fault.KindValidationError).WithMessage("expiry must be after creation")
	}

	payload, err := json.Marshal(grantPayload{
		GrantedTo: targetDID,
		GrantedBy: m.vault.DID(),
		RecordID:  recordID,
		Scope:     scope,
		CreatedAt: created,
		ExpiresAt: expires,
	})
	if err != nil {
		return Grant{}, fault.Wrap(fault.KindGrantFailed, err)
	}

	rec, err := m.vault.Write(ctx, GrantSchema, payload)
	if err != nil {
		return Grant{}, fault.Wrap(fault.KindGrantFailed, err)
	}

	ev := log.Info().
		Str("grant_id", rec.ID).
		Str("grantee", targetDID).
		Str("record_id", recordID)
	if expires != nil {
		ev = ev.Time("expires_at", *expires)
	}
	ev.Msg("Permission granted")

	return Grant{
		ID:        rec.ID,
		GrantedTo: targetDID,
		GrantedBy: m.vault.DID(),
		RecordID:  recordID,
		Scope:     scope,
		CreatedAt: created,
		ExpiresAt: expires,
	}, nil
}

// Revoke writes revocation markers for every grant issued to targetDID
// over recordID. It fails when no such grant exists; revoking twice is
// harmless.
func (m *Manager) Revoke(ctx context.Context, targetDID, recordID string) error {
	grants, err := m.grants(ctx)
	if err != nil {
		return fault.Wrap(fault.KindRevokeFailed, err)
	}

	revoked := 0
	now := m.now().UTC()
	for _, g := range grants {
		if g.GrantedTo != targetDID || g.RecordID != recordID {
			continue
		}
		payload, err := json.Marshal(revocationPayload{GrantID: g.ID, RevokedAt: now})
		if err != nil {
			return fault.Wrap(fault.KindRevokeFailed, err)
		}
		if _, err := m.vault.Write(ctx, RevocationSchema, payload); err != nil {
			return fault.Wrap(fault.KindRevokeFailed, err)
		}
		revoked++
	}
	if revoked == 0 {
		return fault.New(fault.KindNotFound).WithMessage("no matching grant")
	}

	log.Info().
		Str("grantee", targetDID).
		Str("record_id", recordID).
		Int("grants", revoked).
		Msg("Permission revoked")
	return nil
}

// Check reports whether targetDID currently holds an active grant over
// recordID. Every call re-reads the vault; expiry and revocation are
// never cached, so access ends the instant the clock crosses the expiry.
func (m *Manager) Check(ctx context.Context, recordID, targetDID string) (bool, error) {
	grants, err := m.active(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.GrantedTo == targetDID && g.RecordID == recordID {
			return true, nil
		}
	}
	return false, nil
}

// List returns every active (unexpired, unrevoked) grant issued by the
// current identity.
func (m *Manager) List(ctx context.Context) ([]Grant, error) {
	return m.active(ctx)
}

func (m *Manager) active(ctx context.Context) ([]Grant, error) {
	grants, err := m.grants(ctx)
	if err != nil {
		return nil, err
	}
	revoked, err := m.revoked(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var out []Grant
	for _, g := range grants {
		if g.Active(now) && !revoked[g.ID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Manager) grants(ctx context.Context) ([]Grant, error) {
	recs, err := m.vault.QueryRecords(ctx, vault.Query{Schema: GrantSchema})
	if err != nil {
		return nil, fault.Wrap(fault.KindQueryFailed, err)
	}

	grants := make([]Grant, 0, len(recs))
	for _, rec := range recs {
		var p grantPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			log.Warn().Str("record_id", rec.ID).Err(err).Msg("Skipping malformed grant record")
			continue
		}
		grants = append(grants, Grant{
			ID:        rec.ID,
			GrantedTo: p.GrantedTo,
			GrantedBy: p.GrantedBy,
			RecordID:  p.RecordID,
			Scope:     p.Scope,
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.ExpiresAt,
		})
	}
	return grants, nil
}

func (m *Manager) revoked(ctx context.Context) (map[string]bool, error) {
	recs, err := m.vault.QueryRecords(ctx, vault.Query{Schema: RevocationSchema})
	if err != nil {
		return nil, fault.Wrap(fault.KindQueryFailed, err)
	}

	revoked := make(map[string]bool, len(recs))
	for _, rec := range recs {
		var p revocationPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			log.Warn().Str("record_id", rec.ID).Err(err).Msg("Skipping malformed revocation record")
			continue
		}
		revoked[p.GrantID] = true
	}
	return revoked, nil
}
