// Package profile binds the decision store and cached trust level to
// the currently active profile. The broker holds exactly one Scope at a
// time; switching profiles swaps the whole value atomically from the
// broker's point of view.
package profile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gateinfra/toolgate/internal/store"
	"github.com/gateinfra/toolgate/internal/types"
)

// ErrNoProfile is returned when an operation requires an active profile
// and none is bound.
var ErrNoProfile = errors.New("profile: no active profile")

// Scope is the per-profile view of the decision store. The trust level
// is cached on creation and kept in sync by SetTrust, so policy
// evaluation does not hit the disk on every request.
type Scope struct {
	id string
	st *store.Store

	mu    sync.RWMutex
	trust types.TrustLevel
}

// NewScope binds a profile id to the store and loads its trust level.
func NewScope(profileID string, st *store.Store) (*Scope, error) {
	if profileID == "" {
		return nil, ErrNoProfile
	}
	return &Scope{
		id:    profileID,
		st:    st,
		trust: st.TrustLevel(profileID),
	}, nil
}

// ID returns the bound profile id.
func (s *Scope) ID() string { return s.id }

// Trust returns the cached trust level.
func (s *Scope) Trust() types.TrustLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trust
}

// SetTrust persists a new trust level and updates the cache.
func (s *Scope) SetTrust(level types.TrustLevel) error {
	if err := s.st.SetTrustLevel(s.id, level); err != nil {
		return err
	}
	s.mu.Lock()
	s.trust = level
	s.mu.Unlock()
	return nil
}

// Remembered looks up a persisted decision for this profile.
func (s *Scope) Remembered(toolID, fingerprint string) (types.RememberedDecision, bool) {
	return s.st.Remembered(s.id, toolID, fingerprint)
}

// RememberedAll lists every persisted decision for this profile.
func (s *Scope) RememberedAll() map[string]types.RememberedDecision {
	return s.st.RememberedAll(s.id)
}

// Remember persists a decision for this profile.
func (s *Scope) Remember(toolID, fingerprint string, decision types.Decision) error {
	if err := s.st.Remember(s.id, toolID, fingerprint, decision); err != nil {
		return fmt.Errorf("scope %s: %w", s.id, err)
	}
	return nil
}

// Forget revokes a remembered decision for this profile.
func (s *Scope) Forget(toolID, fingerprint string) error {
	return s.st.Forget(s.id, toolID, fingerprint)
}

// Purge removes all persisted state for this profile. Used when the
// profile itself is deleted.
func (s *Scope) Purge() error {
	return s.st.PurgeProfile(s.id)
}
