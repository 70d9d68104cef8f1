// Package store persists per-profile trust levels and remembered
// permission decisions. One JSON document per profile, written with a
// temp-file-then-rename discipline so a crash mid-write leaves either
// the old or the new complete state, never a torn file.
//
// Mutation within one process is serialized per profile; coordination
// across processes is out of scope (single writer per profile).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gateinfra/toolgate/internal/types"
)

const (
	schemaVersion = 1
	writeRetries  = 3
	retryDelay    = 25 * time.Millisecond
)

var (
	// ErrOutOfRange is returned when a trust level outside [0,3] is set.
	ErrOutOfRange = errors.New("store: trust level out of range")
	// ErrCorrupted marks a profile document that failed to parse. The
	// store recovers by falling back to an empty document; callers only
	// see this through logs.
	ErrCorrupted = errors.New("store: corrupted profile document")
)

// document is the on-disk schema for one profile.
type document struct {
	Version   int                                 `json:"version"`
	Trust     types.TrustLevel                    `json:"trustLevel"`
	Decisions map[string]types.RememberedDecision `json:"decisions"`
}

func emptyDocument() document {
	return document{
		Version:   schemaVersion,
		Trust:     types.TrustAskAlways,
		Decisions: make(map[string]types.RememberedDecision),
	}
}

// Store is the durable decision store for all profiles under one data
// directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-profile write locks
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "store"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) profileLock(profileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[profileID] = l
	}
	return l
}

func (s *Store) profileDir(profileID string) string {
	return filepath.Join(s.dir, profileID)
}

func (s *Store) profilePath(profileID string) string {
	return filepath.Join(s.profileDir(profileID), "decisions.json")
}

// load reads a profile document. A missing file yields the empty
// default; a corrupted file is logged and replaced by the default so
// the engine never crashes on bad persisted state. The resulting bias
// is toward asking again, never toward silently allowing.
func (s *Store) load(profileID string) document {
	data, err := os.ReadFile(s.profilePath(profileID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read profile document", "profile", profileID, "error", err)
		}
		return emptyDocument()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil || !doc.Trust.Valid() {
		s.logger.Warn("discarding corrupted profile document",
			"profile", profileID, "error", errors.Join(ErrCorrupted, err))
		return emptyDocument()
	}
	if doc.Decisions == nil {
		doc.Decisions = make(map[string]types.RememberedDecision)
	}
	return doc
}

// save writes a profile document atomically, retrying transient
// failures. Write to a temp file in the same directory, then rename
// over the canonical path.
func (s *Store) save(profileID string, doc document) error {
	dir := s.profileDir(profileID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: create profile dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal profile %s: %w", profileID, err)
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if lastErr = s.writeAtomic(dir, s.profilePath(profileID), data); lastErr == nil {
			return nil
		}
		s.logger.Warn("profile write failed", "profile", profileID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("store: write profile %s: %w", profileID, lastErr)
}

func (s *Store) writeAtomic(dir, dst string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".decisions-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// TrustLevel returns the profile's trust level, defaulting to
// ask-every-time when unset.
func (s *Store) TrustLevel(profileID string) types.TrustLevel {
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()
	return s.load(profileID).Trust
}

// SetTrustLevel persists a new trust level for the profile.
func (s *Store) SetTrustLevel(profileID string, level types.TrustLevel) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrOutOfRange, level)
	}
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	doc := s.load(profileID)
	doc.Trust = level
	return s.save(profileID, doc)
}

// Remembered returns the persisted decision for the key, if any.
func (s *Store) Remembered(profileID, toolID, fingerprint string) (types.RememberedDecision, bool) {
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	doc := s.load(profileID)
	rd, ok := doc.Decisions[key(toolID, fingerprint)]
	return rd, ok
}

// RememberedAll returns a copy of every persisted decision for the
// profile, keyed by "toolId::fingerprint".
func (s *Store) RememberedAll(profileID string) map[string]types.RememberedDecision {
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	doc := s.load(profileID)
	out := make(map[string]types.RememberedDecision, len(doc.Decisions))
	for k, v := range doc.Decisions {
		out[k] = v
	}
	return out
}

// Remember persists a decision for the key, overwriting any previous
// entry. Only allow_always and an explicitly remembered deny belong
// here; allow_once is never persisted.
func (s *Store) Remember(profileID, toolID, fingerprint string, decision types.Decision) error {
	if decision != types.AllowAlways && decision != types.Deny {
		return fmt.Errorf("store: decision %q is not persistable", decision)
	}
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	doc := s.load(profileID)
	doc.Decisions[key(toolID, fingerprint)] = types.RememberedDecision{
		Decision:   decision,
		RecordedAt: time.Now().UTC(),
	}
	return s.save(profileID, doc)
}

// Forget removes a remembered decision (explicit revocation). Removing
// an absent key is a no-op.
func (s *Store) Forget(profileID, toolID, fingerprint string) error {
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	doc := s.load(profileID)
	k := key(toolID, fingerprint)
	if _, ok := doc.Decisions[k]; !ok {
		return nil
	}
	delete(doc.Decisions, k)
	return s.save(profileID, doc)
}

// PurgeProfile removes every entry for a deleted profile. A remembered
// decision for a profile that no longer exists is dead data.
func (s *Store) PurgeProfile(profileID string) error {
	l := s.profileLock(profileID)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(s.profileDir(profileID)); err != nil {
		return fmt.Errorf("store: purge profile %s: %w", profileID, err)
	}

	s.mu.Lock()
	delete(s.locks, profileID)
	s.mu.Unlock()
	return nil
}

func key(toolID, fingerprint string) string {
	return toolID + "::" + fingerprint
}
