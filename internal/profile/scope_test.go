package profile

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gateinfra/toolgate/internal/store"
	"github.com/gateinfra/toolgate/internal/types"
)

func testScope(t *testing.T, profileID string) *Scope {
	t.Helper()
	st, err := store.New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	sc, err := NewScope(profileID, st)
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	return sc
}

func TestNewScopeRequiresProfile(t *testing.T) {
	st, err := store.New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewScope("", st); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

func TestScopeCachesTrust(t *testing.T) {
	sc := testScope(t, "p1")
	if sc.Trust() != types.TrustAskAlways {
		t.Fatalf("initial trust = %d, want default", sc.Trust())
	}
	if err := sc.SetTrust(types.TrustAskOnce); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if sc.Trust() != types.TrustAskOnce {
		t.Fatalf("cached trust = %d, want %d", sc.Trust(), types.TrustAskOnce)
	}
}

func TestScopeRememberAndPurge(t *testing.T) {
	sc := testScope(t, "p1")
	if err := sc.Remember("t", "fp", types.AllowAlways); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, ok := sc.Remembered("t", "fp"); !ok {
		t.Fatal("remembered decision not found")
	}
	if err := sc.Purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, ok := sc.Remembered("t", "fp"); ok {
		t.Fatal("remembered decision survived purge")
	}
}
