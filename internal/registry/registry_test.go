package registry

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gateinfra/toolgate/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "files.yaml", `
tools:
  - id: file.read
    permissions: {read: true}
    riskLevel: low
    reversible: true
    sandbox: true
  - id: file.write
    permissions: {read: true, write: true}
    riskLevel: medium
`)
	writeManifest(t, dir, "shell.yml", `
tools:
  - id: shell.exec
    permissions: {execute: true}
    riskLevel: high
`)
	writeManifest(t, dir, "README.md", "not a manifest")

	r, err := Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := len(r.List()); got != 3 {
		t.Fatalf("loaded %d tools, want 3", got)
	}

	m, ok := r.Manifest("shell.exec")
	if !ok {
		t.Fatal("shell.exec not found")
	}
	if m.Risk != types.RiskHigh || !m.Permissions.Execute {
		t.Fatalf("shell.exec manifest = %+v", m)
	}

	m, ok = r.Manifest("file.read")
	if !ok || !m.Reversible || !m.Sandbox {
		t.Fatalf("file.read manifest = %+v", m)
	}
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent"), discardLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestLoadRejectsBadRiskLevel(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", `
tools:
  - id: nuke.all
    riskLevel: apocalyptic
`)
	if _, err := Load(dir, discardLogger()); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndEmptyID(t *testing.T) {
	r := NewRegistry(discardLogger())
	m := types.ToolManifest{ID: "t", Risk: types.RiskLow}
	if err := r.Register(m); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(m); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("duplicate: expected ErrInvalidManifest, got %v", err)
	}
	if err := r.Register(types.ToolManifest{Risk: types.RiskLow}); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("empty id: expected ErrInvalidManifest, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(discardLogger())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(types.ToolManifest{ID: id, Risk: types.RiskLow}); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if list[0].ID != "alpha" || list[2].ID != "zeta" {
		t.Fatalf("list not sorted: %v", list)
	}
}
