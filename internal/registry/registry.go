// Package registry loads and serves tool manifests. Manifest documents
// are YAML files in a single directory; each file declares one or more
// tools. The registry validates at the boundary and is read-only
// afterwards: the engine never mutates a manifest.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gateinfra/toolgate/internal/types"
)

// ErrInvalidManifest is returned for manifests that fail boundary
// validation (missing id, unknown risk level, duplicate id).
var ErrInvalidManifest = errors.New("registry: invalid manifest")

// document is the schema of one manifest file.
type document struct {
	Tools []types.ToolManifest `yaml:"tools"`
}

// Registry is an immutable-after-load set of tool manifests.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]types.ToolManifest
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]types.ToolManifest),
		logger: logger.With("component", "registry"),
	}
}

// Load reads every .yaml/.yml file under dir and builds a registry. A
// missing directory yields an empty registry; a malformed manifest
// fails the whole load so bad data never propagates inward.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("manifest directory missing, starting empty", "dir", dir)
			return r, nil
		}
		return nil, fmt.Errorf("registry: read dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return nil, err
		}
	}

	r.logger.Info("manifests loaded", "dir", dir, "tools", len(r.tools))
	return r, nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}

	for _, m := range doc.Tools {
		if err := r.Register(m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// Register validates and adds one manifest.
func (r *Registry) Register(m types.ToolManifest) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty tool id", ErrInvalidManifest)
	}
	if !m.Risk.Valid() {
		return fmt.Errorf("%w: tool %q risk level %q", ErrInvalidManifest, m.ID, m.Risk)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[m.ID]; exists {
		return fmt.Errorf("%w: duplicate tool id %q", ErrInvalidManifest, m.ID)
	}
	r.tools[m.ID] = m
	return nil
}

// Manifest returns the manifest for a tool id. Satisfies
// broker.ManifestSource.
func (r *Registry) Manifest(toolID string) (types.ToolManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tools[toolID]
	return m, ok
}

// List returns all manifests sorted by id.
func (r *Registry) List() []types.ToolManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolManifest, 0, len(r.tools))
	for _, m := range r.tools {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
