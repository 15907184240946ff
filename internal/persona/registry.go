package persona

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var builtin embed.FS

// Registry holds the loaded personas. Lookups are safe during reloads.
type Registry struct {
	mu        sync.RWMutex
	personas  map[string]*Persona
	defaultID string
}

// NewRegistry loads the built-in personas, then applies any *.yaml overrides
// found in dir. An empty dir skips the overrides.
func NewRegistry(defaultID, dir string) (*Registry, error) {
	r := &Registry{defaultID: defaultID}
	if err := r.Reload(dir); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the persona set from the built-ins and dir. On error the
// previous set stays in place.
func (r *Registry) Reload(dir string) error {
	loaded, err := loadFS(builtin, "data")
	if err != nil {
		return fmt.Errorf("load built-in personas: %w", err)
	}

	if dir != "" {
		overrides, err := loadFS(os.DirFS(dir), ".")
		if err != nil {
			return fmt.Errorf("load personas from %s: %w", dir, err)
		}
		for id, p := range overrides {
			loaded[id] = p
		}
	}

	if r.defaultID == "" {
		r.defaultID = "relocation"
	}
	if _, ok := loaded[r.defaultID]; !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownPersona, r.defaultID)
	}

	r.mu.Lock()
	r.personas = loaded
	r.mu.Unlock()
	return nil
}

func loadFS(fsys fs.FS, root string) (map[string]*Persona, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Persona, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		raw, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return nil, err
		}
		p, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out[p.ID] = p
	}
	return out, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Parse decodes and validates one persona document.
func Parse(raw []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if err := p.prepare(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns the persona with the given id.
func (r *Registry) Get(id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

// Default returns the default persona.
func (r *Registry) Default() *Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas[r.defaultID]
}

// DefaultID returns the id of the default persona.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IDs returns the loaded persona ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
