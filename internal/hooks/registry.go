package hooks

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Registry holds the active hook definitions. Lookups are cheap reads;
// Replace swaps the whole set atomically so reloads never expose a partial
// view.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Config
	order []string
}

// NewRegistry validates and installs the initial hook set.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(configs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new hook set. On error the previous set
// stays active.
func (r *Registry) Replace(configs []Config) error {
	hooks := make(map[string]Config, len(configs))
	order := make([]string, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := hooks[cfg.Name]; dup {
			return &ConfigError{Hook: cfg.Name, Field: "name", Reason: "duplicate hook name"}
		}
		hooks[cfg.Name] = cfg
		order = append(order, cfg.Name)
	}

	r.mu.Lock()
	r.hooks = hooks
	r.order = order
	r.mu.Unlock()
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.hooks[name]
	return cfg, ok
}

// Names returns hook names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns all definitions in registration order.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.hooks[name])
	}
	return out
}

// Len reports the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Match expands glob patterns against registered names. Results keep
// registration order and are deduplicated across patterns. Exact names match
// themselves, so Match is safe for plain name lists too.
func (r *Registry) Match(patterns []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling hook pattern %q: %w", pattern, err)
		}
		for _, name := range r.order {
			if g.Match(name) && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}
