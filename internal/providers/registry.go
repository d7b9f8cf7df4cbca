package providers

import (
	"fmt"
	"sort"
	"sync"

	"embedstream/internal/core"
)

// Entry is one registered upstream
type Entry struct {
	Name     string
	Type     string
	Embedder core.EmbeddingModel[string]
	Streamer Streamer
}

// Registry resolves request model names to upstreams
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	defaultName string
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers p under name
func (r *Registry) Add(name, providerType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{Name: name, Type: providerType, Embedder: p, Streamer: p}
}

// SetDefault picks the upstream used when a request names none
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("default provider %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// WrapEmbedders replaces every embedding model with wrap(name, model).
// Used to install decorators such as the embedding cache.
func (r *Registry) WrapEmbedders(wrap func(name string, m core.EmbeddingModel[string]) core.EmbeddingModel[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		e.Embedder = wrap(name, e.Embedder)
	}
}

// Lookup returns the entry for name, or the default entry when name is empty
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
		if name == "" {
			return nil, core.NewInvalidRequestError("model is required", nil)
		}
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, core.NewNotFoundError("unknown model: " + name)
	}
	return e, nil
}

// Embedder returns the embedding model registered under name
func (r *Registry) Embedder(name string) (core.EmbeddingModel[string], error) {
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Embedder, nil
}

// Streamer returns the chat streamer registered under name
func (r *Registry) Streamer(name string) (Streamer, error) {
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Streamer, nil
}

// Names lists registered upstream names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered upstreams
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
