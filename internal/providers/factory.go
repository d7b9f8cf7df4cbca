// Package providers builds the named upstreams the server embeds and streams with.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/panjf2000/ants/v2"

	"embedstream/config"
	"embedstream/internal/core"
	"embedstream/internal/stream"
)

// Streamer opens a chat completion as a stream of upstream units
type Streamer interface {
	StreamChat(ctx context.Context, prompt string) (stream.Source, error)
}

// Provider is an upstream that can embed strings and stream chat output
type Provider interface {
	core.EmbeddingModel[string]
	Streamer
}

// Deps are shared resources handed to every provider constructor
type Deps struct {
	HTTPClient *http.Client
	// Pool runs producer goroutines for adapters that push chunks
	Pool   *ants.Pool
	Logger *slog.Logger
}

// Registration binds a config type to a constructor
type Registration struct {
	Type string
	New  func(name string, cfg config.ProviderConfig, deps Deps) (Provider, error)
}

// Factory creates providers by config type
type Factory struct {
	builders map[string]Registration
}

// NewFactory returns a factory with regs registered
func NewFactory(regs ...Registration) *Factory {
	f := &Factory{builders: make(map[string]Registration, len(regs))}
	for _, r := range regs {
		f.Register(r)
	}
	return f
}

// Register adds or replaces a registration
func (f *Factory) Register(r Registration) {
	f.builders[r.Type] = r
}

// Create instantiates the provider described by cfg
func (f *Factory) Create(name string, cfg config.ProviderConfig, deps Deps) (Provider, error) {
	reg, ok := f.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown type %q (registered: %v)", name, cfg.Type, f.Types())
	}
	p, err := reg.New(name, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return p, nil
}

// Types lists registered provider types, sorted
func (f *Factory) Types() []string {
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates every configured provider and returns them in a registry.
// defaultName may be empty; with a single provider that provider becomes the default.
func Build(cfgs map[string]config.ProviderConfig, defaultName string, f *Factory, deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	reg := NewRegistry()

	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := cfgs[name]
		p, err := f.Create(name, cfg, deps)
		if err != nil {
			return nil, err
		}
		reg.Add(name, cfg.Type, p)
		deps.Logger.Info("provider registered",
			"provider", name,
			"type", cfg.Type,
			"model", p.ModelID(),
			"max_per_call", p.MaxEmbeddingsPerCall(),
		)
	}

	if defaultName == "" && len(names) == 1 {
		defaultName = names[0]
	}
	if defaultName != "" {
		if err := reg.SetDefault(defaultName); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
