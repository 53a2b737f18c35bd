package federate

import (
	"context"
	"net/http"
	"sync"

	"fedssr/internal/fingerprint"
	"fedssr/internal/renderer"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Client *renderer.Client

	// Language is sent as Content-Language on every prerender request.
	Language string

	// MaxEntries bounds the number of remembered handles; the oldest
	// inserted are forgotten first. Zero keeps every handle for the life of
	// the registry, so memory grows with the distinct fingerprints seen.
	MaxEntries int
}

// Registry memoizes Remote handles by fingerprint, so every reference to the
// same (remote, module, props) in a process shares one fetch. A host creates
// one Registry at startup and passes it to every render.
type Registry struct {
	client   *renderer.Client
	language string
	max      int

	mu      sync.Mutex
	entries map[string]*Remote
	order   []string
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Client == nil {
		opts.Client = renderer.NewClient(0)
	}
	return &Registry{
		client:   opts.Client,
		language: opts.Language,
		max:      opts.MaxEntries,
		entries:  make(map[string]*Remote),
	}
}

// Remote returns the handle for (remote, module, props) served at remoteURL,
// creating it on first use. The handle is not loaded until rendered, waited
// on or explicitly loaded.
func (g *Registry) Remote(remote, module string, props map[string]any, remoteURL string) (*Remote, error) {
	key, err := fingerprint.Of(remote, module, props)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.entries[key]; ok {
		return r, nil
	}

	hdr := http.Header{}
	hdr.Set("remote-name", remote)
	if g.language != "" {
		hdr.Set("Content-Language", g.language)
	}
	req := renderer.Request{Module: module, Props: props, Header: hdr}
	r := NewRemote(key, func(ctx context.Context) (*Module, error) {
		s, err := g.client.Prerender(ctx, remoteURL, req)
		if err != nil {
			return nil, err
		}
		return NewModule(module, s)
	})

	g.entries[key] = r
	g.order = append(g.order, key)
	g.evictLocked()
	return r, nil
}

// Component is Remote wrapped in a component node with children.
func (g *Registry) Component(remote, module string, props map[string]any, remoteURL string, children ...Node) (Node, error) {
	r, err := g.Remote(remote, module, props, remoteURL)
	if err != nil {
		return Node{}, err
	}
	return Component(r, children...), nil
}

// Forget drops the handle for key; the next request for it fetches again.
func (g *Registry) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; !ok {
		return
	}
	delete(g.entries, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Registry) evictLocked() {
	if g.max <= 0 {
		return
	}
	for len(g.order) > g.max {
		delete(g.entries, g.order[0])
		g.order = g.order[1:]
	}
}
