// Registry manages adapter registration and lookup.
//
// DESIGN: Thread-safe map of protocol kind → StreamAdapter.
// Built-in adapters are registered at startup; the dispatcher selects one
// per request from the resolved target's protocol kind.
package adapters

import (
	"sync"

	"github.com/relayr/modelgate/internal/config"
)

// Registry manages adapter registration.
type Registry struct {
	adapters map[config.Protocol]StreamAdapter
	mu       sync.RWMutex
}

// NewRegistry creates a new adapter registry with all built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[config.Protocol]StreamAdapter),
	}

	// Register built-in adapters
	r.Register(NewAnthropicAdapter())
	r.Register(NewOpenAIAdapter())
	r.Register(NewOllamaAdapter())
	r.Register(NewBedrockAdapter())

	return r
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter StreamAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Protocol()] = adapter
}

// Get returns the adapter for a protocol kind, or nil when none is
// registered.
func (r *Registry) Get(protocol config.Protocol) StreamAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[protocol]
}
