package asr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is a Recognizer that also reports request statistics
type Backend interface {
	Recognizer
	GetStats() ClientStats
}

// Default endpoints per provider
var defaultBaseURLs = map[string]string{
	"openai":      "https://api.openai.com",
	"siliconflow": "https://api.siliconflow.cn",
	"dashscope":   "https://dashscope.aliyuncs.com",
}

// Providers returns the supported provider names
func Providers() []string {
	names := make([]string, 0, len(defaultBaseURLs))
	for name := range defaultBaseURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the backend for config.Provider
func New(config Config) (Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	config.Provider = provider
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURLs[provider]
	}

	switch provider {
	case "openai", "siliconflow":
		return NewOpenAI(config)
	case "dashscope":
		return NewDashScope(config)
	default:
		return nil, fmt.Errorf("unknown ASR provider %q (supported: %s)", config.Provider, strings.Join(Providers(), ", "))
	}
}

// Registry holds named backends and recognizes with a primary backend,
// falling back to a second one when the primary fails.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	primary  string
	fallback string
}

var _ Recognizer = (*Registry)(nil)

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend. The first registered backend becomes the primary.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary selects the primary backend by name
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("backend %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback selects the fallback backend by name, "" disables fallback
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" {
		if _, ok := r.backends[name]; !ok {
			return fmt.Errorf("backend %q not registered", name)
		}
	}
	r.fallback = name
	return nil
}

// Get returns a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered backend names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the statistics of every registered backend
func (r *Registry) Stats() map[string]ClientStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]ClientStats, len(r.backends))
	for name, b := range r.backends {
		stats[name] = b.GetStats()
	}
	return stats
}

// Recognize tries the primary backend first and the fallback on error.
// Cancellation is never handed to the fallback.
func (r *Registry) Recognize(ctx context.Context, req *Request) (*Result, error) {
	r.mu.RLock()
	primaryName, fallbackName := r.primary, r.fallback
	primary := r.backends[primaryName]
	fallback := r.backends[fallbackName]
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("asr: no primary backend configured")
	}

	result, err := primary.Recognize(ctx, req)
	if err == nil {
		return result, nil
	}
	if fallback == nil || fallbackName == primaryName || ctx.Err() != nil {
		return nil, err
	}

	result, fbErr := fallback.Recognize(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("asr: primary %q failed (%v), fallback %q also failed: %w", primaryName, err, fallbackName, fbErr)
	}
	return result, nil
}
