package analyzer

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/dpd/internal/core"
)

// Factory instantiates an analyzer for a connection.
type Factory func(conn *Conn) Analyzer

// Registry maps analyzer tags to factories. Safe for concurrent use; the
// engines of several captures share one registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.Tag]Factory
	disabled  map[core.Tag]bool
	packets   map[core.Tag]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[core.Tag]Factory),
		disabled:  make(map[core.Tag]bool),
		packets:   make(map[core.Tag]bool),
	}
}

// Register adds a factory under tag.
func (r *Registry) Register(tag core.Tag, f Factory) error {
	if tag == "" || f == nil {
		return fmt.Errorf("register analyzer %q: empty tag or nil factory", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("register analyzer %q: %w", tag, core.ErrAnalyzerRegistered)
	}
	r.factories[tag] = f
	return nil
}

// SetPacketOriented marks tag as parsing per-packet payload rather than the
// reassembled stream. Such analyzers are replayed the packet buffer when
// activated on a stream transport.
func (r *Registry) SetPacketOriented(tag core.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets[tag] = true
}

// PacketOriented reports whether tag was marked with SetPacketOriented.
func (r *Registry) PacketOriented(tag core.Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.packets[tag]
}

// Disable keeps tag registered but makes Instantiate refuse it.
func (r *Registry) Disable(tag core.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[tag] = true
}

// Has reports whether tag is registered and enabled.
func (r *Registry) Has(tag core.Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok && !r.disabled[tag]
}

// Instantiate creates a new analyzer of kind tag for conn.
func (r *Registry) Instantiate(tag core.Tag, conn *Conn) (Analyzer, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	disabled := r.disabled[tag]
	r.mu.RUnlock()

	if !ok || disabled {
		return nil, fmt.Errorf("instantiate %q: %w", tag, core.ErrAnalyzerNotFound)
	}
	return f(conn), nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []core.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]core.Tag, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
