package topic

import (
	"strings"
	"sync"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

type registration struct {
	visibility Visibility
	factory    Factory
}

// Registry maps topic strings to the factory that handles them.
// Grounded on the teacher's Router.routingTable: a plain map behind one
// RWMutex, generalized from route lists to topic registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register installs factory for topic with the given visibility,
// replacing any prior registration.
func (r *Registry) Register(topic string, vis Visibility, factory Factory) error {
	if _, err := Parse(topic); err != nil {
		return errs.Wrap(errs.InvalidFormat, op+".Registry.Register", topic, err)
	}
	r.mu.Lock()
	r.entries[topic] = registration{visibility: vis, factory: factory}
	r.mu.Unlock()
	return nil
}

// Unregister removes topic's registration, if any.
func (r *Registry) Unregister(topic string) {
	r.mu.Lock()
	delete(r.entries, topic)
	r.mu.Unlock()
}

// lookup returns topic's registration and whether one exists. An exact
// match wins; otherwise topics are compared case-insensitively.
func (r *Registry) lookup(topic string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[topic]; ok {
		return reg, true
	}
	for key, reg := range r.entries {
		if strings.EqualFold(key, topic) {
			return reg, true
		}
	}
	return registration{}, false
}
