package publish

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps target-type tags to Publisher implementations. Targets are
// registered once at startup; resolution afterwards is read-only.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{targets: map[string]Publisher{}}
}

// Register adds a publisher under its Target() tag. Registering the same
// tag twice is a programmer error and panics.
func (r *Registry) Register(p Publisher) {
	tag := strings.ToLower(strings.TrimSpace(p.Target()))
	if tag == "" {
		panic("publish: publisher with empty target tag")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.targets[tag]; dup {
		panic(fmt.Sprintf("publish: duplicate publisher for target %q", tag))
	}
	r.targets[tag] = p
}

// Resolve returns the publisher for a target-type tag.
func (r *Registry) Resolve(target string) (Publisher, error) {
	tag := strings.ToLower(strings.TrimSpace(target))
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.targets[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return p, nil
}

// Targets lists registered target tags, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
