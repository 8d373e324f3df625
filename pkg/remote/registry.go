package remote

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/plainfunc"
)

// DefaultMember is used when a locator names no member.
const DefaultMember = "default"

// Locator names a module a worker can load: an address plus one of the
// members registered under it.
type Locator struct {
	Address string `json:"address" koanf:"address" yaml:"address" validate:"required"`
	Member  string `json:"member,omitempty" koanf:"member" yaml:"member,omitempty"`
}

// ParseLocator reads "address" or "address#member".
func ParseLocator(s string) Locator {
	address, member, _ := strings.Cut(strings.TrimSpace(s), "#")
	return Locator{Address: address, Member: member}.normalize()
}

func (l Locator) normalize() Locator {
	if l.Member == "" {
		l.Member = DefaultMember
	}
	return l
}

func (l Locator) String() string {
	l = l.normalize()
	return l.Address + "#" + l.Member
}

// Factory builds a fresh component instance inside a worker.
type Factory func() (component.Component, error)

type entry struct {
	factory Factory
	fn      any
}

// Registry maps locators to what a worker may load. Workers resolve from the
// registry compiled into their executable, so parent and worker normally
// share one registration function.
type Registry struct {
	mu      sync.RWMutex
	entries map[Locator]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Locator]entry)}
}

// Register adds a component factory under loc.
func (r *Registry) Register(loc Locator, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", loc)
	}
	return r.add(loc, entry{factory: factory})
}

// RegisterFunc adds a plain function under loc. It can only be loaded by a
// bridge configured with a plain function adapter.
func (r *Registry) RegisterFunc(loc Locator, fn any) error {
	if fn == nil {
		return fmt.Errorf("register %s: nil function", loc)
	}
	return r.add(loc, entry{fn: fn})
}

func (r *Registry) add(loc Locator, e entry) error {
	loc = loc.normalize()
	if loc.Address == "" {
		return fmt.Errorf("register: locator address is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[loc]; exists {
		return fmt.Errorf("register %s: already registered", loc)
	}
	r.entries[loc] = e
	return nil
}

// Locators lists registered locators in sorted order.
func (r *Registry) Locators() []Locator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Locator, 0, len(r.entries))
	for loc := range r.entries {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Resolve builds the component for loc. With a plain function config the
// entry must be a function and is wrapped by the plainfunc adapter. Missing
// entries wrap ErrImport.
func (r *Registry) Resolve(loc Locator, pf *plainfunc.Config, logger zerolog.Logger) (component.Component, error) {
	loc = loc.normalize()

	r.mu.RLock()
	e, ok := r.entries[loc]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImport, loc)
	}

	if pf != nil {
		if e.fn == nil {
			return nil, fmt.Errorf("%w: %s is not a plain function", ErrImport, loc)
		}
		return plainfunc.New(loc.String(), *pf, e.fn, plainfunc.WithLogger(logger))
	}
	if e.factory == nil {
		return nil, fmt.Errorf("%w: %s is a plain function and needs an adapter config", ErrImport, loc)
	}
	comp, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", loc, err)
	}
	return comp, nil
}
