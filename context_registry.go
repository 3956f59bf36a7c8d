package adcbridge

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// ErrNoDriver is returned when no driver can open a connection URI.
var ErrNoDriver = errors.New("no driver for connection URI")

// ContextRegistry shares opened device contexts among sources. Opening the same
// URI twice returns the same Context; each Open must be balanced by a Close,
// and the context is closed when its last reference is released.
type ContextRegistry struct {
	mu       sync.Mutex
	open     OpenFunc
	contexts map[string]*registeredContext // keyed by canonical URI
	aliases  map[string]string             // requested URI -> canonical URI
}

type registeredContext struct {
	ctx  Context
	refs int
}

// NewContextRegistry creates a registry that opens new contexts with open.
// A nil open uses OpenContext.
func NewContextRegistry(open OpenFunc) *ContextRegistry {
	if open == nil {
		open = OpenContext
	}
	return &ContextRegistry{
		open:     open,
		contexts: make(map[string]*registeredContext),
		aliases:  make(map[string]string),
	}
}

// Open returns the context for uri, opening it if no source holds it yet.
func (r *ContextRegistry) Open(uri string) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if canonical, ok := r.aliases[uri]; ok {
		if entry, ok := r.contexts[canonical]; ok {
			entry.refs++
			return entry.ctx, nil
		}
	}
	if entry, ok := r.contexts[uri]; ok {
		entry.refs++
		return entry.ctx, nil
	}

	ctx, err := r.open(uri)
	if err != nil {
		return nil, fmt.Errorf("unable to open context %q: %w", uri, err)
	}
	if ctx == nil {
		return nil, fmt.Errorf("unable to open context %q: driver returned no context", uri)
	}
	canonical := ctx.URI()
	if entry, ok := r.contexts[canonical]; ok {
		// Another alias of a device we already hold.
		if err := ctx.Close(); err != nil {
			ProblemLogger.Printf("closing duplicate context for %q: %v", uri, err)
		}
		r.aliases[uri] = canonical
		entry.refs++
		return entry.ctx, nil
	}
	r.contexts[canonical] = &registeredContext{ctx: ctx, refs: 1}
	r.aliases[uri] = canonical
	log.Printf("opened device context %s", canonical)
	return ctx, nil
}

// Close releases one reference to ctx, closing it when none remain.
func (r *ContextRegistry) Close(ctx Context) error {
	if ctx == nil {
		return fmt.Errorf("cannot close a nil context")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := ctx.URI()
	entry, ok := r.contexts[canonical]
	if !ok || entry.ctx != ctx {
		return fmt.Errorf("context %q is not held by this registry", canonical)
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}
	r.remove(canonical)
	log.Printf("closing device context %s", canonical)
	return entry.ctx.Close()
}

// remove drops canonical and its aliases. Caller must hold r.mu.
func (r *ContextRegistry) remove(canonical string) {
	delete(r.contexts, canonical)
	for alias, c := range r.aliases {
		if c == canonical {
			delete(r.aliases, alias)
		}
	}
}

// RefCount returns the number of open references to uri (requested or canonical).
func (r *ContextRegistry) RefCount(uri string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if canonical, ok := r.aliases[uri]; ok {
		uri = canonical
	}
	if entry, ok := r.contexts[uri]; ok {
		return entry.refs
	}
	return 0
}

// Len returns the number of distinct open contexts.
func (r *ContextRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// CloseAll closes every context regardless of outstanding references.
func (r *ContextRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for canonical, entry := range r.contexts {
		if err := entry.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", canonical, err))
		}
	}
	r.contexts = make(map[string]*registeredContext)
	r.aliases = make(map[string]string)
	return errors.Join(errs...)
}

// OpenContext is the default OpenFunc. Only simulated devices ("sim:" URIs)
// are built in; hardware drivers are supplied by the caller.
func OpenContext(uri string) (Context, error) {
	if strings.HasPrefix(uri, SimulatedURIPrefix) {
		return NewSimulatedContext(uri)
	}
	return nil, fmt.Errorf("%w %q", ErrNoDriver, uri)
}
