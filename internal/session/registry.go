package session

import (
	"context"
	"slices"
	"sync"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
)

// Registry hands out at most one live Machine per session id, so a session never has two
// channels or two dispatchers. Machines are reference counted and closed on the last Release.
type Registry struct {
	c Config
	// hooks run for every new machine before it binds.
	hooks []func(sessionID string, m *Machine)

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	m     *Machine
	refs  int
	ready chan struct{}
	err   error
}

func NewRegistry(c Config, hooks ...func(sessionID string, m *Machine)) *Registry {
	return &Registry{
		c:       c,
		hooks:   hooks,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the bound machine of a session, creating and binding one when there is none
// or the previous one has reached a terminal status. Every successful Acquire must be paired
// with a Release.
func (r *Registry) Acquire(ctx context.Context, sessionID string, self domain.Participant) (*Machine, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok && !e.m.Status().Terminal() {
		e.refs++
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			r.Release(e.m)
			return nil, ctx.Err()
		}
		if e.err != nil {
			r.Release(e.m)
			return nil, e.err
		}
		return e.m, nil
	}

	if ok {
		delete(r.entries, sessionID)
		go e.m.Close()
	}

	c := r.c
	c.Self = self
	e = &entry{m: New(c), refs: 1, ready: make(chan struct{})}
	r.entries[sessionID] = e
	r.mu.Unlock()

	for _, h := range r.hooks {
		h(sessionID, e.m)
	}

	e.err = e.m.Bind(ctx, sessionID)
	close(e.ready)

	if e.err != nil {
		r.Release(e.m)
		return nil, e.err
	}
	return e.m, nil
}

// Release drops one reference to m. The last one closes the machine. Releasing a machine that
// was already replaced is a no-op, the replacement closed it.
func (r *Registry) Release(m *Machine) {
	r.mu.Lock()
	for id, e := range r.entries {
		if e.m != m {
			continue
		}

		e.refs--
		if e.refs > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.entries, id)
		r.mu.Unlock()

		m.Close()
		return
	}
	r.mu.Unlock()
}

// Get returns the machine of a session without taking a reference.
func (r *Registry) Get(sessionID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.m, true
}

// IDs lists the sessions currently held, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close closes every machine regardless of outstanding references.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.m.Close()
		}()
	}
	wg.Wait()
}

// Snapshot returns the projection of a held session.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	m, ok := r.Get(sessionID)
	if !ok {
		return domain.Snapshot{}, errors.New(errors.CodeNotFound, errors.WithMessagef("session not held: %s", sessionID))
	}
	return m.Snapshot(ctx)
}
