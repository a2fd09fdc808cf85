// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"sync"

	"github.com/ManuGH/ingestbridge/internal/arena"
	"github.com/ManuGH/ingestbridge/internal/engine"
)

// deferredEvent is a stream callback that arrived for a handle still being
// registered.
type deferredEvent struct {
	callback string
	apply    func(*StreamSession) error
}

// streamRegistry maps engine stream handles to sessions.
//
// Mutations need a StructuralScope. Lookups take only the registry's own leaf
// lock, so callback dispatch never touches the StructuralLock. While a
// CreateStream is between its engine call and registration, events for
// unknown handles are parked and replayed in arrival order once the handle is
// registered; they are dropped if no create claims them.
type streamRegistry struct {
	mu        sync.Mutex
	streams   *arena.Arena[engine.Handle, *StreamSession]
	creating  bool
	deferred  map[engine.Handle][]deferredEvent
	replaying map[engine.Handle]bool
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams:   arena.New[engine.Handle, *StreamSession](),
		deferred:  make(map[engine.Handle][]deferredEvent),
		replaying: make(map[engine.Handle]bool),
	}
}

func mustHold(scope StructuralScope) {
	if scope.lock == nil {
		panic("producer: stream registry mutated outside the structural lock")
	}
}

// beginCreate opens the creation window.
func (r *streamRegistry) beginCreate(scope StructuralScope) {
	mustHold(scope)
	r.mu.Lock()
	r.creating = true
	r.mu.Unlock()
}

// commitCreate registers s and closes the creation window. Parked events for
// h stay parked until drained by the caller under the CallbackLock.
func (r *streamRegistry) commitCreate(scope StructuralScope, h engine.Handle, s *StreamSession) (int, error) {
	mustHold(scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.closeWindowLocked()

	ref, err := r.streams.Insert(h, s)
	if err != nil {
		return 0, err
	}
	s.ref = ref
	r.replaying[h] = true
	return r.streams.Len(), nil
}

// abortCreate closes the creation window without registering anything.
func (r *streamRegistry) abortCreate(scope StructuralScope) int {
	mustHold(scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeWindowLocked()
}

// closeWindowLocked drops parked events nobody will claim and returns how many
// were dropped.
func (r *streamRegistry) closeWindowLocked() int {
	r.creating = false
	dropped := 0
	for h, evs := range r.deferred {
		if r.replaying[h] {
			continue
		}
		dropped += len(evs)
		delete(r.deferred, h)
	}
	return dropped
}

// lookupOrDefer resolves h for dispatch. If h is unknown while a create is in
// flight, or h is still being replayed, ev is parked and deferred is true.
func (r *streamRegistry) lookupOrDefer(_ CallbackScope, h engine.Handle, ev deferredEvent) (s *StreamSession, deferred bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replaying[h] {
		r.deferred[h] = append(r.deferred[h], ev)
		return nil, true
	}
	if s, _, ok := r.streams.Lookup(h); ok {
		return s, false
	}
	if r.creating {
		r.deferred[h] = append(r.deferred[h], ev)
		return nil, true
	}
	return nil, false
}

// takeDeferred pops the parked events of h. When none remain the handle
// leaves replay mode atomically with respect to lookupOrDefer.
func (r *streamRegistry) takeDeferred(_ CallbackScope, h engine.Handle) []deferredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.deferred[h]
	delete(r.deferred, h)
	if len(evs) == 0 {
		delete(r.replaying, h)
	}
	return evs
}

func (r *streamRegistry) lookup(h engine.Handle) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _, ok := r.streams.Lookup(h)
	return s, ok
}

// owns reports whether s is the live registration for its ref.
func (r *streamRegistry) owns(s *StreamSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.streams.Get(s.ref)
	return ok && cur == s
}

func (r *streamRegistry) remove(scope StructuralScope, s *StreamSession) (bool, int) {
	mustHold(scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.streams.Remove(s.ref)
	return removed, r.streams.Len()
}

func (r *streamRegistry) snapshot() []*StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams.Values()
}

func (r *streamRegistry) clear(scope StructuralScope) {
	mustHold(scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams.Clear()
	r.deferred = make(map[engine.Handle][]deferredEvent)
	r.replaying = make(map[engine.Handle]bool)
}

func (r *streamRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams.Len()
}
