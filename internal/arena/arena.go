// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package arena stores values in reusable slots addressed by generation-checked
// references. A Ref taken before Remove never resolves to a value inserted later
// into the same slot. Arena is not safe for concurrent use; callers lock.
package arena

import (
	"errors"
	"fmt"
)

var ErrDuplicateKey = errors.New("arena: duplicate key")

// Ref addresses a slot at a specific generation. The zero Ref is never valid.
type Ref struct {
	index uint32
	gen   uint32
}

func (r Ref) IsZero() bool { return r.gen == 0 }

func (r Ref) String() string { return fmt.Sprintf("%d@%d", r.index, r.gen) }

type slot[K comparable, V any] struct {
	gen   uint32
	live  bool
	key   K
	value V
}

// Arena maps external keys (engine handles) to values and hands out Refs.
type Arena[K comparable, V any] struct {
	slots []slot[K, V]
	free  []uint32
	byKey map[K]uint32
}

func New[K comparable, V any]() *Arena[K, V] {
	return &Arena[K, V]{byKey: make(map[K]uint32)}
}

// Insert stores v under key. A key may only be live once.
func (a *Arena[K, V]) Insert(key K, v V) (Ref, error) {
	if _, exists := a.byKey[key]; exists {
		return Ref{}, fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[K, V]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// wrapped; zero is reserved for the zero Ref
		s.gen = 1
	}
	s.live = true
	s.key = key
	s.value = v
	a.byKey[key] = idx
	return Ref{index: idx, gen: s.gen}, nil
}

// Get resolves a Ref. Stale refs report false.
func (a *Arena[K, V]) Get(r Ref) (V, bool) {
	var zero V
	if r.IsZero() || int(r.index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[r.index]
	if !s.live || s.gen != r.gen {
		return zero, false
	}
	return s.value, true
}

// Lookup resolves a key to its current value and Ref.
func (a *Arena[K, V]) Lookup(key K) (V, Ref, bool) {
	var zero V
	idx, ok := a.byKey[key]
	if !ok {
		return zero, Ref{}, false
	}
	s := &a.slots[idx]
	return s.value, Ref{index: idx, gen: s.gen}, true
}

// Remove frees the slot addressed by r. Removing with a stale ref is a no-op
// and reports false.
func (a *Arena[K, V]) Remove(r Ref) bool {
	if r.IsZero() || int(r.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[r.index]
	if !s.live || s.gen != r.gen {
		return false
	}
	delete(a.byKey, s.key)
	var zeroK K
	var zeroV V
	s.live = false
	s.key = zeroK
	s.value = zeroV
	a.free = append(a.free, r.index)
	return true
}

func (a *Arena[K, V]) Len() int { return len(a.byKey) }

// Values returns a snapshot of live values in slot order.
func (a *Arena[K, V]) Values() []V {
	out := make([]V, 0, len(a.byKey))
	for i := range a.slots {
		if a.slots[i].live {
			out = append(out, a.slots[i].value)
		}
	}
	return out
}

// Clear drops every live entry, invalidating all outstanding refs.
func (a *Arena[K, V]) Clear() {
	for i := range a.slots {
		if a.slots[i].live {
			a.Remove(Ref{index: uint32(i), gen: a.slots[i].gen})
		}
	}
}
