// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import "sync"

// Lock domains of a Client.
//
// Acquisition order is CallbackLock, then StructuralLock. A goroutine inside
// StructuralLock.Do never acquires the CallbackLock: client-scoped callbacks
// and service requests, which the engine may issue inline from a structural
// call, are lock-free. A goroutine inside CallbackLock.Dispatch may take the
// StructuralLock, e.g. an observer freeing its own stream.
//
// Result entry points hold the client's result lease (a shared RWMutex)
// instead of either lock. Free takes the lease exclusively before the
// StructuralLock, so it waits for results still inside the engine.
//
// Per-session and per-channel mutexes are leaves below both.

// StructuralLock guards registry mutation and client handle validity.
type StructuralLock struct {
	mu sync.Mutex
}

// StructuralScope proves the StructuralLock is held. Registry mutations
// require one.
type StructuralScope struct {
	lock *StructuralLock
}

// Do runs fn with the lock held.
func (l *StructuralLock) Do(fn func(StructuralScope) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(StructuralScope{lock: l})
}

// CallbackLock serialises stream event dispatch into the bridge.
type CallbackLock struct {
	mu sync.Mutex
}

// CallbackScope proves the CallbackLock is held. Event deferral and replay
// require one so that replayed events keep their order.
type CallbackScope struct {
	lock *CallbackLock
}

// Dispatch runs fn with the lock held.
func (l *CallbackLock) Dispatch(fn func(CallbackScope) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(CallbackScope{lock: l})
}
