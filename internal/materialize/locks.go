package materialize

import (
	"fmt"
	"sync"
)

// ErrMaterializerClosed is returned when a pass is requested after Close.
var ErrMaterializerClosed = fmt.Errorf("materialize: materializer is closed")

// viewLocks serializes passes on the same view while letting passes on
// different views proceed in parallel.
type viewLocks struct {
	locks    map[string]*sync.Mutex
	globalMu sync.RWMutex
	inFlight sync.WaitGroup
	closed   bool
	closedMu sync.RWMutex
}

func newViewLocks() *viewLocks {
	return &viewLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the named view and returns its release function.
func (l *viewLocks) acquire(name string) (func(), error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	l.inFlight.Add(1)

	// Check again after adding to in-flight
	if err := l.checkClosed(); err != nil {
		l.inFlight.Done()
		return nil, err
	}

	mu := l.get(name)
	mu.Lock()
	return func() {
		mu.Unlock()
		l.inFlight.Done()
	}, nil
}

// get returns the lock for a view, creating one if needed.
func (l *viewLocks) get(name string) *sync.Mutex {
	l.globalMu.RLock()
	if mu, ok := l.locks[name]; ok {
		l.globalMu.RUnlock()
		return mu
	}
	l.globalMu.RUnlock()

	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	// Double-check after acquiring write lock
	if mu, ok := l.locks[name]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	l.locks[name] = mu
	return mu
}

func (l *viewLocks) checkClosed() error {
	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	if l.closed {
		return ErrMaterializerClosed
	}
	return nil
}

// close rejects new passes and waits for in-flight ones.
func (l *viewLocks) close() {
	l.closedMu.Lock()
	l.closed = true
	l.closedMu.Unlock()
	l.inFlight.Wait()
}
