package coordinator

import "sync"

// Locator is an explicit lookup service for the ready coordinator. It is
// passed to consumers rather than retrieved from ambient global state.
type Locator struct {
	mu    sync.RWMutex
	coord *Coordinator
}

// NewLocator creates an empty locator.
func NewLocator() *Locator {
	return &Locator{}
}

// Publish stores the coordinator for lookup.
func (l *Locator) Publish(c *Coordinator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coord = c
}

// Lookup returns the published coordinator, if any.
func (l *Locator) Lookup() (*Coordinator, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.coord, l.coord != nil
}

// Clear removes the published coordinator.
func (l *Locator) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coord = nil
}
