// Package constraints loads and holds the immutable per-symbol trading
// limits (tick size, step size, min notional) used by the strategy and
// OMS for rounding and validation.
package constraints

import (
	"context"
	"fmt"
	"sync"

	"deltamaker/internal/core"
)

// Store is populated once at startup and never mutated afterward.
type Store struct {
	mu    sync.RWMutex
	byLeg map[core.Leg]core.Constraints
}

func New() *Store {
	return &Store{byLeg: make(map[core.Leg]core.Constraints)}
}

// Load fetches and caches Constraints for symbol on each of the given
// legs. It is intended to run once at startup; any error is fail-closed
// per spec §7.5 and should abort the process before any order is sent.
func (s *Store) Load(ctx context.Context, gateway core.Gateway, symbol string, legs ...core.Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, leg := range legs {
		c, err := gateway.LoadConstraints(ctx, symbol, leg)
		if err != nil {
			return fmt.Errorf("load constraints for %s/%s: %w", symbol, leg, err)
		}
		s.byLeg[leg] = c
	}
	return nil
}

// Get returns the Constraints for leg, and whether they have been loaded.
func (s *Store) Get(leg core.Leg) (core.Constraints, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byLeg[leg]
	return c, ok
}

// Loaded reports whether every one of the given legs has Constraints
// loaded, feeding the constraints_missing guard.
func (s *Store) Loaded(legs ...core.Leg) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, leg := range legs {
		if _, ok := s.byLeg[leg]; !ok {
			return false
		}
	}
	return true
}
