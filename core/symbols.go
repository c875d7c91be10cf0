package core

import (
	"sort"
	"strings"
	"sync"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Tradeable symbol registry
// ═══════════════════════════════════════════════════════════════════════════════

// Symbols is the set of symbols signals may target, all quoted in one asset
type Symbols struct {
	mu      sync.RWMutex
	quote   string
	symbols map[string]struct{}
}

// NewSymbols creates a registry for the quote asset
func NewSymbols(quote string, symbols ...string) *Symbols {
	sm := &Symbols{
		quote:   strings.ToUpper(quote),
		symbols: make(map[string]struct{}),
	}
	for _, s := range symbols {
		sm.Add(s)
	}
	return sm
}

// Add registers a symbol; symbols not quoted in the registry's asset are ignored
func (sm *Symbols) Add(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !strings.HasSuffix(symbol, sm.quote) || symbol == sm.quote {
		return false
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.symbols[symbol] = struct{}{}
	return true
}

// Has reports whether the symbol is tradeable
func (sm *Symbols) Has(symbol string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.symbols[symbol]
	return ok
}

// List returns all symbols, sorted
func (sm *Symbols) List() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]string, 0, len(sm.symbols))
	for s := range sm.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of symbols
func (sm *Symbols) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.symbols)
}
