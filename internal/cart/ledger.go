// Package cart owns the authoritative per-batch cart state. The Ledger is
// the single source of truth for what is reserved; the grouped cashier view
// and the totals are pure projections recomputed on every read.
package cart

import (
	"fmt"
	"slices"
	"sync"

	"farmapos/internal/domain"
)

// Ledger holds the per-batch cart lines for one terminal. It guarantees that
// no line ever has quantity <= 0 and that at most one line exists per batch.
// All mutation goes through it; it performs no I/O.
type Ledger struct {
	mu    sync.RWMutex
	lines map[string]*domain.CartLine
	order []string
}

func NewLedger() *Ledger {
	return &Ledger{
		lines: make(map[string]*domain.CartLine),
		order: make([]string, 0, 8),
	}
}

// AddOrIncrement creates a line for the batch or adds qty to the existing
// one. The line's name/price/expiry are taken from the first reservation and
// never change afterwards (they describe the batch, which is immutable here).
func (l *Ledger) AddOrIncrement(line domain.CartLine, qty int) error {
	if line.BatchID == "" {
		return fmt.Errorf("cart: batch id required")
	}
	if qty < 1 {
		return fmt.Errorf("cart: quantity must be positive, got %d", qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.lines[line.BatchID]; ok {
		existing.Quantity += qty
		return nil
	}

	line.Quantity = qty
	l.lines[line.BatchID] = &line
	l.order = append(l.order, line.BatchID)
	return nil
}

// SetQuantity sets a line's quantity in place, deleting the line when qty
// reaches 0. Setting a quantity on an absent batch is an error; lines are
// created only through AddOrIncrement.
func (l *Ledger) SetQuantity(batchID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("cart: quantity must not be negative, got %d", qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line, ok := l.lines[batchID]
	if !ok {
		return fmt.Errorf("cart: no line for batch %s", batchID)
	}
	if qty == 0 {
		l.deleteLocked(batchID)
		return nil
	}
	line.Quantity = qty
	return nil
}

func (l *Ledger) Remove(batchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteLocked(batchID)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = make(map[string]*domain.CartLine)
	l.order = l.order[:0]
}

func (l *Ledger) deleteLocked(batchID string) {
	if _, ok := l.lines[batchID]; !ok {
		return
	}
	delete(l.lines, batchID)
	l.order = slices.DeleteFunc(l.order, func(id string) bool { return id == batchID })
}

// Lines returns a copy of all lines in insertion order.
func (l *Ledger) Lines() []domain.CartLine {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.CartLine, 0, len(l.order))
	for _, id := range l.order {
		result = append(result, *l.lines[id])
	}
	return result
}

// LinesForGroup returns copies of the lines belonging to the group, in
// insertion order (the "as currently allocated" order used when decreasing).
func (l *Ledger) LinesForGroup(key domain.GroupKey) []domain.CartLine {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.CartLine, 0, 4)
	for _, id := range l.order {
		line := l.lines[id]
		if line.Name == key.Name && line.UnitPrice.Equal(key.UnitPrice) {
			result = append(result, *line)
		}
	}
	return result
}

// QuantityForBatch returns the reserved quantity for a batch, 0 if none.
func (l *Ledger) QuantityForBatch(batchID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if line, ok := l.lines[batchID]; ok {
		return line.Quantity
	}
	return 0
}

// GroupQuantity returns the summed quantity of the group's lines.
func (l *Ledger) GroupQuantity(key domain.GroupKey) int {
	total := 0
	for _, line := range l.LinesForGroup(key) {
		total += line.Quantity
	}
	return total
}

func (l *Ledger) Empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lines) == 0
}
