// Package allocation translates quantity changes at the grouped-cart level
// into per-batch ledger mutations, distributing units across batches
// first-expiry-first-out.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"farmapos/internal/cart"
	"farmapos/internal/domain"
)

// ErrOutOfStock is returned when a group has no matching batches with any
// available stock: the operation is a no-op.
var ErrOutOfStock = errors.New("out of stock")

// InsufficientStockError reports that an increase could only be partially
// satisfied. The units that could be allocated stay allocated; the caller
// decides whether to warn, retry, or accept the partial result.
type InsufficientStockError struct {
	Group     domain.GroupKey
	Requested int
	Allocated int
	Unmet     int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, allocated %d, short %d",
		e.Group, e.Requested, e.Allocated, e.Unmet)
}

// Catalog supplies the point-in-time batch snapshot the engine allocates
// against. Stock is re-validated at commit; here it only bounds reservations.
type Catalog interface {
	BatchesForGroup(ctx context.Context, key domain.GroupKey) ([]domain.Batch, error)
}

type Engine struct {
	ledger  *cart.Ledger
	catalog Catalog
}

func New(ledger *cart.Ledger, catalog Catalog) *Engine {
	return &Engine{ledger: ledger, catalog: catalog}
}

// Increase allocates delta additional units of the group across its batches
// in FEFO order. Each batch receives at most stock minus already-reserved
// units. If the candidates cannot cover delta, the shortfall is reported via
// InsufficientStockError and the partial allocation is kept.
func (e *Engine) Increase(ctx context.Context, key domain.GroupKey, delta int) error {
	if delta == 0 {
		return nil
	}
	if delta < 0 {
		return fmt.Errorf("allocation: delta must be positive, got %d", delta)
	}

	candidates, err := e.catalog.BatchesForGroup(ctx, key)
	if err != nil {
		return err
	}
	SortFEFO(candidates)

	remaining := delta
	for _, batch := range candidates {
		if remaining == 0 {
			break
		}
		available := batch.StockQuantity - e.ledger.QuantityForBatch(batch.ID)
		if available < 1 {
			continue
		}
		take := min(remaining, available)
		if err := e.ledger.AddOrIncrement(domain.CartLine{
			BatchID:    batch.ID,
			Name:       batch.Name,
			UnitPrice:  batch.UnitPrice,
			ExpiryDate: batch.ExpiryDate,
		}, take); err != nil {
			return err
		}
		remaining -= take
	}

	if remaining == delta {
		// Nothing could be allocated at all.
		return ErrOutOfStock
	}
	if remaining > 0 {
		return &InsufficientStockError{
			Group:     key,
			Requested: delta,
			Allocated: delta - remaining,
			Unmet:     remaining,
		}
	}
	return nil
}

// Decrease removes up to delta units from the group's existing lines, walking
// them in allocation order and deleting lines that reach zero. Removing more
// than is reserved clamps at zero rather than failing.
func (e *Engine) Decrease(key domain.GroupKey, delta int) error {
	if delta == 0 {
		return nil
	}
	if delta < 0 {
		return fmt.Errorf("allocation: delta must be positive, got %d", delta)
	}

	remaining := delta
	for _, line := range e.ledger.LinesForGroup(key) {
		if remaining == 0 {
			break
		}
		take := min(remaining, line.Quantity)
		if err := e.ledger.SetQuantity(line.BatchID, line.Quantity-take); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

// SetQuantity moves the group to the desired total by increasing or
// decreasing by the signed difference from the current total.
func (e *Engine) SetQuantity(ctx context.Context, key domain.GroupKey, desired int) error {
	if desired < 0 {
		return fmt.Errorf("allocation: desired quantity must not be negative, got %d", desired)
	}
	current := e.ledger.GroupQuantity(key)
	switch {
	case desired > current:
		return e.Increase(ctx, key, desired-current)
	case desired < current:
		return e.Decrease(key, current-desired)
	default:
		return nil
	}
}

// RemoveGroup drops the group's entire reservation.
func (e *Engine) RemoveGroup(key domain.GroupKey) error {
	return e.Decrease(key, e.ledger.GroupQuantity(key))
}

// SortFEFO orders batches soonest-expiry-first. Batches without an expiry
// date sort last; ties on expiry break by batch id so allocation is
// deterministic.
func SortFEFO(batches []domain.Batch) {
	slices.SortFunc(batches, compareFEFO)
}

func compareFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if a.ExpiryDate.Before(*b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(*b.ExpiryDate) {
			return 1
		}
	}
	if a.ID == b.ID {
		return 0
	}
	if a.ID < b.ID {
		return -1
	}
	return 1
}
