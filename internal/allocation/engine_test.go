package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/internal/cart"
	"farmapos/internal/domain"
)

type staticCatalog struct {
	batches []domain.Batch
}

func (c *staticCatalog) BatchesForGroup(_ context.Context, key domain.GroupKey) ([]domain.Batch, error) {
	result := make([]domain.Batch, 0, len(c.batches))
	for _, b := range c.batches {
		if key.Matches(b) {
			result = append(result, b)
		}
	}
	return result, nil
}

func expiryAt(day int) *time.Time {
	t := time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func paracetamolKey() domain.GroupKey {
	return domain.GroupKey{Name: "Paracetamol 500mg", UnitPrice: decimal.RequireFromString("2.50")}
}

func newTestEngine(batches ...domain.Batch) (*Engine, *cart.Ledger) {
	ledger := cart.NewLedger()
	return New(ledger, &staticCatalog{batches: batches}), ledger
}

func TestIncreaseAllocatesFEFOAcrossBatches(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "late", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 10, ExpiryDate: expiryAt(20)},
		domain.Batch{ID: "early", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 2, ExpiryDate: expiryAt(5)},
	)

	if err := engine.Increase(context.Background(), paracetamolKey(), 3); err != nil {
		t.Fatalf("increase failed: %v", err)
	}

	// 2 units drain the soonest-expiring batch; the third spills to the next.
	if got := ledger.QuantityForBatch("early"); got != 2 {
		t.Fatalf("expected 2 units from earliest batch, got %d", got)
	}
	if got := ledger.QuantityForBatch("late"); got != 1 {
		t.Fatalf("expected 1 unit from later batch, got %d", got)
	}
}

func TestIncreaseNilExpirySortsLast(t *testing.T) {
	price := decimal.RequireFromString("1.10")
	key := domain.GroupKey{Name: "ORS Sachet", UnitPrice: price}
	engine, ledger := newTestEngine(
		domain.Batch{ID: "no-expiry", Name: "ORS Sachet", UnitPrice: price, StockQuantity: 100},
		domain.Batch{ID: "dated", Name: "ORS Sachet", UnitPrice: price, StockQuantity: 5, ExpiryDate: expiryAt(10)},
	)

	if err := engine.Increase(context.Background(), key, 6); err != nil {
		t.Fatalf("increase failed: %v", err)
	}
	if got := ledger.QuantityForBatch("dated"); got != 5 {
		t.Fatalf("dated batch should be drained first, got %d", got)
	}
	if got := ledger.QuantityForBatch("no-expiry"); got != 1 {
		t.Fatalf("expected overflow into undated batch, got %d", got)
	}
}

func TestIncreasePartialAllocationKeepsAllocatedUnits(t *testing.T) {
	price := decimal.RequireFromString("3.00")
	key := domain.GroupKey{Name: "Vitamin C 500mg", UnitPrice: price}
	engine, ledger := newTestEngine(
		domain.Batch{ID: "b1", Name: "Vitamin C 500mg", UnitPrice: price, StockQuantity: 4, ExpiryDate: expiryAt(3)},
	)

	err := engine.Increase(context.Background(), key, 10)
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Allocated != 4 || insufficient.Unmet != 6 {
		t.Fatalf("expected 4 allocated / 6 unmet, got %d / %d", insufficient.Allocated, insufficient.Unmet)
	}
	if got := ledger.GroupQuantity(key); got != 4 {
		t.Fatalf("partial allocation must remain in cart, got %d", got)
	}
}

func TestIncreaseOutOfStockIsNoOp(t *testing.T) {
	price := decimal.RequireFromString("6.40")
	key := domain.GroupKey{Name: "Saline Solution 500ml", UnitPrice: price}
	engine, ledger := newTestEngine(
		domain.Batch{ID: "b1", Name: "Saline Solution 500ml", UnitPrice: price, StockQuantity: 0},
	)

	if err := engine.Increase(context.Background(), key, 2); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if !ledger.Empty() {
		t.Fatalf("out-of-stock increase must not mutate the cart")
	}
}

func TestIncreaseZeroDeltaIsNoOp(t *testing.T) {
	engine, ledger := newTestEngine()
	if err := engine.Increase(context.Background(), paracetamolKey(), 0); err != nil {
		t.Fatalf("zero delta must be a no-op, got %v", err)
	}
	if !ledger.Empty() {
		t.Fatalf("zero delta must not mutate the cart")
	}
}

func TestIncreaseRespectsExistingReservations(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "b1", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 5, ExpiryDate: expiryAt(5)},
	)

	if err := engine.Increase(context.Background(), paracetamolKey(), 3); err != nil {
		t.Fatalf("first increase failed: %v", err)
	}
	// Only 2 of 5 units remain unreserved.
	err := engine.Increase(context.Background(), paracetamolKey(), 3)
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if got := ledger.QuantityForBatch("b1"); got != 5 {
		t.Fatalf("expected full batch reserved, got %d", got)
	}
}

func TestDecreaseClampsAtZero(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "b1", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 8, ExpiryDate: expiryAt(5)},
	)
	if err := engine.Increase(context.Background(), paracetamolKey(), 4); err != nil {
		t.Fatalf("increase failed: %v", err)
	}

	if err := engine.Decrease(paracetamolKey(), 100); err != nil {
		t.Fatalf("over-decrease must clamp, got %v", err)
	}
	if !ledger.Empty() {
		t.Fatalf("expected empty cart after clamped decrease")
	}
}

func TestDecreaseWalksLinesInAllocationOrder(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "early", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 3, ExpiryDate: expiryAt(5)},
		domain.Batch{ID: "late", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 5, ExpiryDate: expiryAt(20)},
	)
	if err := engine.Increase(context.Background(), paracetamolKey(), 6); err != nil {
		t.Fatalf("increase failed: %v", err)
	}

	if err := engine.Decrease(paracetamolKey(), 4); err != nil {
		t.Fatalf("decrease failed: %v", err)
	}
	// The first-allocated line drains first: early (3) deleted, late 3 -> 2.
	if got := ledger.QuantityForBatch("early"); got != 0 {
		t.Fatalf("expected earliest line drained, got %d", got)
	}
	if got := ledger.QuantityForBatch("late"); got != 2 {
		t.Fatalf("expected 2 left on later batch, got %d", got)
	}
}

func TestSetQuantityIsIdempotent(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "b1", Name: "Paracetamol 500mg", UnitPrice: price, StockQuantity: 10, ExpiryDate: expiryAt(5)},
	)

	for i := 0; i < 3; i++ {
		if err := engine.SetQuantity(context.Background(), paracetamolKey(), 6); err != nil {
			t.Fatalf("set quantity failed on call %d: %v", i+1, err)
		}
	}
	if got := ledger.GroupQuantity(paracetamolKey()); got != 6 {
		t.Fatalf("expected stable quantity 6, got %d", got)
	}

	if err := engine.SetQuantity(context.Background(), paracetamolKey(), 0); err != nil {
		t.Fatalf("set to zero failed: %v", err)
	}
	if !ledger.Empty() {
		t.Fatalf("expected empty cart after set to zero")
	}
}

func TestRemoveGroupLeavesOtherGroupsIntact(t *testing.T) {
	pcm := decimal.RequireFromString("2.50")
	ibu := decimal.RequireFromString("4.20")
	engine, ledger := newTestEngine(
		domain.Batch{ID: "p1", Name: "Paracetamol 500mg", UnitPrice: pcm, StockQuantity: 5, ExpiryDate: expiryAt(5)},
		domain.Batch{ID: "i1", Name: "Ibuprofen 400mg", UnitPrice: ibu, StockQuantity: 5, ExpiryDate: expiryAt(8)},
	)
	ibuKey := domain.GroupKey{Name: "Ibuprofen 400mg", UnitPrice: ibu}

	if err := engine.Increase(context.Background(), paracetamolKey(), 2); err != nil {
		t.Fatalf("increase failed: %v", err)
	}
	if err := engine.Increase(context.Background(), ibuKey, 3); err != nil {
		t.Fatalf("increase failed: %v", err)
	}

	if err := engine.RemoveGroup(paracetamolKey()); err != nil {
		t.Fatalf("remove group failed: %v", err)
	}
	if got := ledger.GroupQuantity(paracetamolKey()); got != 0 {
		t.Fatalf("expected removed group to be empty, got %d", got)
	}
	if got := ledger.GroupQuantity(ibuKey); got != 3 {
		t.Fatalf("other group must be untouched, got %d", got)
	}
}

func TestSortFEFOTieBreaksOnBatchID(t *testing.T) {
	price := decimal.RequireFromString("2.50")
	batches := []domain.Batch{
		{ID: "z", Name: "Paracetamol 500mg", UnitPrice: price, ExpiryDate: expiryAt(5)},
		{ID: "a", Name: "Paracetamol 500mg", UnitPrice: price, ExpiryDate: expiryAt(5)},
		{ID: "m", Name: "Paracetamol 500mg", UnitPrice: price},
	}
	SortFEFO(batches)

	want := []string{"a", "z", "m"}
	for i, id := range want {
		if batches[i].ID != id {
			t.Fatalf("expected %s at position %d, got %s", id, i, batches[i].ID)
		}
	}
}
