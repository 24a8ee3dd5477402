package sale

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"farmapos/internal/cache"
	"farmapos/internal/cart"
	"farmapos/internal/domain"
	"farmapos/internal/pricing"
	"farmapos/internal/store"
)

// State tracks the commit pipeline. Completed, Rejected, Failed and
// PartiallyDeducted are terminal.
type State string

const (
	StateValidating        State = "validating"
	StatePersisting        State = "persisting"
	StateDeducting         State = "deducting"
	StateCompleted         State = "completed"
	StateRejected          State = "rejected"
	StateFailed            State = "failed"
	StatePartiallyDeducted State = "partially_deducted"
)

var ErrEmptyCart = errors.New("cart is empty")

// InsufficientStockError rejects a commit during live re-validation: the
// batch no longer holds enough stock to cover its cart line.
type InsufficientStockError struct {
	BatchID   string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d",
		e.Name, e.BatchID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return store.ErrInsufficientStock }

// PersistenceError means the sale record could not be written. No stock was
// touched; the cart is intact and the commit can be retried.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist sale: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PartialDeductionError is the fatal outcome where the sale is persisted but
// one or more batch deductions did not apply. Inventory no longer matches the
// sold quantities for the failed batches and an operator must reconcile by
// hand. Deductions that did apply are never compensated automatically.
type PartialDeductionError struct {
	BillNumber string
	Deducted   []string
	Failed     map[string]error
}

func (e *PartialDeductionError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for batchID := range e.Failed {
		failed = append(failed, batchID)
	}
	return fmt.Sprintf("sale %s persisted but deduction failed for batches [%s]; manual reconciliation required",
		e.BillNumber, strings.Join(failed, ", "))
}

// Input carries the checkout parameters alongside the cart contents.
type Input struct {
	PaymentMethod   string
	CustomerName    string
	DiscountPercent float64
	TaxPercent      float64
}

type Committer struct {
	repo       store.Repository
	guard      cache.DeductionGuard
	now        func() time.Time
	maxRetries int
}

func NewCommitter(repo store.Repository, guard cache.DeductionGuard) *Committer {
	if guard == nil {
		guard = cache.NoopDeductionGuard{}
	}
	return &Committer{
		repo:       repo,
		guard:      guard,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: 3,
	}
}

// WithClock overrides the commit timestamp source. Used by tests to pin the
// bill number day bucket.
func (c *Committer) WithClock(now func() time.Time) *Committer {
	c.now = now
	return c
}

// Commit runs the full pipeline: re-validate every cart line against live
// stock, persist the sale (assigning the bill number), then deduct stock per
// batch. Cancellation is honored only before the sale is persisted; once a
// bill number exists the deduction phase always runs to its end.
func (c *Committer) Commit(ctx context.Context, ledger *cart.Ledger, input Input) (*domain.Sale, error) {
	// Validating.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines := ledger.Lines()
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	versions := make(map[string]int64, len(lines))
	for _, line := range lines {
		batch, err := c.repo.GetBatch(ctx, line.BatchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &InsufficientStockError{BatchID: line.BatchID, Name: line.Name, Requested: line.Quantity}
			}
			return nil, fmt.Errorf("validate batch %s: %w", line.BatchID, err)
		}
		if batch.StockQuantity < line.Quantity {
			return nil, &InsufficientStockError{
				BatchID:   line.BatchID,
				Name:      line.Name,
				Requested: line.Quantity,
				Available: batch.StockQuantity,
			}
		}
		versions[line.BatchID] = batch.Version
	}

	totals := pricing.ComputeTotals(lines, input.DiscountPercent, input.TaxPercent)

	// Last cancellation point before the sale becomes durable.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Persisting.
	items := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleLine{
			BatchID:   line.BatchID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	sale := domain.Sale{
		ID:             uuid.NewString(),
		Items:          items,
		Subtotal:       totals.Subtotal,
		DiscountAmount: totals.DiscountAmount,
		TaxAmount:      totals.TaxAmount,
		Total:          totals.Total,
		PaymentMethod:  input.PaymentMethod,
		CustomerName:   input.CustomerName,
		CreatedAt:      c.now(),
	}

	persisted, err := c.repo.CreateSale(ctx, sale)
	if err != nil {
		return nil, &PersistenceError{Err: err}
	}

	// Deducting. The incoming context may already be canceled; the sale is
	// on record, so the deductions must not be abandoned halfway.
	deductCtx := context.WithoutCancel(ctx)
	deducted := make([]string, 0, len(lines))
	failed := map[string]error{}
	for _, line := range lines {
		if err := c.deductLine(deductCtx, persisted.BillNumber, line, versions[line.BatchID]); err != nil {
			failed[line.BatchID] = err
			continue
		}
		deducted = append(deducted, line.BatchID)
	}

	if len(failed) > 0 {
		partial := &PartialDeductionError{
			BillNumber: persisted.BillNumber,
			Deducted:   deducted,
			Failed:     failed,
		}
		log.Printf("[committer] FATAL partial deduction on %s: %v", persisted.BillNumber, partial.Failed)
		return persisted, partial
	}

	// Completed.
	ledger.Clear()
	return persisted, nil
}

// deductLine applies one batch deduction, retrying on version conflicts. The
// expected version is refreshed from the live batch on each conflict so a
// concurrent restock does not permanently block the deduction.
func (c *Committer) deductLine(ctx context.Context, billNumber string, line domain.CartLine, expectedVersion int64) error {
	acquired, err := c.guard.Acquire(ctx, billNumber, line.BatchID)
	if err != nil {
		// Guard is advisory; the store's deduction records are authoritative.
		log.Printf("[committer] deduction guard unavailable for %s/%s: %v", billNumber, line.BatchID, err)
	} else if !acquired {
		return nil
	}

	for attempt := 0; ; attempt++ {
		err := c.repo.DeductBatchStock(ctx, billNumber, line.BatchID, line.Quantity, expectedVersion)
		switch {
		case err == nil, errors.Is(err, store.ErrAlreadyDeducted):
			return nil
		case errors.Is(err, store.ErrVersionConflict) && attempt < c.maxRetries:
			batch, getErr := c.repo.GetBatch(ctx, line.BatchID)
			if getErr != nil {
				c.releaseGuard(ctx, billNumber, line.BatchID)
				return getErr
			}
			if batch.StockQuantity < line.Quantity {
				c.releaseGuard(ctx, billNumber, line.BatchID)
				return &InsufficientStockError{
					BatchID:   line.BatchID,
					Name:      line.Name,
					Requested: line.Quantity,
					Available: batch.StockQuantity,
				}
			}
			expectedVersion = batch.Version
		default:
			c.releaseGuard(ctx, billNumber, line.BatchID)
			return err
		}
	}
}

func (c *Committer) releaseGuard(ctx context.Context, billNumber string, batchID string) {
	if err := c.guard.Release(ctx, billNumber, batchID); err != nil {
		log.Printf("[committer] release deduction guard %s/%s: %v", billNumber, batchID, err)
	}
}
