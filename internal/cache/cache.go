package cache

import "context"

// DeductionGuard is a fast-path idempotency check in front of the durable
// deduction records in the store. Acquire reports whether this process is the
// first to attempt the (bill number, batch) deduction. The store remains the
// source of truth; a guard failure only costs an extra round trip there.
type DeductionGuard interface {
	Acquire(ctx context.Context, billNumber string, batchID string) (bool, error)
	Release(ctx context.Context, billNumber string, batchID string) error
}

type NoopDeductionGuard struct{}

func (NoopDeductionGuard) Acquire(_ context.Context, _ string, _ string) (bool, error) {
	return true, nil
}

func (NoopDeductionGuard) Release(_ context.Context, _ string, _ string) error {
	return nil
}
