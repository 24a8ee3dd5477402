package store

import (
	"context"
	"errors"
	"time"

	"farmapos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
	// ErrVersionConflict means a batch changed between read and deduction;
	// the caller re-validates against the live batch and retries.
	ErrVersionConflict = errors.New("batch version conflict")
	// ErrAlreadyDeducted means the (bill number, batch) deduction was applied
	// by an earlier attempt; retries treat it as success.
	ErrAlreadyDeducted = errors.New("deduction already applied")
)

// Repository is both the batch catalog and the sale store. The in-memory
// implementation backs tests and single-terminal deployments; the postgres
// implementation is the durable multi-terminal one.
type Repository interface {
	ListBatches(ctx context.Context) ([]domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	BatchesForGroup(ctx context.Context, key domain.GroupKey) ([]domain.Batch, error)
	UpsertBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	SetBatchStock(ctx context.Context, id string, qty int) error
	ListLowStockBatches(ctx context.Context) ([]domain.Batch, error)

	// DeductBatchStock decrements a batch's stock by qty if and only if the
	// batch still carries expectedVersion and at least qty units. It is
	// idempotent per (billNumber, batchID): a repeat of an applied deduction
	// returns ErrAlreadyDeducted and changes nothing.
	DeductBatchStock(ctx context.Context, billNumber string, batchID string, qty int, expectedVersion int64) error

	// CreateSale persists the sale, assigning its id and a bill number whose
	// daily sequence is incremented atomically with the insert.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByBillNumber(ctx context.Context, billNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
