package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/internal/allocation"
	"farmapos/internal/cart"
	"farmapos/internal/domain"
	"farmapos/internal/pricing"
	"farmapos/internal/sale"
	"farmapos/internal/store"
	"farmapos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// terminalSession is one cashier terminal's in-flight cart: the batch-level
// ledger plus the allocation engine bound to it.
type terminalSession struct {
	ledger *cart.Ledger
	engine *allocation.Engine
}

type Service struct {
	repo      store.Repository
	committer *sale.Committer

	mu       sync.Mutex
	sessions map[string]*terminalSession

	defaultTaxPercent      float64
	defaultDiscountPercent float64
	currency               string
}

func New(repo store.Repository, committer *sale.Committer, taxPercent float64, discountPercent float64, currency string) *Service {
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		repo:                   repo,
		committer:              committer,
		sessions:               make(map[string]*terminalSession),
		defaultTaxPercent:      pricing.ClampPercent(taxPercent),
		defaultDiscountPercent: pricing.ClampPercent(discountPercent),
		currency:               currency,
	}
}

func (s *Service) session(terminalID string) *terminalSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[terminalID]
	if !ok {
		ledger := cart.NewLedger()
		sess = &terminalSession{
			ledger: ledger,
			engine: allocation.New(ledger, s.repo),
		}
		s.sessions[terminalID] = sess
	}
	return sess
}

func normalizeTerminalID(terminalID string) (string, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return "", store.ErrInvalidRequest
	}
	return terminalID, nil
}

// CartView renders the terminal's cart: batch lines aggregated into product
// groups plus totals at the configured default rates.
func (s *Service) CartView(ctx context.Context, terminalID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminalID(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess := s.session(terminalID)
	return s.renderCart(ctx, terminalID, sess)
}

func (s *Service) renderCart(ctx context.Context, terminalID string, sess *terminalSession) (domain.CartView, error) {
	batches, err := s.repo.ListBatches(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	lines := sess.ledger.Lines()
	return domain.CartView{
		TerminalID: terminalID,
		Groups:     cart.Groups(sess.ledger, batches),
		Totals:     pricing.ComputeTotals(lines, s.defaultDiscountPercent, s.defaultTaxPercent),
		Currency:   s.currency,
	}, nil
}

// AddToCart increases a product group's quantity, allocating across batches
// first-expiry-first. Allocation shortfalls are reported as a warning on the
// response rather than an error: whatever could be allocated stays in the
// cart.
func (s *Service) AddToCart(ctx context.Context, req domain.CartItemRequest) (domain.CartMutationResponse, error) {
	terminalID, err := normalizeTerminalID(req.TerminalID)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	if strings.TrimSpace(req.Name) == "" || req.UnitPrice.Sign() < 0 {
		return domain.CartMutationResponse{}, store.ErrInvalidRequest
	}

	sess := s.session(terminalID)
	key := domain.GroupKey{Name: strings.TrimSpace(req.Name), UnitPrice: req.UnitPrice}

	warning := ""
	if err := sess.engine.Increase(ctx, key, req.Quantity); err != nil {
		warning, err = allocationWarning(key, err)
		if err != nil {
			return domain.CartMutationResponse{}, err
		}
	}

	view, err := s.renderCart(ctx, terminalID, sess)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	return domain.CartMutationResponse{Cart: view, Warning: warning}, nil
}

// SetGroupQuantity moves a product group to an exact quantity, allocating or
// releasing batch stock as needed.
func (s *Service) SetGroupQuantity(ctx context.Context, req domain.CartItemRequest) (domain.CartMutationResponse, error) {
	terminalID, err := normalizeTerminalID(req.TerminalID)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	if strings.TrimSpace(req.Name) == "" || req.UnitPrice.Sign() < 0 || req.Quantity < 0 {
		return domain.CartMutationResponse{}, store.ErrInvalidRequest
	}

	sess := s.session(terminalID)
	key := domain.GroupKey{Name: strings.TrimSpace(req.Name), UnitPrice: req.UnitPrice}

	warning := ""
	if err := sess.engine.SetQuantity(ctx, key, req.Quantity); err != nil {
		warning, err = allocationWarning(key, err)
		if err != nil {
			return domain.CartMutationResponse{}, err
		}
	}

	view, err := s.renderCart(ctx, terminalID, sess)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	return domain.CartMutationResponse{Cart: view, Warning: warning}, nil
}

func (s *Service) RemoveGroup(ctx context.Context, terminalID string, name string, unitPrice string) (domain.CartMutationResponse, error) {
	terminalID, err := normalizeTerminalID(terminalID)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	price, err := parsePrice(unitPrice)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	if strings.TrimSpace(name) == "" {
		return domain.CartMutationResponse{}, store.ErrInvalidRequest
	}

	sess := s.session(terminalID)
	key := domain.GroupKey{Name: strings.TrimSpace(name), UnitPrice: price}
	if err := sess.engine.RemoveGroup(key); err != nil {
		return domain.CartMutationResponse{}, err
	}

	view, err := s.renderCart(ctx, terminalID, sess)
	if err != nil {
		return domain.CartMutationResponse{}, err
	}
	return domain.CartMutationResponse{Cart: view}, nil
}

func (s *Service) ClearCart(ctx context.Context, terminalID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminalID(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess := s.session(terminalID)
	sess.ledger.Clear()
	return s.renderCart(ctx, terminalID, sess)
}

// Checkout commits the terminal's cart as a sale. On success the cart is
// empty and the persisted sale is returned. A partial deduction is surfaced
// as an error while the sale stays on record for reconciliation.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	terminalID, err := normalizeTerminalID(req.TerminalID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if req.PaymentMethod != domain.PaymentMethodCash && req.PaymentMethod != domain.PaymentMethodCard {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}

	discount := s.defaultDiscountPercent
	if req.DiscountPercent != nil {
		discount = pricing.ClampPercent(*req.DiscountPercent)
	}
	tax := s.defaultTaxPercent
	if req.TaxPercent != nil {
		tax = pricing.ClampPercent(*req.TaxPercent)
	}

	sess := s.session(terminalID)
	committed, err := s.committer.Commit(ctx, sess.ledger, sale.Input{
		PaymentMethod:   req.PaymentMethod,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		DiscountPercent: discount,
		TaxPercent:      tax,
	})

	var partial *sale.PartialDeductionError
	if errors.As(err, &partial) {
		s.logAudit(ctx, "sale_partial_deduction", "sale", committed.BillNumber,
			fmt.Sprintf("terminal=%s,failed_batches=%d", terminalID, len(partial.Failed)))
		return domain.CheckoutResponse{}, err
	}
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, "sale_commit", "sale", committed.BillNumber,
		fmt.Sprintf("terminal=%s,total=%s,payment=%s", terminalID, committed.Total.String(), committed.PaymentMethod))
	return domain.CheckoutResponse{Sale: *committed}, nil
}

func (s *Service) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	return s.repo.ListBatches(ctx)
}

func (s *Service) ListLowStockBatches(ctx context.Context) ([]domain.Batch, error) {
	return s.repo.ListLowStockBatches(ctx)
}

func (s *Service) UpsertBatch(ctx context.Context, req domain.BatchUpsertRequest) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.UnitPrice.Sign() < 0 || req.StockQuantity < 0 || req.MinStockThreshold < 0 {
		return domain.Batch{}, store.ErrInvalidRequest
	}

	batch := domain.Batch{
		ID:                strings.TrimSpace(req.ID),
		Name:              req.Name,
		UnitPrice:         req.UnitPrice,
		StockQuantity:     req.StockQuantity,
		MinStockThreshold: req.MinStockThreshold,
	}
	if req.ExpiryDate != "" {
		expiry, err := time.ParseInLocation("2006-01-02", req.ExpiryDate, time.UTC)
		if err != nil {
			return domain.Batch{}, store.ErrInvalidRequest
		}
		batch.ExpiryDate = &expiry
	}

	saved, err := s.repo.UpsertBatch(ctx, batch)
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_upsert", "batch", saved.ID,
		fmt.Sprintf("name=%s,price=%s,stock=%d", saved.Name, saved.UnitPrice.String(), saved.StockQuantity))
	return *saved, nil
}

func (s *Service) SetBatchStock(ctx context.Context, batchID string, qty int) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" || qty < 0 {
		return domain.Batch{}, store.ErrInvalidRequest
	}

	if err := s.repo.SetBatchStock(ctx, batchID, qty); err != nil {
		return domain.Batch{}, err
	}
	updated, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_stock_set", "batch", batchID, fmt.Sprintf("qty=%d", qty))
	return *updated, nil
}

func (s *Service) GetSale(ctx context.Context, billNumber string) (domain.Sale, error) {
	billNumber = strings.TrimSpace(billNumber)
	if billNumber == "" {
		return domain.Sale{}, store.ErrInvalidRequest
	}
	found, err := s.repo.GetSaleByBillNumber(ctx, billNumber)
	if err != nil {
		return domain.Sale{}, err
	}
	return *found, nil
}

func (s *Service) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// allocationWarning converts allocation shortfalls into a cashier-facing
// message; anything else stays an error.
func allocationWarning(key domain.GroupKey, err error) (string, error) {
	var insufficient *allocation.InsufficientStockError
	if errors.As(err, &insufficient) {
		return fmt.Sprintf("only %d of %d units of %s could be added (insufficient stock)",
			insufficient.Allocated, insufficient.Requested, key.Name), nil
	}
	if errors.Is(err, allocation.ErrOutOfStock) {
		return fmt.Sprintf("%s is out of stock", key.Name), nil
	}
	return "", err
}

func parsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, store.ErrInvalidRequest
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || price.Sign() < 0 {
		return decimal.Zero, store.ErrInvalidRequest
	}
	return price, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}
