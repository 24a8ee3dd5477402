package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/internal/domain"
	"farmapos/internal/sale"
	"farmapos/internal/store"
	"farmapos/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	committer := sale.NewCommitter(repo, nil)
	return New(repo, committer, 10, 0, "USD"), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func price(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func findGroup(t *testing.T, view domain.CartView, name string) domain.CartGroup {
	t.Helper()
	for _, g := range view.Groups {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("group %q not in cart: %+v", name, view.Groups)
	return domain.CartGroup{}
}

func TestAddToCartAllocatesEarliestExpiringBatchFirst(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.AddToCart(cashierCtx(), domain.CartItemRequest{
		TerminalID: "t-1",
		Name:       "Paracetamol 500mg",
		UnitPrice:  price("2.50"),
		Quantity:   3,
	})
	if err != nil {
		t.Fatalf("add to cart failed: %v", err)
	}
	if resp.Warning != "" {
		t.Fatalf("unexpected warning %q", resp.Warning)
	}

	group := findGroup(t, resp.Cart, "Paracetamol 500mg")
	if group.TotalQuantity != 3 {
		t.Fatalf("expected quantity 3, got %d", group.TotalQuantity)
	}
	if len(group.Lines) != 1 || group.Lines[0].BatchID != "batch-pcm-a" {
		t.Fatalf("expected the soonest-expiring batch, got %+v", group.Lines)
	}
	// Both Paracetamol batches count toward the allocatable ceiling.
	if group.MaxAllowed != 340 {
		t.Fatalf("expected max allowed 340, got %d", group.MaxAllowed)
	}
}

func TestAddToCartShortfallBecomesWarning(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.AddToCart(cashierCtx(), domain.CartItemRequest{
		TerminalID: "t-1",
		Name:       "Vitamin C 500mg",
		UnitPrice:  price("3.00"),
		Quantity:   25, // only 18 in stock
	})
	if err != nil {
		t.Fatalf("shortfall must not be an error: %v", err)
	}
	if !strings.Contains(resp.Warning, "only 18 of 25") {
		t.Fatalf("expected shortfall warning, got %q", resp.Warning)
	}
	group := findGroup(t, resp.Cart, "Vitamin C 500mg")
	if group.TotalQuantity != 18 {
		t.Fatalf("partial allocation must stay in the cart, got %d", group.TotalQuantity)
	}
}

func TestAddToCartUnknownProductWarnsOutOfStock(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.AddToCart(cashierCtx(), domain.CartItemRequest{
		TerminalID: "t-1",
		Name:       "No Such Product",
		UnitPrice:  price("9.99"),
		Quantity:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.Warning, "out of stock") {
		t.Fatalf("expected out-of-stock warning, got %q", resp.Warning)
	}
	if len(resp.Cart.Groups) != 0 {
		t.Fatalf("cart must stay empty, got %+v", resp.Cart.Groups)
	}
}

func TestTerminalsAreIsolated(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.AddToCart(cashierCtx(), domain.CartItemRequest{
		TerminalID: "t-1", Name: "Ibuprofen 400mg", UnitPrice: price("4.20"), Quantity: 2,
	}); err != nil {
		t.Fatalf("add to cart failed: %v", err)
	}

	other, err := svc.CartView(cashierCtx(), "t-2")
	if err != nil {
		t.Fatalf("cart view failed: %v", err)
	}
	if len(other.Groups) != 0 {
		t.Fatalf("terminal t-2 must have its own empty cart, got %+v", other.Groups)
	}
}

func TestSetGroupQuantityAndRemove(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.CartItemRequest{
		TerminalID: "t-1", Name: "Amoxicillin 250mg", UnitPrice: price("8.75"), Quantity: 10,
	}
	if _, err := svc.AddToCart(cashierCtx(), req); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	req.Quantity = 4
	resp, err := svc.SetGroupQuantity(cashierCtx(), req)
	if err != nil {
		t.Fatalf("set quantity failed: %v", err)
	}
	if g := findGroup(t, resp.Cart, "Amoxicillin 250mg"); g.TotalQuantity != 4 {
		t.Fatalf("expected quantity 4, got %d", g.TotalQuantity)
	}

	removed, err := svc.RemoveGroup(cashierCtx(), "t-1", "Amoxicillin 250mg", "8.75")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if len(removed.Cart.Groups) != 0 {
		t.Fatalf("expected empty cart after removal, got %+v", removed.Cart.Groups)
	}
}

func TestCheckoutCommitsSaleAndClearsCart(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()

	if _, err := svc.AddToCart(ctx, domain.CartItemRequest{
		TerminalID: "t-1", Name: "Paracetamol 500mg", UnitPrice: price("2.50"), Quantity: 10,
	}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		TerminalID:    "t-1",
		PaymentMethod: domain.PaymentMethodCash,
		CustomerName:  "Walk-in",
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !strings.HasPrefix(resp.Sale.BillNumber, "B-") {
		t.Fatalf("unexpected bill number %q", resp.Sale.BillNumber)
	}
	if !resp.Sale.Subtotal.Equal(price("25.00")) {
		t.Fatalf("unexpected subtotal %s", resp.Sale.Subtotal)
	}
	// Default tax rate of 10% applies when the request sets none.
	if !resp.Sale.TaxAmount.Equal(price("2.50")) {
		t.Fatalf("unexpected tax %s", resp.Sale.TaxAmount)
	}

	view, err := svc.CartView(ctx, "t-1")
	if err != nil {
		t.Fatalf("cart view failed: %v", err)
	}
	if len(view.Groups) != 0 {
		t.Fatalf("cart must be empty after checkout, got %+v", view.Groups)
	}

	batch, err := repo.GetBatch(context.Background(), "batch-pcm-a")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.StockQuantity != 130 {
		t.Fatalf("expected stock 130 after sale, got %d", batch.StockQuantity)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "sale_commit" {
		t.Fatalf("expected one sale_commit audit entry, got %+v", logs)
	}
	if logs[0].ActorUsername != "cashier" {
		t.Fatalf("audit entry must carry the acting user, got %q", logs[0].ActorUsername)
	}
}

func TestCheckoutRejectsUnknownPaymentMethod(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		TerminalID: "t-1", PaymentMethod: "barter",
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		TerminalID: "t-1", PaymentMethod: domain.PaymentMethodCash,
	})
	if !errors.Is(err, sale.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestUpsertBatchRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.BatchUpsertRequest{
		Name: "Cetirizine 10mg", UnitPrice: price("5.50"), StockQuantity: 30, ExpiryDate: "2027-03-01",
	}

	if _, err := svc.UpsertBatch(cashierCtx(), req); err == nil {
		t.Fatalf("cashier must not upsert batches")
	}

	saved, err := svc.UpsertBatch(adminCtx(), req)
	if err != nil {
		t.Fatalf("admin upsert failed: %v", err)
	}
	if saved.ID == "" || saved.Version != 1 {
		t.Fatalf("unexpected saved batch %+v", saved)
	}
	if saved.ExpiryDate == nil || saved.ExpiryDate.Format("2006-01-02") != "2027-03-01" {
		t.Fatalf("expiry date not parsed: %+v", saved.ExpiryDate)
	}
}

func TestUpsertBatchRejectsBadExpiry(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpsertBatch(adminCtx(), domain.BatchUpsertRequest{
		Name: "Cetirizine 10mg", UnitPrice: price("5.50"), ExpiryDate: "01/03/2027",
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSetBatchStockRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.SetBatchStock(cashierCtx(), "batch-pcm-a", 10); err == nil {
		t.Fatalf("cashier must not set stock")
	}

	updated, err := svc.SetBatchStock(adminCtx(), "batch-pcm-a", 10)
	if err != nil {
		t.Fatalf("admin set stock failed: %v", err)
	}
	if updated.StockQuantity != 10 {
		t.Fatalf("expected stock 10, got %d", updated.StockQuantity)
	}
}

func TestListAuditLogsRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ListAuditLogs(cashierCtx(), time.Time{}, time.Time{}, 10); err == nil {
		t.Fatalf("cashier must not read audit logs")
	}
}

func TestListLowStockBatches(t *testing.T) {
	svc, _ := newTestService(t)
	low, err := svc.ListLowStockBatches(context.Background())
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(low) != 1 || low[0].ID != "batch-vtc-a" {
		t.Fatalf("expected only the vitamin batch below threshold, got %+v", low)
	}
}
