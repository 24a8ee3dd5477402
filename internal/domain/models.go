package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Batch is one physical stock record for a product. Several batches may carry
// the same product name and unit price while holding separate quantities and
// expiry dates. Version is a monotonic counter bumped on every stock mutation
// and checked on deduction (optimistic concurrency).
type Batch struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	StockQuantity     int             `json:"stock_quantity"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	MinStockThreshold int             `json:"min_stock_threshold"`
	Version           int64           `json:"version"`
}

func (b Batch) GroupKey() GroupKey {
	return GroupKey{Name: b.Name, UnitPrice: b.UnitPrice}
}

// GroupKey identifies the cashier-visible aggregation of batches: same
// product name, same unit price.
type GroupKey struct {
	Name      string
	UnitPrice decimal.Decimal
}

func (k GroupKey) Matches(b Batch) bool {
	return b.Name == k.Name && b.UnitPrice.Equal(k.UnitPrice)
}

// CacheKey returns a canonical string form usable as a map key. StringFixed
// is used because two decimals that are numerically equal may render
// differently (e.g. "10.5" vs "10.50") depending on how they were parsed.
func (k GroupKey) CacheKey() string {
	return k.Name + "|" + k.UnitPrice.StringFixed(4)
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s @ %s", k.Name, k.UnitPrice.String())
}

// CartLine is one reservation against a specific batch. Name, unit price and
// expiry are denormalized from the batch at allocation time so grouping and
// sale lines do not require a catalog read.
type CartLine struct {
	BatchID    string          `json:"batch_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
}

func (l CartLine) GroupKey() GroupKey {
	return GroupKey{Name: l.Name, UnitPrice: l.UnitPrice}
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartGroup is the derived, user-facing cart line: all batches of the same
// product/price aggregated. Never stored; recomputed from the ledger on read.
type CartGroup struct {
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalQuantity int             `json:"total_quantity"`
	MaxAllowed    int             `json:"max_allowed"`
	Lines         []CartLine      `json:"lines"`
}

// Totals is the output of the pricing computation. Values are kept exact;
// rounding happens only at presentation time.
type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
}

type SaleLine struct {
	BatchID   string          `json:"batch_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Sale is the committed transaction. Created only by the committer on a
// successful persist; immutable thereafter. ID and BillNumber are assigned by
// the sale store at persist time.
type Sale struct {
	ID             string          `json:"id"`
	BillNumber     string          `json:"bill_number"`
	Items          []SaleLine      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  string          `json:"payment_method"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

/// FormatBillNumber renders the human-readable bill number for a sale: "B-" +
// YYMMDD + "-" + zero-padded daily sequence. The sequence restarts at 1 on
// the first sale of each UTC calendar day.
func FormatBillNumber(day time.Time, seq int) string {
	return fmt.Sprintf("B-%s-%03d", day.UTC().Format("060102"), seq)
}

// BillDay returns the UTC calendar-day bucket used for bill sequencing.
func BillDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type BatchUpsertRequest struct {
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	StockQuantity     int             `json:"stock_quantity"`
	ExpiryDate        string          `json:"expiry_date,omitempty"`
	MinStockThreshold int             `json:"min_stock_threshold"`
}

type CartItemRequest struct {
	TerminalID string          `json:"terminal_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
}

type CartView struct {
	TerminalID string      `json:"terminal_id"`
	Groups     []CartGroup `json:"groups"`
	Totals     Totals      `json:"totals"`
	Currency   string      `json:"currency"`
}

// CartMutationResponse reflects the cart after a mutation. Warning carries
// the cashier-facing message when an allocation was only partially satisfied
// or a group is out of stock; whatever part of the mutation could apply has
// applied.
type CartMutationResponse struct {
	Cart    CartView `json:"cart"`
	Warning string   `json:"warning,omitempty"`
}

type CheckoutRequest struct {
	TerminalID      string   `json:"terminal_id"`
	PaymentMethod   string   `json:"payment_method"`
	CustomerName    string   `json:"customer_name,omitempty"`
	DiscountPercent *float64 `json:"discount_percent,omitempty"`
	TaxPercent      *float64 `json:"tax_percent,omitempty"`
}

type CheckoutResponse struct {
	Sale Sale `json:"sale"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)
