package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"farmapos/internal/domain"
	"farmapos/internal/store"
	"farmapos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	batchesByID     map[string]domain.Batch
	batchOrder      []string
	salesByID       map[string]*domain.Sale
	salesByBillNo   map[string]*domain.Sale
	billSeqByDay    map[string]int
	deductions      map[string]int
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		batchesByID:     make(map[string]domain.Batch),
		salesByID:       make(map[string]*domain.Sale),
		salesByBillNo:   make(map[string]*domain.Sale),
		billSeqByDay:    make(map[string]int),
		deductions:      make(map[string]int),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	expiry := func(days int) *time.Time {
		t := time.Now().UTC().AddDate(0, 0, days).Truncate(24 * time.Hour)
		return &t
	}
	batches := []domain.Batch{
		{ID: "batch-pcm-a", Name: "Paracetamol 500mg", UnitPrice: decimal.NewFromFloat(2.50), StockQuantity: 140, ExpiryDate: expiry(45), MinStockThreshold: 30},
		{ID: "batch-pcm-b", Name: "Paracetamol 500mg", UnitPrice: decimal.NewFromFloat(2.50), StockQuantity: 200, ExpiryDate: expiry(180), MinStockThreshold: 30},
		{ID: "batch-amx-a", Name: "Amoxicillin 250mg", UnitPrice: decimal.NewFromFloat(8.75), StockQuantity: 60, ExpiryDate: expiry(90), MinStockThreshold: 20},
		{ID: "batch-amx-b", Name: "Amoxicillin 250mg", UnitPrice: decimal.NewFromFloat(8.75), StockQuantity: 80, ExpiryDate: expiry(240), MinStockThreshold: 20},
		{ID: "batch-ibu-a", Name: "Ibuprofen 400mg", UnitPrice: decimal.NewFromFloat(4.20), StockQuantity: 95, ExpiryDate: expiry(120), MinStockThreshold: 25},
		{ID: "batch-ors-a", Name: "ORS Sachet", UnitPrice: decimal.NewFromFloat(1.10), StockQuantity: 300, MinStockThreshold: 50},
		{ID: "batch-vtc-a", Name: "Vitamin C 500mg", UnitPrice: decimal.NewFromFloat(3.00), StockQuantity: 18, ExpiryDate: expiry(60), MinStockThreshold: 25},
		{ID: "batch-sln-a", Name: "Saline Solution 500ml", UnitPrice: decimal.NewFromFloat(6.40), StockQuantity: 40, ExpiryDate: expiry(300), MinStockThreshold: 10},
	}

	s := New()
	for _, b := range batches {
		b.Version = 1
		s.batchesByID[b.ID] = b
		s.batchOrder = append(s.batchOrder, b.ID)
	}
	return s
}

func (s *Store) ListBatches(_ context.Context) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.Batch, 0, len(s.batchOrder))
	for _, id := range s.batchOrder {
		batches = append(batches, cloneBatch(s.batchesByID[id]))
	}

	slices.SortFunc(batches, func(a, b domain.Batch) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})

	return batches, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batchesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBatch := cloneBatch(batch)
	return &copyBatch, nil
}

func (s *Store) BatchesForGroup(_ context.Context, key domain.GroupKey) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.Batch, 0, 4)
	for _, id := range s.batchOrder {
		batch := s.batchesByID[id]
		if !key.Matches(batch) {
			continue
		}
		batches = append(batches, cloneBatch(batch))
	}
	return batches, nil
}

func (s *Store) UpsertBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	if strings.TrimSpace(batch.Name) == "" || batch.UnitPrice.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}
	if batch.StockQuantity < 0 || batch.MinStockThreshold < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	existing, exists := s.batchesByID[batch.ID]
	if exists {
		batch.Version = existing.Version + 1
	} else {
		batch.Version = 1
		s.batchOrder = append(s.batchOrder, batch.ID)
	}
	s.batchesByID[batch.ID] = cloneBatch(batch)
	saved := cloneBatch(batch)
	return &saved, nil
}

func (s *Store) SetBatchStock(_ context.Context, id string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, exists := s.batchesByID[id]
	if !exists {
		return store.ErrNotFound
	}
	batch.StockQuantity = qty
	batch.Version++
	s.batchesByID[id] = batch
	return nil
}

func (s *Store) ListLowStockBatches(_ context.Context) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.Batch, 0, 8)
	for _, id := range s.batchOrder {
		batch := s.batchesByID[id]
		if batch.MinStockThreshold < 1 || batch.StockQuantity > batch.MinStockThreshold {
			continue
		}
		batches = append(batches, cloneBatch(batch))
	}

	slices.SortFunc(batches, func(a, b domain.Batch) int {
		if a.StockQuantity == b.StockQuantity {
			return cmpString(a.ID, b.ID)
		}
		if a.StockQuantity < b.StockQuantity {
			return -1
		}
		return 1
	})

	return batches, nil
}

func (s *Store) DeductBatchStock(_ context.Context, billNumber string, batchID string, qty int, expectedVersion int64) error {
	if billNumber == "" || batchID == "" || qty < 1 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := deductionKey(billNumber, batchID)
	if _, applied := s.deductions[key]; applied {
		return store.ErrAlreadyDeducted
	}

	batch, exists := s.batchesByID[batchID]
	if !exists {
		return store.ErrNotFound
	}
	if batch.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	if batch.StockQuantity < qty {
		return store.ErrInsufficientStock
	}

	batch.StockQuantity -= qty
	batch.Version++
	s.batchesByID[batchID] = batch
	s.deductions[key] = qty
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}

	day := domain.BillDay(sale.CreatedAt)
	s.billSeqByDay[day]++
	sale.BillNumber = domain.FormatBillNumber(sale.CreatedAt, s.billSeqByDay[day])

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.salesByBillNo[sale.BillNumber] = saved
	return cloneSale(saved), nil
}

func (s *Store) GetSaleByBillNumber(_ context.Context, billNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByBillNo[billNumber]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.BillNumber, a.BillNumber)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidRequest
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func deductionKey(billNumber string, batchID string) string {
	return billNumber + "::" + batchID
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
