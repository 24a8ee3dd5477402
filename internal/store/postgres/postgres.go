package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/internal/domain"
	"farmapos/internal/store"
	"farmapos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, stock_quantity, expiry_date, min_stock_threshold, version
		FROM batches
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price, stock_quantity, expiry_date, min_stock_threshold, version
		FROM batches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.UnitPrice, &b.StockQuantity, &expiry, &b.MinStockThreshold, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time.UTC()
		b.ExpiryDate = &t
	}
	return &b, nil
}

func (s *Store) BatchesForGroup(ctx context.Context, key domain.GroupKey) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, stock_quantity, expiry_date, min_stock_threshold, version
		FROM batches
		WHERE name = $1 AND unit_price = $2
		ORDER BY expiry_date ASC NULLS LAST, id
	`, key.Name, key.UnitPrice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

func (s *Store) UpsertBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	if strings.TrimSpace(batch.Name) == "" || batch.UnitPrice.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}
	if batch.StockQuantity < 0 || batch.MinStockThreshold < 0 {
		return nil, store.ErrInvalidRequest
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO batches (id, name, unit_price, stock_quantity, expiry_date, min_stock_threshold, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,1,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			unit_price = EXCLUDED.unit_price,
			stock_quantity = EXCLUDED.stock_quantity,
			expiry_date = EXCLUDED.expiry_date,
			min_stock_threshold = EXCLUDED.min_stock_threshold,
			version = batches.version + 1,
			updated_at = now()
		RETURNING version
	`, batch.ID, batch.Name, batch.UnitPrice, batch.StockQuantity, nullTime(batch.ExpiryDate), batch.MinStockThreshold).Scan(&batch.Version)
	if err != nil {
		return nil, err
	}

	saved := batch
	return &saved, nil
}

func (s *Store) SetBatchStock(ctx context.Context, id string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET stock_quantity = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLowStockBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, stock_quantity, expiry_date, min_stock_threshold, version
		FROM batches
		WHERE min_stock_threshold > 0 AND stock_quantity <= min_stock_threshold
		ORDER BY stock_quantity ASC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

// DeductBatchStock applies a single idempotent, version-checked decrement.
// The deduction record and the stock update commit together, so a retry after
// a crash between them cannot double-deduct.
func (s *Store) DeductBatchStock(ctx context.Context, billNumber string, batchID string, qty int, expectedVersion int64) error {
	if billNumber == "" || batchID == "" || qty < 1 {
		return store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stock_deductions (bill_number, batch_id, qty, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (bill_number, batch_id) DO NOTHING
	`, billNumber, batchID, qty)
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return store.ErrAlreadyDeducted
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE batches
		SET stock_quantity = stock_quantity - $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND stock_quantity >= $3
	`, batchID, expectedVersion, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var version int64
		var stock int
		err := tx.QueryRowContext(ctx, `
			SELECT version, stock_quantity FROM batches WHERE id = $1
		`, batchID).Scan(&version, &stock)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if version != expectedVersion {
			return store.ErrVersionConflict
		}
		return store.ErrInsufficientStock
	}

	return tx.Commit()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Bill sequence and sale row commit atomically: a sequence number is
	// never burned without a persisted sale, and never reused.
	var seq int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bill_counters (day, seq)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = bill_counters.seq + 1
		RETURNING seq
	`, domain.BillDay(sale.CreatedAt)).Scan(&seq)
	if err != nil {
		return nil, err
	}
	sale.BillNumber = domain.FormatBillNumber(sale.CreatedAt, seq)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, bill_number, subtotal, discount_amount, tax_amount, total,
			payment_method, customer_name, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.BillNumber, sale.Subtotal, sale.DiscountAmount, sale.TaxAmount,
		sale.Total, sale.PaymentMethod, nullIfEmpty(sale.CustomerName), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for idx, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, batch_id, name, qty, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, idx+1, item.BatchID, item.Name, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByBillNumber(ctx context.Context, billNumber string) (*domain.Sale, error) {
	var sale domain.Sale
	var customer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bill_number, subtotal, discount_amount, tax_amount, total,
		       payment_method, customer_name, created_at
		FROM sales
		WHERE bill_number = $1
	`, billNumber).Scan(&sale.ID, &sale.BillNumber, &sale.Subtotal, &sale.DiscountAmount,
		&sale.TaxAmount, &sale.Total, &sale.PaymentMethod, &customer, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerName = customer.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := s.saleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bill_number, subtotal, discount_amount, tax_amount, total,
		       payment_method, customer_name, created_at
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, bill_number DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customer sql.NullString
		if err := rows.Scan(&sale.ID, &sale.BillNumber, &sale.Subtotal, &sale.DiscountAmount,
			&sale.TaxAmount, &sale.Total, &sale.PaymentMethod, &customer, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CustomerName = customer.String
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.saleItems(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, name, qty, unit_price
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.BatchID, &line.Name, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, line)
	}
	return items, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanBatches(rows *sql.Rows) ([]domain.Batch, error) {
	batches := make([]domain.Batch, 0, 32)
	for rows.Next() {
		var b domain.Batch
		var expiry sql.NullTime
		if err := rows.Scan(&b.ID, &b.Name, &b.UnitPrice, &b.StockQuantity, &expiry, &b.MinStockThreshold, &b.Version); err != nil {
			return nil, err
		}
		if expiry.Valid {
			t := expiry.Time.UTC()
			b.ExpiryDate = &t
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
