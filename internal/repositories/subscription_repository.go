package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"subsBack/internal/models"
)

// ErrNotFound reports a missing row. Lookups map sql.ErrNoRows to it;
// updates report it when no row was affected.
var ErrNotFound = errors.New("not found")

// SubscriptionRepository persists one row per receipt in a local sqlite
// table. Rows are never deleted: revocation updates the cancel timestamp.
type SubscriptionRepository struct {
	Path string

	mu sync.Mutex
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewSubscriptionRepository(path string) *SubscriptionRepository {
	return &SubscriptionRepository{Path: path}
}

// Open dials the sqlite database and ensures the schema. Calling Open on an
// already-open repository is a no-op, so session lifecycles may pair it
// freely with Close.
func (r *SubscriptionRepository) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", r.Path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	r.db = db
	r.schemaOnce = sync.Once{}
	return r.ensureSchemaLocked(ctx)
}

// Close releases the database handle. Safe to call repeatedly.
func (r *SubscriptionRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *SubscriptionRepository) handle() (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil, models.ErrStoreClosed
	}
	return r.db, nil
}

func (r *SubscriptionRepository) ensureSchemaLocked(ctx context.Context) error {
	r.schemaOnce.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS subscription_records (
    receipt_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    purchase_date INTEGER NOT NULL,
    cancel_date INTEGER NOT NULL DEFAULT -1,
    sku TEXT NOT NULL DEFAULT '',
    acknowledged_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (receipt_id)
);
CREATE INDEX IF NOT EXISTS idx_subscription_records_user ON subscription_records (user_id);
`
		_, r.schemaErr = r.db.ExecContext(ctx, ddl)
	})
	return r.schemaErr
}

// Upsert stores the record, overwriting timestamps and sku when the
// receiptId already exists. Re-delivered receipts collapse into a single row.
func (r *SubscriptionRepository) Upsert(ctx context.Context, rec models.SubscriptionRecord) error {
	db, err := r.handle()
	if err != nil {
		return err
	}
	if rec.ReceiptID == "" {
		return fmt.Errorf("receipt_id is required")
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO subscription_records (receipt_id, user_id, purchase_date, cancel_date, sku, acknowledged_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(receipt_id) DO UPDATE SET
    user_id = excluded.user_id,
    purchase_date = excluded.purchase_date,
    cancel_date = excluded.cancel_date,
    sku = excluded.sku
`, rec.ReceiptID, rec.UserID, rec.PurchaseDate, rec.CancelDate, rec.Sku, rec.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Cancel sets the cancellation timestamp on an existing record. Unknown
// receipts report ErrNotFound; the caller decides whether that matters.
func (r *SubscriptionRepository) Cancel(ctx context.Context, receiptID string, cancelDate int64) error {
	db, err := r.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE subscription_records SET cancel_date = ? WHERE receipt_id = ?`, cancelDate, receiptID)
	if err != nil {
		return fmt.Errorf("cancel record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ByUser returns every stored record for the user, oldest purchase first.
func (r *SubscriptionRepository) ByUser(ctx context.Context, userID string) ([]models.SubscriptionRecord, error) {
	db, err := r.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT receipt_id, user_id, purchase_date, cancel_date, sku, acknowledged_at
FROM subscription_records WHERE user_id = ? ORDER BY purchase_date, receipt_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SubscriptionRecord
	for rows.Next() {
		var rec models.SubscriptionRecord
		if err := rows.Scan(&rec.ReceiptID, &rec.UserID, &rec.PurchaseDate, &rec.CancelDate, &rec.Sku, &rec.AcknowledgedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ByReceiptID loads a single record.
func (r *SubscriptionRepository) ByReceiptID(ctx context.Context, receiptID string) (models.SubscriptionRecord, error) {
	db, err := r.handle()
	if err != nil {
		return models.SubscriptionRecord{}, err
	}
	var rec models.SubscriptionRecord
	err = db.QueryRowContext(ctx, `
SELECT receipt_id, user_id, purchase_date, cancel_date, sku, acknowledged_at
FROM subscription_records WHERE receipt_id = ?`, receiptID).
		Scan(&rec.ReceiptID, &rec.UserID, &rec.PurchaseDate, &rec.CancelDate, &rec.Sku, &rec.AcknowledgedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SubscriptionRecord{}, ErrNotFound
		}
		return models.SubscriptionRecord{}, err
	}
	return rec, nil
}

// MarkAcknowledged records that the vendor accepted fulfillment for the
// receipt, so the reconciler stops retrying it.
func (r *SubscriptionRepository) MarkAcknowledged(ctx context.Context, receiptID string, when int64) error {
	db, err := r.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE subscription_records SET acknowledged_at = ? WHERE receipt_id = ?`, when, receiptID)
	if err != nil {
		return fmt.Errorf("mark acknowledged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Unacknowledged lists uncancelled records that were persisted but never
// acknowledged to the vendor, oldest first.
func (r *SubscriptionRepository) Unacknowledged(ctx context.Context, limit int) ([]models.SubscriptionRecord, error) {
	db, err := r.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT receipt_id, user_id, purchase_date, cancel_date, sku, acknowledged_at
FROM subscription_records
WHERE acknowledged_at = 0 AND cancel_date = ?
ORDER BY purchase_date LIMIT ?`, models.CancelDateNotSet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SubscriptionRecord
	for rows.Next() {
		var rec models.SubscriptionRecord
		if err := rows.Scan(&rec.ReceiptID, &rec.UserID, &rec.PurchaseDate, &rec.CancelDate, &rec.Sku, &rec.AcknowledgedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
