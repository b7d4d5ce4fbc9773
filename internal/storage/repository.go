// Package storage is the durable delivery store: a SQLite database holding the
// deliveries collection and a key/value settings collection.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"entregas/internal/core"
	"entregas/internal/log"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db     *sqlx.DB
	path   string
	logger *log.Logger
}

type deliveryRow struct {
	ID        int64  `db:"id"`
	Date      string `db:"date"`
	Quantity  int    `db:"quantity"`
	CreatedAt string `db:"created_at"`
}

func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewSQLiteRepository opens (creating on first run) the database at dbPath and
// migrates it. Every failure wraps core.ErrStoreUnavailable.
func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %w", core.ErrStoreUnavailable, err)
	}

	db, err := sqlx.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite database: %w", core.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", core.ErrStoreUnavailable, err)
	}

	if err := RunMigrations(dsn(dbPath)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}

	return &SQLiteRepository{
		db:     db,
		path:   dbPath,
		logger: logger.WithComponent(log.ComponentStorage),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database still answers.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// LoadAll returns every delivery, newest date first.
func (r *SQLiteRepository) LoadAll(ctx context.Context) ([]core.Delivery, error) {
	var rows []deliveryRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, date, quantity, created_at FROM deliveries ORDER BY date DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}

	out := make([]core.Delivery, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDelivery()
		if err != nil {
			r.logger.WarnContext(ctx, "Skipping unreadable delivery row",
				log.FieldDeliveryID, row.ID,
				log.FieldError, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ReplaceAll clears the deliveries collection and inserts records in a single
// transaction. Either every record is stored or nothing changes.
func (r *SQLiteRepository) ReplaceAll(ctx context.Context, records []core.Delivery) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM deliveries`); err != nil {
		return fmt.Errorf("clear deliveries: %w", err)
	}

	stmt, err := tx.PrepareNamedContext(ctx,
		`INSERT INTO deliveries (id, date, quantity, created_at) VALUES (:id, :date, :quantity, :created_at)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		if _, err = stmt.ExecContext(ctx, fromDelivery(d)); err != nil {
			return fmt.Errorf("insert delivery %d: %w", d.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.DebugContext(ctx, "Deliveries replaced", log.FieldCount, len(records))
	return nil
}

// Setting returns the value stored under key and whether it exists.
func (r *SQLiteRepository) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value.
func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Usage returns the bytes the database occupies on disk, WAL and shared-memory
// files included.
func (r *SQLiteRepository) Usage() (int64, error) {
	var total int64
	for _, p := range []string{r.path, r.path + "-wal", r.path + "-shm"} {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}

func fromDelivery(d core.Delivery) deliveryRow {
	return deliveryRow{
		ID:        d.ID,
		Date:      d.Date.String(),
		Quantity:  d.Quantity,
		CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (row deliveryRow) toDelivery() (core.Delivery, error) {
	date, err := core.ParseDate(row.Date)
	if err != nil {
		return core.Delivery{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return core.Delivery{}, fmt.Errorf("parse created_at: %w", err)
	}
	return core.Delivery{
		ID:        row.ID,
		Date:      date,
		Quantity:  row.Quantity,
		CreatedAt: createdAt,
	}, nil
}
