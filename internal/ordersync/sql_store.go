package ordersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const sqlOrdersTableName = "ordersync_orders"

type sqlDialect string

const (
	dialectPostgres sqlDialect = "postgres"
	dialectSQLite   sqlDialect = "sqlite3"
)

// SQLOrderStore keeps orders in postgres or sqlite. Timestamps are stored as
// unix nanoseconds so cursor positions compare exactly in both dialects, and
// fees as decimal strings.
type SQLOrderStore struct {
	db      *sql.DB
	dialect sqlDialect
	table   string
}

func NewPostgresOrderStore(dsn string) (*SQLOrderStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return openSQLOrderStore(db, dialectPostgres, sqlOrdersTableName)
}

// NewSQLiteOrderStore opens path with a single connection; sqlite allows one
// writer at a time.
func NewSQLiteOrderStore(path string) (*SQLOrderStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return openSQLOrderStore(db, dialectSQLite, sqlOrdersTableName)
}

func openSQLOrderStore(db *sql.DB, dialect sqlDialect, table string) (*SQLOrderStore, error) {
	s := &SQLOrderStore{db: db, dialect: dialect, table: table}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLOrderStore) ensureSchema(ctx context.Context) error {
	table := postgresQuoteIdentifier(s.table)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				external_order_id TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				shipping_fee TEXT NOT NULL,
				version BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (updated_at DESC, id DESC)",
			postgresQuoteIdentifier(s.table+"_updated_idx"), table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("order store schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLOrderStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlOrderColumns = "id, external_order_id, status, shipping_fee, version, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		order     Order
		status    string
		fee       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&order.ID, &order.ExternalOrderID, &status, &fee, &order.Version, &createdAt, &updatedAt); err != nil {
		return Order{}, err
	}
	parsedFee, err := decimal.NewFromString(fee)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: shipping fee %q: %w", order.ID, fee, err)
	}
	order.Status = Status(status)
	order.ShippingFee = parsedFee
	order.CreatedAt = time.Unix(0, createdAt).UTC()
	order.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return order, nil
}

func (s *SQLOrderStore) getOne(ctx context.Context, column, value string) (Order, error) {
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", sqlOrderColumns, postgresQuoteIdentifier(s.table), column))
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return order, err
}

func (s *SQLOrderStore) Get(ctx context.Context, id string) (Order, error) {
	return s.getOne(ctx, "id", id)
}

func (s *SQLOrderStore) GetByExternalID(ctx context.Context, externalOrderID string) (Order, error) {
	return s.getOne(ctx, "external_order_id", externalOrderID)
}

func (s *SQLOrderStore) Create(ctx context.Context, order Order) (Order, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.ExternalOrderID) == "" {
		return Order{}, ErrInvalidInput
	}
	query := s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)", postgresQuoteIdentifier(s.table), sqlOrderColumns))
	_, err := s.db.ExecContext(ctx, query,
		order.ID,
		order.ExternalOrderID,
		string(order.Status),
		order.ShippingFee.String(),
		order.Version,
		order.CreatedAt.UnixNano(),
		order.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return Order{}, ErrAlreadyExists
	}
	if err != nil {
		return Order{}, err
	}
	return s.Get(ctx, order.ID)
}

func (s *SQLOrderStore) CompareAndSwap(ctx context.Context, next Order, expectedVersion int64) (Order, error) {
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, shipping_fee = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?",
		postgresQuoteIdentifier(s.table),
	))
	result, err := s.db.ExecContext(ctx, query,
		string(next.Status),
		next.ShippingFee.String(),
		next.Version,
		next.UpdatedAt.UnixNano(),
		next.ID,
		expectedVersion,
	)
	if err != nil {
		return Order{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Order{}, err
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, next.ID)
		if getErr != nil {
			return Order{}, getErr
		}
		return Order{}, &VersionConflictError{
			OrderID:         next.ID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}
	return s.Get(ctx, next.ID)
}

func (s *SQLOrderStore) Count(ctx context.Context) (int, error) {
	var total int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(s.table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLOrderStore) ListOffset(ctx context.Context, skip, take int, sortBy SortField, sortOrder SortOrder) ([]Order, error) {
	column := "updated_at"
	switch sortBy {
	case SortByCreatedAt:
		column = "created_at"
	case SortByStatus:
		column = "status"
	}
	direction := "DESC"
	if sortOrder == SortAscending {
		direction = "ASC"
	}
	query := s.rebind(fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?",
		sqlOrderColumns, postgresQuoteIdentifier(s.table), column, direction, direction,
	))
	return s.queryOrders(ctx, query, take, skip)
}

func (s *SQLOrderStore) ListAfter(ctx context.Context, after *PageCursor, limit int) ([]Order, error) {
	table := postgresQuoteIdentifier(s.table)
	if after == nil {
		query := s.rebind(fmt.Sprintf("SELECT %s FROM %s ORDER BY updated_at DESC, id DESC LIMIT ?", sqlOrderColumns, table))
		return s.queryOrders(ctx, query, limit)
	}
	stamp := after.UpdatedAt.UnixNano()
	query := s.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE updated_at < ? OR (updated_at = ? AND id < ?) ORDER BY updated_at DESC, id DESC LIMIT ?",
		sqlOrderColumns, table,
	))
	return s.queryOrders(ctx, query, stamp, stamp, after.ID, limit)
}

func (s *SQLOrderStore) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *SQLOrderStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
