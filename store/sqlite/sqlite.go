/*
Package sqlite provides the SQLite-backed implementation of the report
persistence interfaces.

PURPOSE:
  One Store implements every interface in report/store.go: the positioned
  order table the reconciler merges into, the monthly target and
  service-stat reference tables, the single-row run status used for
  cross-process mutual exclusion, the append-only execution history, and
  the latest published summary.

INTERFACES IMPLEMENTED:
  report.RecordTable:  Positioned transaction rows
  report.TargetSource: Monthly targets (plan_targets)
  report.StatSink:     Monthly rollups (service_stats)
  report.StatusStore:  Run status with compare-and-swap acquisition
  report.HistoryStore: Execution history
  report.SummaryStore: Last published aggregation result

SHEET SEMANTICS:
  The orders table mirrors a spreadsheet store: position is an
  AUTOINCREMENT primary key (never reused, so a cleared row's position
  stays retired), order_id carries NO uniqueness constraint (logical
  uniqueness is the reconciler's invariant, not the store's), and an
  explicit capacity lives in the meta table - appends past capacity fail
  until EnsureCapacity grows it.

RUN STATUS CAS:
  TryAcquire is a single conditional UPDATE on the one-row run_status
  table; the WHERE clause admits the transition only when the current
  status is not a fresh "running". SQLite serializes writers, so two
  processes racing the trigger cannot both see RowsAffected == 1.

TIME ENCODING:
  Timestamps are stored as fixed-width UTC strings (timeLayout) so that
  lexicographic comparison in SQL equals chronological order. Reads
  convert back into the reporting timezone.

CONCURRENCY:
  WAL mode plus a sync.RWMutex around multi-statement operations.

SEE ALSO:
  - report/store.go: Interface contracts
  - store/memory: In-memory table for tests
  - ingest/merge.go: The reconciler writing through RecordTable
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/printworks/report-engine/report"
)

// timeLayout is fixed-width UTC so string order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// defaultCapacity seeds the orders table capacity on first migration.
const defaultCapacity = 5000

// Store implements all report persistence interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	loc *time.Location
}

var (
	_ report.RecordTable  = (*Store)(nil)
	_ report.TargetSource = (*Store)(nil)
	_ report.StatSink     = (*Store)(nil)
	_ report.StatusStore  = (*Store)(nil)
	_ report.HistoryStore = (*Store)(nil)
	_ report.SummaryStore = (*Store)(nil)
)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database. Timestamps read back are
// converted into loc.
func New(dbPath string, loc *time.Location) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, loc: loc}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Reconciled order rows. position is the stable sheet position:
	-- AUTOINCREMENT guarantees cleared positions are never reused.
	-- order_id is deliberately NOT unique; see the package comment.
	CREATE TABLE IF NOT EXISTS orders (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		service TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		customer_id TEXT,
		email TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_created_at
		ON orders(created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_order_id
		ON orders(order_id);

	-- Monthly target reference table, one row per service per month.
	CREATE TABLE IF NOT EXISTS plan_targets (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		service TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (year, month, service)
	);

	-- Month-to-date actuals, recomputed after every run.
	CREATE TABLE IF NOT EXISTS service_stats (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		service TEXT NOT NULL,
		amount TEXT NOT NULL,
		orders INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (year, month, service)
	);

	-- Single-row run status; the CAS acquisition lives on this row.
	CREATE TABLE IF NOT EXISTS run_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- Append-only execution log.
	CREATE TABLE IF NOT EXISTS execution_history (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_started_at
		ON execution_history(started_at DESC);

	-- Last published summary, one row.
	CREATE TABLE IF NOT EXISTS latest_summary (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload_json TEXT NOT NULL,
		generated_at TEXT NOT NULL
	);

	-- Store metadata (orders capacity).
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO run_status (id, status, message, last_updated) VALUES (1, ?, '', ?)`,
		string(report.StateIdle), encodeTime(time.Now()),
	); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('orders_capacity', ?)`,
		strconv.Itoa(defaultCapacity),
	)
	return err
}

// ValidateReferenceTables verifies that the reference tables carry every
// column the pipeline reads. A missing column fails the process at
// startup instead of producing a zeroed report later.
func (s *Store) ValidateReferenceTables(ctx context.Context) error {
	expected := map[string][]string{
		"plan_targets":  {"year", "month", "service", "amount"},
		"service_stats": {"year", "month", "service", "amount", "orders", "updated_at"},
	}

	for table, columns := range expected {
		present, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, col := range columns {
			if !present[col] {
				return &report.MissingColumnError{Table: table, Column: col}
			}
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		present[name] = true
	}
	return present, rows.Err()
}

// =============================================================================
// RECORD TABLE
// =============================================================================

const orderColumns = `position, order_id, service, amount, created_at, customer_id, email`

func (s *Store) Rows(ctx context.Context) ([]report.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) RowsInRange(ctx context.Context, from, to time.Time) ([]report.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE created_at >= ? AND created_at <= ?
		 ORDER BY position`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) scanRows(rows *sql.Rows) ([]report.Row, error) {
	var out []report.Row
	for rows.Next() {
		var (
			r                 report.Row
			amount, createdAt string
			customerID, email sql.NullString
		)
		if err := rows.Scan(&r.Position, &r.Record.ID, &r.Record.Service,
			&amount, &createdAt, &customerID, &email); err != nil {
			return nil, err
		}
		var err error
		if r.Record.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("orders position %d: bad amount %q: %w", r.Position, amount, err)
		}
		if r.Record.CreatedAt, err = s.decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("orders position %d: bad created_at %q: %w", r.Position, createdAt, err)
		}
		r.Record.CustomerID = customerID.String
		r.Record.Email = email.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRow(ctx context.Context, position int64, rec report.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET order_id = ?, service = ?, amount = ?, created_at = ?, customer_id = ?, email = ?
		 WHERE position = ?`,
		rec.ID, string(rec.Service), rec.Amount.String(), encodeTime(rec.CreatedAt),
		rec.CustomerID, rec.Email, position)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update: no row at position %d", position)
	}
	return nil
}

func (s *Store) AppendRows(ctx context.Context, recs []report.TransactionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var live int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&live); err != nil {
		return err
	}
	capacity, err := s.capacityTx(ctx, tx)
	if err != nil {
		return err
	}
	if live+len(recs) > capacity {
		return fmt.Errorf("append: capacity %d exceeded (have %d, adding %d)", capacity, live, len(recs))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO orders (order_id, service, amount, created_at, customer_id, email)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Service),
			rec.Amount.String(), encodeTime(rec.CreatedAt), rec.CustomerID, rec.Email); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ClearRows(ctx context.Context, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(positions)), ",")
	args := make([]any, len(positions))
	for i, p := range positions {
		args[i] = p
	}
	// AUTOINCREMENT keeps deleted positions retired forever.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM orders WHERE position IN (`+placeholders+`)`, args...)
	return err
}

func (s *Store) RowCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count)
	return count, err
}

func (s *Store) EnsureCapacity(ctx context.Context, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	capacity, err := s.capacityTx(ctx, tx)
	if err != nil {
		return err
	}
	if rows <= capacity {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE meta SET value = ? WHERE key = 'orders_capacity'`, strconv.Itoa(rows)); err != nil {
		return err
	}
	return tx.Commit()
}

// Capacity reports the current orders capacity (test assertion helper).
func (s *Store) Capacity(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'orders_capacity'`).Scan(&value); err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func (s *Store) capacityTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var value string
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'orders_capacity'`).Scan(&value); err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// =============================================================================
// TARGETS & SERVICE STATS
// =============================================================================

func (s *Store) MonthlyTargets(ctx context.Context, year int, month time.Month) (map[report.ServiceTag]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT service, amount FROM plan_targets WHERE year = ? AND month = ?`,
		year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[report.ServiceTag]decimal.Decimal)
	for rows.Next() {
		var service, amount string
		if err := rows.Scan(&service, &amount); err != nil {
			return nil, err
		}
		tag, err := report.ParseServiceTag(service)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("plan_targets %d-%02d %s: bad amount %q: %w", year, int(month), service, amount, err)
		}
		out[tag] = d
	}
	return out, rows.Err()
}

// SetTarget upserts one monthly target row (seeding and admin tooling).
func (s *Store) SetTarget(ctx context.Context, year int, month time.Month, svc report.ServiceTag, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_targets (year, month, service, amount) VALUES (?, ?, ?, ?)
		 ON CONFLICT(year, month, service) DO UPDATE SET amount = excluded.amount`,
		year, int(month), string(svc), amount.String())
	return err
}

func (s *Store) UpsertServiceStats(ctx context.Context, stats []report.ServiceStat) error {
	if len(stats) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := encodeTime(time.Now())
	for _, stat := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_stats (year, month, service, amount, orders, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(year, month, service) DO UPDATE SET
			   amount = excluded.amount, orders = excluded.orders, updated_at = excluded.updated_at`,
			stat.Year, stat.Month, string(stat.Service), stat.Amount.String(), stat.Orders, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ServiceStats reads the rollup rows for one month (dashboard reads).
func (s *Store) ServiceStats(ctx context.Context, year int, month time.Month) ([]report.ServiceStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT service, amount, orders FROM service_stats WHERE year = ? AND month = ? ORDER BY service`,
		year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.ServiceStat
	for rows.Next() {
		var (
			service, amount string
			orders          int
		)
		if err := rows.Scan(&service, &amount, &orders); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("service_stats %d-%02d %s: bad amount %q: %w", year, int(month), service, amount, err)
		}
		out = append(out, report.ServiceStat{
			Year: year, Month: int(month),
			Service: report.ServiceTag(service), Amount: d, Orders: orders,
		})
	}
	return out, rows.Err()
}

// =============================================================================
// RUN STATUS (compare-and-swap)
// =============================================================================

func (s *Store) Status(ctx context.Context) (report.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		status, message, lastUpdated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, message, last_updated FROM run_status WHERE id = 1`).
		Scan(&status, &message, &lastUpdated)
	if err == sql.ErrNoRows {
		return report.RunStatus{Status: report.StateIdle}, nil
	}
	if err != nil {
		return report.RunStatus{}, err
	}

	at, err := s.decodeTime(lastUpdated)
	if err != nil {
		return report.RunStatus{}, err
	}
	return report.RunStatus{Status: report.RunState(status), Message: message, LastUpdated: at}, nil
}

func (s *Store) TryAcquire(ctx context.Context, now time.Time, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleCutoff := now.Add(-report.StaleRunThreshold)
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_status SET status = ?, message = ?, last_updated = ?
		 WHERE id = 1 AND (status != ? OR last_updated <= ?)`,
		string(report.StateRunning), message, encodeTime(now),
		string(report.StateRunning), encodeTime(staleCutoff))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var lastUpdated string
	if err := s.db.QueryRowContext(ctx,
		`SELECT last_updated FROM run_status WHERE id = 1`).Scan(&lastUpdated); err != nil {
		return err
	}
	since, err := s.decodeTime(lastUpdated)
	if err != nil {
		return err
	}
	return &report.ConflictError{Since: since}
}

func (s *Store) Release(ctx context.Context, state report.RunState, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE run_status SET status = ?, message = ?, last_updated = ? WHERE id = 1`,
		string(state), message, encodeTime(now))
	return err
}

// =============================================================================
// EXECUTION HISTORY
// =============================================================================

func (s *Store) AppendExecution(ctx context.Context, rec report.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_history (id, mode, status, message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Mode), string(rec.Status), rec.Message,
		encodeTime(rec.StartedAt), encodeTime(rec.FinishedAt))
	return err
}

func (s *Store) History(ctx context.Context, limit int) ([]report.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, status, message, started_at, finished_at
		 FROM execution_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.ExecutionRecord
	for rows.Next() {
		var (
			rec               report.ExecutionRecord
			started, finished string
		)
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.Status, &rec.Message, &started, &finished); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = s.decodeTime(started); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = s.decodeTime(finished); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// LATEST SUMMARY
// =============================================================================

func (s *Store) SaveSummary(ctx context.Context, result *report.AggregationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO latest_summary (id, payload_json, generated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, generated_at = excluded.generated_at`,
		string(payload), encodeTime(result.GeneratedAt))
	return err
}

func (s *Store) LatestSummary(ctx context.Context) (*report.AggregationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM latest_summary WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result report.AggregationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// TIME ENCODING
// =============================================================================

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *Store) decodeTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(s.loc), nil
}
