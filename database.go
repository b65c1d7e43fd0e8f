package taskmanager

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLStore is a Store backed by database/sql.
//
// For MySQL the DSN should carry clientFoundRows=true so that conditional
// updates report matched rows rather than changed rows.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	// DbName qualifies table names (MySQL only), e.g. "card" -> card.tasks.
	dbName string
}

// NewSQLStore wraps an already opened *sql.DB. It does not create tables;
// call Migrate for that.
func NewSQLStore(db *sql.DB, dialect Dialect, dbName string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("taskmanager: sql store: nil db")
	}
	switch dialect {
	case DialectMySQL:
	case DialectSQLite:
		if dbName != "" {
			return nil, errors.New("taskmanager: sql store: database name is not supported for sqlite")
		}
	default:
		return nil, fmt.Errorf("taskmanager: sql store: unknown dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, dbName: dbName}, nil
}

// OpenSQLite opens (or creates) a sqlite database file and migrates it.
// The caller must import a driver registered as "sqlite" (modernc.org/sqlite).
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("taskmanager: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st, err := NewSQLStore(db, DialectSQLite, "")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) table(name string) string {
	if s.dbName == "" {
		return name
	}
	return s.dbName + "." + name
}

// Migrate creates the workers and tasks tables if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return err
	}
	ddl := strings.NewReplacer(
		"{{workers}}", s.table("workers"),
		"{{tasks}}", s.table("tasks"),
	).Replace(string(b))
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const workerColumns = `name, manager, state, last_seen, delay_us, current_task`

const taskColumns = `id, name, manager, state, worker, created_at, due_at, started_at, ended_at, params, result, schedule`

func (s *SQLStore) EnsureWorker(ctx context.Context, name, manager string, now time.Time) (WorkerRecord, error) {
	var stmt string
	switch s.dialect {
	case DialectMySQL:
		stmt = `INSERT INTO ` + s.table("workers") + ` (` + workerColumns + `)
			VALUES (?, ?, ?, ?, 0, NULL)
			ON DUPLICATE KEY UPDATE
			  manager = VALUES(manager),
			  state = VALUES(state),
			  last_seen = VALUES(last_seen),
			  current_task = NULL`
	default:
		stmt = `INSERT INTO ` + s.table("workers") + ` (` + workerColumns + `)
			VALUES (?, ?, ?, ?, 0, NULL)
			ON CONFLICT(name) DO UPDATE SET
			  manager = excluded.manager,
			  state = excluded.state,
			  last_seen = excluded.last_seen,
			  current_task = NULL`
	}
	if _, err := s.db.ExecContext(ctx, stmt, name, manager, string(WorkerBusy), now.UnixMicro()); err != nil {
		return WorkerRecord{}, fmt.Errorf("failed to upsert worker %s: %w", name, err)
	}
	return s.GetWorker(ctx, name)
}

func (s *SQLStore) GetWorker(ctx context.Context, name string) (WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM `+s.table("workers")+` WHERE name = ?`, name)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerRecord{}, fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	return w, err
}

func (s *SQLStore) ListWorkers(ctx context.Context, manager string) ([]WorkerRecord, error) {
	query := `SELECT ` + workerColumns + ` FROM ` + s.table("workers")
	var args []any
	if manager != "" {
		query += ` WHERE manager = ?`
		args = append(args, manager)
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateWorker(ctx context.Context, name string, u WorkerUpdate) (bool, error) {
	stmt := `UPDATE ` + s.table("workers") + `
		SET
		  state = ?,
		  last_seen = ?,
		  delay_us = ?,
		  current_task = ?
		WHERE name = ?`
	args := []any{string(u.State), u.LastSeen.UnixMicro(), u.Delay.Microseconds(), nullString(u.CurrentTask), name}
	if u.State != WorkerQuit {
		stmt += ` AND state NOT IN (?, ?)`
		args = append(args, string(WorkerTerminate), string(WorkerQuit))
	}
	return s.execOne(ctx, stmt, args...)
}

func (s *SQLStore) RequestTerminate(ctx context.Context, name string) (bool, error) {
	return s.execOne(ctx,
		`UPDATE `+s.table("workers")+` SET state = ? WHERE name = ? AND state <> ?`,
		string(WorkerTerminate), name, string(WorkerQuit))
}

func (s *SQLStore) InsertTask(ctx context.Context, t TaskRecord) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if t.Params == nil {
		params = []byte("{}")
	}
	result, err := encodeResult(t.Result)
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + s.table("tasks") + ` (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Manager, string(t.State), nullString(t.Worker),
		t.CreatedAt.UnixMicro(), t.DueAt.UnixMicro(),
		nullMicros(t.StartedAt), nullMicros(t.EndedAt),
		string(params), result, nullIfEmpty(t.Schedule),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM `+s.table("tasks")+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *SQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	var where []string
	var args []any
	if f.Manager != "" {
		where = append(where, "manager = ?")
		args = append(args, f.Manager)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, f.Worker)
	}
	query := `SELECT ` + taskColumns + ` FROM ` + s.table("tasks")
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at, created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// NextDueTask looks for a NEW task of manager, not assigned, due now.
func (s *SQLStore) NextDueTask(ctx context.Context, manager string, now time.Time) (TaskRecord, bool, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM ` + s.table("tasks") + `
		WHERE
		  manager = ?
		  AND due_at <= ?
		  AND state = ?
		  AND worker IS NULL
		ORDER BY due_at, created_at, id
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, manager, now.UnixMicro(), string(TaskNew))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskRecord{}, false, nil
		}
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (s *SQLStore) ClaimTask(ctx context.Context, id, worker string, now time.Time) (bool, error) {
	stmt := `UPDATE ` + s.table("tasks") + `
		SET
		  state = ?,
		  worker = ?,
		  started_at = ?
		WHERE id = ? AND state = ? AND worker IS NULL`
	return s.execOne(ctx, stmt, string(TaskRunning), worker, now.UnixMicro(), id, string(TaskNew))
}

func (s *SQLStore) TransitionTask(ctx context.Context, id string, from []TaskState, u TaskUpdate) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("taskmanager: transition without source states")
	}
	result, err := encodeResult(u.Result)
	if err != nil {
		return false, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	stmt := fmt.Sprintf(`UPDATE %s SET state = ?, ended_at = ?, result = ? WHERE id = ? AND state IN (%s)`,
		s.table("tasks"), placeholders)
	args := []any{string(u.State), nullMicros(u.EndedAt), result, id}
	for _, st := range from {
		args = append(args, string(st))
	}
	return s.execOne(ctx, stmt, args...)
}

func (s *SQLStore) OrphanedTasks(ctx context.Context, worker string) ([]TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + s.table("tasks") + `
		WHERE worker = ? AND state IN (?, ?)
		ORDER BY started_at`
	return s.queryTasks(ctx, query, worker, string(TaskRunning), string(TaskCanceling))
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) execOne(ctx context.Context, stmt string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(r rowScanner) (WorkerRecord, error) {
	var (
		w        WorkerRecord
		state    string
		lastSeen int64
		delayUS  int64
		current  sql.NullString
	)
	if err := r.Scan(&w.Name, &w.Manager, &state, &lastSeen, &delayUS, &current); err != nil {
		return WorkerRecord{}, err
	}
	w.State = WorkerState(state)
	w.LastSeen = time.UnixMicro(lastSeen)
	w.Delay = time.Duration(delayUS) * time.Microsecond
	if current.Valid {
		w.CurrentTask = &current.String
	}
	return w, nil
}

func scanTask(r rowScanner) (TaskRecord, error) {
	var (
		t                  TaskRecord
		state              string
		worker             sql.NullString
		createdAt, dueAt   int64
		startedAt, endedAt sql.NullInt64
		params             []byte
		result             []byte
		schedule           sql.NullString
	)
	err := r.Scan(&t.ID, &t.Name, &t.Manager, &state, &worker,
		&createdAt, &dueAt, &startedAt, &endedAt, &params, &result, &schedule)
	if err != nil {
		return TaskRecord{}, err
	}
	t.State = TaskState(state)
	if worker.Valid {
		t.Worker = &worker.String
	}
	t.CreatedAt = time.UnixMicro(createdAt)
	t.DueAt = time.UnixMicro(dueAt)
	t.StartedAt = fromMicros(startedAt)
	t.EndedAt = fromMicros(endedAt)
	t.Schedule = schedule.String
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return TaskRecord{}, fmt.Errorf("task %s: decode params: %w", t.ID, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return TaskRecord{}, fmt.Errorf("task %s: decode result: %w", t.ID, err)
		}
	}
	return t, nil
}

func encodeResult(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64)
	return &t
}
