package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/example/convsim/db/migrations"
	"github.com/example/convsim/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLStore keeps each task and conversation as a JSON document plus the
// columns needed to query it. It runs on SQLite and Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if !hasSQLDriver(driver) {
		return nil, fmt.Errorf("state: SQL driver %q is not linked", driver)
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(4)
	}
	store := &SQLStore{db: db, driver: driver}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := s.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version=?`), version).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (model.Task, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM tasks WHERE id=?`), taskID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, err
	}
	var t model.Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return model.Task{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return t, true, nil
}

func (s *SQLStore) PutTask(ctx context.Context, task model.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tasks (id, account_id, created_by, status, doc, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET account_id=excluded.account_id, created_by=excluded.created_by,
		 status=excluded.status, doc=excluded.doc, updated_at=excluded.updated_at`),
		task.TaskID, task.AccountID, task.CreatedBy, string(task.Status), string(doc), task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) UpdateTask(ctx context.Context, task model.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET status=?, doc=?, updated_at=? WHERE id=?`),
		string(task.Status), string(doc), task.UpdatedAt.UnixMilli(), task.TaskID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "task "+task.TaskID)
}

func (s *SQLStore) ListRunningTasks(ctx context.Context, accountID string) ([]model.Task, error) {
	query := `SELECT doc FROM tasks WHERE status IN (?, ?)`
	args := []any{string(model.TaskInProgress), string(model.TaskAnalyzing)}
	if accountID != "" {
		query += ` AND account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[model.Task](rows)
}

func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (model.Conversation, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM conversations WHERE id=?`), conversationID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, false, nil
	}
	if err != nil {
		return model.Conversation{}, false, err
	}
	var c model.Conversation
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return model.Conversation{}, false, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return c, true, nil
}

func (s *SQLStore) PutConversation(ctx context.Context, conv model.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (id, task_id, account_id, status, doc, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET status=excluded.status, doc=excluded.doc, updated_at=excluded.updated_at`),
		conv.ConversationID, conv.TaskID, conv.AccountID, string(conv.Status), string(doc), conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) UpdateConversation(ctx context.Context, conv model.Conversation) error {
	doc, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET status=?, doc=?, updated_at=? WHERE id=?`),
		string(conv.Status), string(doc), conv.UpdatedAt.UnixMilli(), conv.ConversationID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "conversation "+conv.ConversationID)
}

func (s *SQLStore) ListConversationsByTask(ctx context.Context, taskID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT doc FROM conversations WHERE task_id=? ORDER BY created_at`), taskID)
	if err != nil {
		return nil, err
	}
	return scanDocs[model.Conversation](rows)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
