package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/patterngraph/internal/config"
	"github.com/vthunder/patterngraph/internal/logging"
)

// ErrNotFound is returned when an item or job id does not exist
var ErrNotFound = errors.New("not found")

// Store is a durable queue backend
type Store interface {
	Enqueue(ctx context.Context, queue string, p Payload) (*Item, error)
	EnqueueDetection(ctx context.Context, workspaceID string) (bool, error)
	Dequeue(ctx context.Context, queue string, batchSize int, visibility time.Duration) ([]*Item, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errText, stack string) error
	Release(ctx context.Context, ids []string) error
	Requeue(ctx context.Context, maxRetries int) (requeued, deadLettered int, err error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	GetItem(ctx context.Context, id string) (*Item, error)

	StartJob(ctx context.Context, queue string, items []*Item) (*Job, error)
	RecordProgress(ctx context.Context, jobID string, processed, failed int) error
	FinishJob(ctx context.Context, jobID string, status JobStatus, errText string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	Cancel(ctx context.Context, jobID string) error

	Depths(ctx context.Context) ([]Depth, error)
	Close() error
}

var _ Store = (*SQLStore)(nil)

type dialect struct {
	name   string
	rebind func(string) string
	// appended to the claim subquery so concurrent consumers skip rows
	// another transaction already holds
	lockClause string
}

var (
	sqliteDialect   = dialect{name: "sqlite", rebind: func(q string) string { return q }}
	postgresDialect = dialect{name: "postgres", rebind: rebind, lockClause: "FOR UPDATE SKIP LOCKED"}
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// SQLStore implements Store over database/sql for SQLite and PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open opens the backend named in cfg. SQLite lives under statePath.
func Open(cfg config.QueueConfig, statePath string) (*SQLStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(statePath)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// OpenSQLite opens or creates the queue database under statePath
func OpenSQLite(statePath string) (*SQLStore, error) {
	dbPath := filepath.Join(statePath, "queue", "queue.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	return newSQLStore(db, sqliteDialect)
}

// OpenPostgres connects to a PostgreSQL queue
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s queue: %w", d.name, err)
	}
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue: %w", err)
	}
	logging.Debug("queue", "opened %s queue store", d.name)
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			error_stack TEXT NOT NULL DEFAULT '',
			visible_at BIGINT NOT NULL DEFAULT 0,
			job_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(queue, status, created_at);
		CREATE INDEX IF NOT EXISTS idx_queue_items_workspace ON queue_items(queue, workspace_id, status);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT
		);
	`)
	return err
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const itemColumns = `id, queue, status, payload, retry_count, error, error_stack, visible_at, job_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		it                        Item
		status, payload           string
		visible, created, updated int64
	)
	if err := row.Scan(&it.ID, &it.Queue, &status, &payload, &it.RetryCount, &it.Error,
		&it.ErrorStack, &visible, &it.JobID, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", it.ID, err)
	}
	it.Status = Status(status)
	it.VisibleAt = fromMillis(visible)
	it.CreatedAt = fromMillis(created)
	it.UpdatedAt = fromMillis(updated)
	return &it, nil
}

// Enqueue adds a pending item
func (s *SQLStore) Enqueue(ctx context.Context, queue string, p Payload) (*Item, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := s.now()
	it := &Item{
		ID:        uuid.NewString(),
		Queue:     queue,
		Status:    StatusPending,
		Payload:   p,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.exec(ctx, `INSERT INTO queue_items (id, queue, status, payload, workspace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, queue, string(StatusPending), string(data), p.Owner().WorkspaceID, millis(now), millis(now))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return it, nil
}

// EnqueueDetection queues a detection pass for the workspace unless one is
// already pending. Reports whether an item was added.
func (s *SQLStore) EnqueueDetection(ctx context.Context, workspaceID string) (bool, error) {
	if workspaceID == "" {
		return false, fmt.Errorf("enqueue detection: empty workspace")
	}
	data, err := json.Marshal(Payload{WorkspaceID: workspaceID})
	if err != nil {
		return false, err
	}
	now := millis(s.now())
	res, err := s.exec(ctx, `INSERT INTO queue_items (id, queue, status, payload, workspace_id, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, CAST(? AS BIGINT), CAST(? AS BIGINT)
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_items WHERE queue = ? AND workspace_id = ? AND status = ?
		)`,
		uuid.NewString(), PatternDetection, string(StatusPending), string(data), workspaceID, now, now,
		PatternDetection, workspaceID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("enqueue detection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Dequeue claims up to batchSize pending items, plus processing items whose
// lease expired. Claimed items stay invisible for the visibility timeout.
func (s *SQLStore) Dequeue(ctx context.Context, queue string, batchSize int, visibility time.Duration) ([]*Item, error) {
	now := s.now()
	q := fmt.Sprintf(`UPDATE queue_items SET status = ?, visible_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE queue = ? AND (status = ? OR (status = ? AND visible_at < ?))
			ORDER BY created_at
			LIMIT ? %s
		)
		RETURNING %s`, s.dialect.lockClause, itemColumns)
	rows, err := s.query(ctx, q,
		string(StatusProcessing), millis(now.Add(visibility)), millis(now),
		queue, string(StatusPending), string(StatusProcessing), millis(now), batchSize)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// Complete marks an item done
func (s *SQLStore) Complete(ctx context.Context, id string) error {
	return s.setItem(ctx, id, `status = ?, error = '', error_stack = '', updated_at = ?`,
		string(StatusCompleted), millis(s.now()))
}

// Fail records an item failure and bumps its retry count. The item is kept.
func (s *SQLStore) Fail(ctx context.Context, id, errText, stack string) error {
	return s.setItem(ctx, id, `status = ?, retry_count = retry_count + 1, error = ?, error_stack = ?, updated_at = ?`,
		string(StatusFailed), errText, stack, millis(s.now()))
}

func (s *SQLStore) setItem(ctx context.Context, id, set string, args ...any) error {
	res, err := s.exec(ctx, `UPDATE queue_items SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// Release returns claimed items to pending without counting a retry
func (s *SQLStore) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{string(StatusPending), millis(s.now())}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(StatusProcessing))
	_, err := s.exec(ctx, fmt.Sprintf(`UPDATE queue_items SET status = ?, visible_at = 0, job_id = '', updated_at = ?
		WHERE id IN (%s) AND status = ?`, placeholders(len(ids))), args...)
	if err != nil {
		return fmt.Errorf("release items: %w", err)
	}
	return nil
}

// Requeue moves failed items back to pending while they have retries left,
// and to dead_letter once they do not.
func (s *SQLStore) Requeue(ctx context.Context, maxRetries int) (int, int, error) {
	now := millis(s.now())
	res, err := s.exec(ctx, `UPDATE queue_items SET status = ?, updated_at = ?
		WHERE status = ? AND retry_count >= ?`,
		string(StatusDeadLetter), now, string(StatusFailed), maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("dead-letter items: %w", err)
	}
	dead, _ := res.RowsAffected()

	res, err = s.exec(ctx, `UPDATE queue_items SET status = ?, visible_at = 0, job_id = '', updated_at = ?
		WHERE status = ? AND retry_count < ?`,
		string(StatusPending), now, string(StatusFailed), maxRetries)
	if err != nil {
		return 0, int(dead), fmt.Errorf("requeue items: %w", err)
	}
	requeued, _ := res.RowsAffected()
	return int(requeued), int(dead), nil
}

// Cleanup deletes completed items, and finished jobs, last updated before olderThan
func (s *SQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := millis(olderThan)
	res, err := s.exec(ctx, `DELETE FROM queue_items WHERE status = ? AND updated_at < ?`,
		string(StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup items: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.exec(ctx, `DELETE FROM jobs WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(JobRunning), cutoff); err != nil {
		return int(n), fmt.Errorf("cleanup jobs: %w", err)
	}
	return int(n), nil
}

// GetItem returns one item
func (s *SQLStore) GetItem(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.queryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

// StartJob records a running job for a claimed batch and stamps its items
func (s *SQLStore) StartJob(ctx context.Context, queue string, items []*Item) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		Status:    JobRunning,
		ItemCount: len(items),
		StartedAt: s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO jobs (id, queue, status, item_count, started_at)
		VALUES (?, ?, ?, ?, ?)`), job.ID, queue, string(JobRunning), job.ItemCount, millis(job.StartedAt)); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if len(items) > 0 {
		args := []any{job.ID}
		for _, it := range items {
			args = append(args, it.ID)
			it.JobID = job.ID
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(fmt.Sprintf(
			`UPDATE queue_items SET job_id = ? WHERE id IN (%s)`, placeholders(len(items)))), args...); err != nil {
			return nil, fmt.Errorf("stamp job items: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// RecordProgress stores the job's running counters
func (s *SQLStore) RecordProgress(ctx context.Context, jobID string, processed, failed int) error {
	_, err := s.exec(ctx, `UPDATE jobs SET processed = ?, failed = ? WHERE id = ?`, processed, failed, jobID)
	return err
}

// FinishJob sets the final status. A cancelled job stays cancelled.
func (s *SQLStore) FinishJob(ctx context.Context, jobID string, status JobStatus, errText string) error {
	_, err := s.exec(ctx, `UPDATE jobs SET
			status = CASE WHEN status = ? THEN status ELSE ? END,
			error = ?, completed_at = ?
		WHERE id = ?`,
		string(JobCancelled), string(status), errText, millis(s.now()), jobID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return nil
}

// GetJob returns one job
func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		job       Job
		status    string
		started   int64
		completed sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT id, queue, status, item_count, processed, failed, error, started_at, completed_at
		FROM jobs WHERE id = ?`, id).Scan(&job.ID, &job.Queue, &status, &job.ItemCount, &job.Processed,
		&job.Failed, &job.Error, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.StartedAt = fromMillis(started)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

// Cancel marks a running job cancelled. Its consumer stops scheduling
// further items; in-flight items finish.
func (s *SQLStore) Cancel(ctx context.Context, jobID string) error {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(JobCancelled), jobID, string(JobRunning))
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, not running", jobID, job.Status)
}

// Depths counts items per queue and status
func (s *SQLStore) Depths(ctx context.Context) ([]Depth, error) {
	rows, err := s.query(ctx, `SELECT queue, status, COUNT(*) FROM queue_items
		GROUP BY queue, status ORDER BY queue, status`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	var out []Depth
	for rows.Next() {
		var d Depth
		var status string
		if err := rows.Scan(&d.Queue, &status, &d.Count); err != nil {
			return nil, err
		}
		d.Status = Status(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
