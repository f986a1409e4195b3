package status

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RecordID is the fixed id of the cache-warming status record.
const RecordID = "offline-cache"

const schema = `
CREATE TABLE IF NOT EXISTS cache_status (
	id TEXT PRIMARY KEY,
	is_warming INTEGER NOT NULL DEFAULT 0,
	is_ready INTEGER NOT NULL DEFAULT 0,
	cached INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	failed_at DATETIME,
	error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

// Record is the progress report shared between the warmer and any
// observer. IsWarming and IsReady are never both true.
type Record struct {
	ID          string     `json:"id"`
	IsWarming   bool       `json:"isWarming"`
	IsReady     bool       `json:"isReady"`
	Cached      int        `json:"cached"`
	Total       int        `json:"total"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NeverWarmed is the record observers see before the first warm-up.
func NeverWarmed() Record {
	return Record{ID: RecordID}
}

// Started is the record written when a warm-up begins.
func Started(at time.Time) Record {
	return Record{ID: RecordID, IsWarming: true, StartedAt: &at, UpdatedAt: at}
}

// Completed is the record written when the worker pool finishes.
func Completed(startedAt *time.Time, cached, total int, at time.Time) Record {
	return Record{
		ID:          RecordID,
		IsReady:     true,
		Cached:      cached,
		Total:       total,
		Progress:    100,
		StartedAt:   startedAt,
		CompletedAt: &at,
		UpdatedAt:   at,
	}
}

// Failed is the record written when a warm-up aborts.
func Failed(startedAt *time.Time, cached, total int, cause error, at time.Time) Record {
	return Record{
		ID:        RecordID,
		Cached:    cached,
		Total:     total,
		StartedAt: startedAt,
		FailedAt:  &at,
		Error:     cause.Error(),
		UpdatedAt: at,
	}
}

// Percent rounds processed/total to a whole percentage.
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return (processed*100 + total/2) / total
}

// Store persists the single status record.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open status database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize status schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the current record, or NeverWarmed if none was written yet.
func (s *Store) Get(ctx context.Context) (Record, error) {
	var (
		rec                              Record
		startedAt, completedAt, failedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_warming, is_ready, cached, total, progress,
		       started_at, completed_at, failed_at, error, updated_at
		FROM cache_status WHERE id = ?`, RecordID,
	).Scan(&rec.ID, &rec.IsWarming, &rec.IsReady, &rec.Cached, &rec.Total, &rec.Progress,
		&startedAt, &completedAt, &failedAt, &rec.Error, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return NeverWarmed(), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read status: %w", err)
	}

	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	rec.FailedAt = timePtr(failedAt)
	return rec, nil
}

// Put overwrites the record in place.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.IsWarming && rec.IsReady {
		return fmt.Errorf("status cannot be warming and ready at once")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_status (id, is_warming, is_ready, cached, total, progress,
		                          started_at, completed_at, failed_at, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_warming = excluded.is_warming,
			is_ready = excluded.is_ready,
			cached = excluded.cached,
			total = excluded.total,
			progress = excluded.progress,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			failed_at = excluded.failed_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, RecordID, rec.IsWarming, rec.IsReady, rec.Cached, rec.Total, rec.Progress,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), nullTime(rec.FailedAt), rec.Error, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// SetTotal records the number of URLs in the running warm-up.
func (s *Store) SetTotal(ctx context.Context, total int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cache_status SET total = MAX(total, ?), updated_at = ? WHERE id = ? AND is_warming = 1",
		total, s.now(), RecordID)
	if err != nil {
		return fmt.Errorf("write status total: %w", err)
	}
	return nil
}

// Progress raises cached and progress of a running warm-up. Updates from
// workers may arrive out of order; the counters never move backwards.
func (s *Store) Progress(ctx context.Context, cached, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_status
		SET cached = MAX(cached, ?), progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND is_warming = 1`,
		cached, min(progress, 100), s.now(), RecordID)
	if err != nil {
		return fmt.Errorf("write status progress: %w", err)
	}
	return nil
}

// Reset returns the record to the idle state used after a cache clear.
func (s *Store) Reset(ctx context.Context) error {
	return s.Put(ctx, Record{ID: RecordID, UpdatedAt: s.now()})
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
