package cachestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("no cached response")

const schema = `
-- Responses: one stored response per absolute URL, replayed byte-for-byte.
CREATE TABLE IF NOT EXISTS responses (
	url TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body BLOB,
	stored_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_content_type ON responses(content_type);
`

type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// OK reports whether the response is a success worth storing.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// SameBody reports whether r and other carry identical bodies.
func (r *Response) SameBody(other *Response) bool {
	return other != nil && bytes.Equal(r.Body, other.Body)
}

// Write replays the stored response onto w.
func (r *Response) Write(w http.ResponseWriter) error {
	for key, values := range r.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(r.Status)
	_, err := w.Write(r.Body)
	return err
}

// Store is the response cache the warmer fills and the router reads.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Match returns the cached response for url, or ErrNotFound.
func (s *Store) Match(ctx context.Context, url string) (*Response, error) {
	var (
		resp   Response
		header string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT url, status, header, body, stored_at FROM responses WHERE url = ?", url,
	).Scan(&resp.URL, &resp.Status, &header, &resp.Body, &resp.StoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %q: %w", url, err)
	}

	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header of %q: %w", url, err)
	}
	return &resp, nil
}

func (s *Store) Has(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM responses WHERE url = ?", url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %q: %w", url, err)
	}
	return n > 0, nil
}

// Put stores resp under resp.URL, replacing any previous entry.
func (s *Store) Put(ctx context.Context, resp *Response) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header of %q: %w", resp.URL, err)
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (url, status, header, content_type, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			content_type = excluded.content_type,
			body = excluded.body,
			stored_at = excluded.stored_at
	`, resp.URL, resp.Status, string(header), resp.ContentType(), resp.Body, storedAt)
	if err != nil {
		return fmt.Errorf("store %q: %w", resp.URL, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE url = ?", url)
	return err
}

// Clear empties the cache.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM responses"); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// URLs lists cached URLs whose media type starts with contentTypePrefix,
// in URL order. An empty prefix lists everything.
func (s *Store) URLs(ctx context.Context, contentTypePrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT url FROM responses WHERE content_type LIKE ? || '%' ORDER BY url", contentTypePrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM responses").Scan(&n)
	return n, err
}
