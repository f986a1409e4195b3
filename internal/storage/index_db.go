package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

// HighSentinel sorts after every valid UTF-8 token, so (prefix+HighSentinel)
// bounds every token that starts with prefix.
const HighSentinel = string(utf8.MaxRune)

const (
	MinDocID int64 = math.MinInt64
	MaxDocID int64 = math.MaxInt64
)

var ErrNotFound = errors.New("not found")

type Document struct {
	ID          int64
	URL         string
	Title       string
	LowerTitle  string
	Body        string
	ParentTitle string
}

// Key addresses a posting. Postings are ordered by Token, then DocID.
type Key struct {
	Token string
	DocID int64
}

type Posting struct {
	Token string
	DocID int64
	Score int
}

type IndexDB struct {
	db *sql.DB
}

// NewIndexDB opens (or creates) the index at dbPath. Writes take the
// database lock up front so that read-then-write upserts never deadlock.
func NewIndexDB(dbPath string) (*IndexDB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	indexDB := &IndexDB{
		db: db,
	}

	if err := indexDB.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	return indexDB, nil
}

func (idb *IndexDB) initSchema() error {
	_, err := idb.db.Exec(Schema)
	return err
}

func (idb *IndexDB) Close() error {
	return idb.db.Close()
}

// WithTransaction runs fn in one transaction spanning documents and
// postings. fn's error rolls everything back.
func (idb *IndexDB) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := idb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const documentColumns = "id, url, title, lower_title, body, COALESCE(parent_title, '')"

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.URL, &doc.Title, &doc.LowerTitle, &doc.Body, &doc.ParentTitle); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (idb *IndexDB) FindDocumentsByURLTx(ctx context.Context, tx *sql.Tx, url string) ([]Document, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE url = ? ORDER BY id",
		url,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents for %q: %w", url, err)
	}
	return scanDocuments(rows)
}

// FindDocumentsByURLPrefixTx returns every document whose url starts with prefix.
func (idb *IndexDB) FindDocumentsByURLPrefixTx(ctx context.Context, tx *sql.Tx, prefix string) ([]Document, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE url >= ? AND url < ? ORDER BY id",
		prefix, prefix+HighSentinel,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents under %q: %w", prefix, err)
	}
	return scanDocuments(rows)
}

func (idb *IndexDB) InsertDocumentTx(ctx context.Context, tx *sql.Tx, doc Document) (int64, error) {
	result, err := tx.ExecContext(ctx,
		"INSERT INTO documents (url, title, lower_title, body, parent_title) VALUES (?, ?, ?, ?, ?)",
		doc.URL, doc.Title, doc.LowerTitle, doc.Body, nullable(doc.ParentTitle),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert document %q: %w", doc.URL, err)
	}
	return result.LastInsertId()
}

func (idb *IndexDB) UpdateDocumentTx(ctx context.Context, tx *sql.Tx, doc Document) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE documents
		 SET url = ?, title = ?, lower_title = ?, body = ?, parent_title = ?, indexed_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		doc.URL, doc.Title, doc.LowerTitle, doc.Body, nullable(doc.ParentTitle), doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document %d: %w", doc.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update document %d: %w", doc.ID, ErrNotFound)
	}
	return nil
}

func (idb *IndexDB) DeleteDocumentTx(ctx context.Context, tx *sql.Tx, docID int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID); err != nil {
		return fmt.Errorf("failed to delete document %d: %w", docID, err)
	}
	return nil
}

func (idb *IndexDB) PostingsForDocTx(ctx context.Context, tx *sql.Tx, docID int64) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT token, score FROM postings WHERE doc_id = ?", docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings for document %d: %w", docID, err)
	}
	defer rows.Close()

	postings := make(map[string]int)
	for rows.Next() {
		var token string
		var score int
		if err := rows.Scan(&token, &score); err != nil {
			return nil, err
		}
		postings[token] = score
	}
	return postings, rows.Err()
}

// PutPostingsTx inserts or overwrites one posting per term for docID.
func (idb *IndexDB) PutPostingsTx(ctx context.Context, tx *sql.Tx, docID int64, termFreqs map[string]int) error {
	if len(termFreqs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO postings (token, doc_id, score) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for token, score := range termFreqs {
		if _, err := stmt.ExecContext(ctx, token, docID, score); err != nil {
			return fmt.Errorf("failed to put posting %q for document %d: %w", token, docID, err)
		}
	}
	return nil
}

func (idb *IndexDB) DeletePostingsTx(ctx context.Context, tx *sql.Tx, docID int64, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM postings WHERE token = ? AND doc_id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, token := range tokens {
		if _, err := stmt.ExecContext(ctx, token, docID); err != nil {
			return fmt.Errorf("failed to delete posting %q for document %d: %w", token, docID, err)
		}
	}
	return nil
}

func (idb *IndexDB) DeleteAllPostingsTx(ctx context.Context, tx *sql.Tx, docID int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM postings WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("failed to delete postings for document %d: %w", docID, err)
	}
	return nil
}

// RefreshDocumentCountTx stores the current document count in index_metadata.
func (idb *IndexDB) RefreshDocumentCountTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO index_metadata (key, value, updated_at)
		 VALUES ('total_documents', (SELECT COUNT(*) FROM documents), CURRENT_TIMESTAMP)`,
	)
	return err
}

// ScanPostings returns the postings in the inclusive composite-key range
// [lower, upper], ordered by token then document id.
func (idb *IndexDB) ScanPostings(ctx context.Context, lower, upper Key) ([]Posting, error) {
	rows, err := idb.db.QueryContext(ctx,
		`SELECT token, doc_id, score FROM postings
		 WHERE (token, doc_id) >= (?, ?) AND (token, doc_id) <= (?, ?)
		 ORDER BY token, doc_id`,
		lower.Token, lower.DocID, upper.Token, upper.DocID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan postings: %w", err)
	}
	defer rows.Close()

	var postings []Posting
	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.Token, &p.DocID, &p.Score); err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

// DocumentIDsByTitlePrefix returns up to limit ids whose lower-cased title
// starts with prefix, in title order.
func (idb *IndexDB) DocumentIDsByTitlePrefix(ctx context.Context, prefix string, limit int) ([]int64, error) {
	rows, err := idb.db.QueryContext(ctx,
		"SELECT id FROM documents WHERE lower_title >= ? AND lower_title < ? ORDER BY lower_title, id LIMIT ?",
		prefix, prefix+HighSentinel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query title prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDocuments loads the documents with the given ids, keyed by id.
func (idb *IndexDB) GetDocuments(ctx context.Context, ids []int64) (map[int64]Document, error) {
	docs := make(map[int64]Document, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := idb.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	list, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	for _, doc := range list {
		docs[doc.ID] = doc
	}
	return docs, nil
}

// GetDocumentByURL returns the lowest-id document stored for url.
func (idb *IndexDB) GetDocumentByURL(ctx context.Context, url string) (*Document, error) {
	rows, err := idb.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE url = ? ORDER BY id LIMIT 1",
		url,
	)
	if err != nil {
		return nil, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return &docs[0], nil
}

// DocumentURLs lists the distinct urls in the index.
func (idb *IndexDB) DocumentURLs(ctx context.Context) ([]string, error) {
	rows, err := idb.db.QueryContext(ctx, "SELECT DISTINCT url FROM documents ORDER BY url")
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

func (idb *IndexDB) CountPostingsForDoc(ctx context.Context, docID int64) (int, error) {
	var count int
	err := idb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM postings WHERE doc_id = ?", docID).Scan(&count)
	return count, err
}

func (idb *IndexDB) GetDocumentCount(ctx context.Context) (int, error) {
	var count int
	err := idb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count)
	return count, err
}

func (idb *IndexDB) GetPostingCount(ctx context.Context) (int, error) {
	var count int
	err := idb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM postings").Scan(&count)
	return count, err
}

func (idb *IndexDB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := idb.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO index_metadata (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, value,
	)
	return err
}

func (idb *IndexDB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := idb.db.QueryRowContext(ctx,
		"SELECT value FROM index_metadata WHERE key = ?",
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
