package indexer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deidaraiorek/offlinesite/internal/storage"
	"github.com/deidaraiorek/offlinesite/internal/textprocessor"
)

func newTestMaintainer(t *testing.T) (*Maintainer, *storage.IndexDB) {
	t.Helper()

	db, err := storage.NewIndexDB(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewMaintainer(db), db
}

func postingsFor(t *testing.T, db *storage.IndexDB, docID int64) map[string]int {
	t.Helper()

	var postings map[string]int
	err := db.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		var err error
		postings, err = db.PostingsForDocTx(context.Background(), tx, docID)
		return err
	})
	require.NoError(t, err)
	return postings
}

func TestUpsertInsertsPostingsForTitleAndBody(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/a", "Offline Sync", "Sync your DATA", ""))

	doc, err := db.GetDocumentByURL(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "Offline Sync", doc.Title)
	assert.Equal(t, "offline sync", doc.LowerTitle)
	assert.Equal(t, "sync your data", doc.Body)

	expected := textprocessor.NewTextProcessor().ProcessToFrequency("offline sync sync your data")
	assert.Equal(t, expected, postingsFor(t, db, doc.ID))
}

func TestUpsertIsIdempotent(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/a", "Offline Sync", "sync your data", "Guides"))
	doc, err := db.GetDocumentByURL(ctx, "/a")
	require.NoError(t, err)
	before := postingsFor(t, db, doc.ID)

	require.NoError(t, m.Upsert(ctx, "/a", "Offline Sync", "sync your data", "Guides"))

	count, err := db.GetDocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	again, err := db.GetDocumentByURL(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, again.ID)
	assert.Equal(t, before, postingsFor(t, db, doc.ID))

	n, err := db.CountPostingsForDoc(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), n)
}

func TestUpsertReplacesStalePostings(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/a", "Offline Sync", "sync your data", ""))
	require.NoError(t, m.Upsert(ctx, "/a", "Offline Sync v2", "totally different text", ""))

	doc, err := db.GetDocumentByURL(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "Offline Sync v2", doc.Title)

	postings := postingsFor(t, db, doc.ID)
	assert.NotContains(t, postings, "data")
	assert.Equal(t, 1, postings["sync"])
	assert.Equal(t, textprocessor.NewTextProcessor().ProcessToFrequency("offline sync v2 totally different text"), postings)
}

func TestUpsertRepairsDuplicateDocuments(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	var dupIDs []int64
	for i := 0; i < 2; i++ {
		err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
			id, err := db.InsertDocumentTx(ctx, tx, storage.Document{URL: "/dup", Title: "Old", LowerTitle: "old", Body: "stale words"})
			if err != nil {
				return err
			}
			dupIDs = append(dupIDs, id)
			return db.PutPostingsTx(ctx, tx, id, map[string]int{"stale": 1})
		})
		require.NoError(t, err)
	}

	require.NoError(t, m.Upsert(ctx, "/dup", "Fresh", "new content", ""))

	count, err := db.GetDocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, id := range dupIDs {
		n, err := db.CountPostingsForDoc(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n, "postings of duplicate %d must be gone", id)
	}

	doc, err := db.GetDocumentByURL(ctx, "/dup")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", doc.Title)
	assert.NotContains(t, postingsFor(t, db, doc.ID), "stale")
}

func TestDeleteRemovesPrefixAndPostings(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/docs/sync", "Sync", "sync engine", ""))
	require.NoError(t, m.Upsert(ctx, "/docs/sync#conflicts", "Conflicts", "conflict resolution", "Sync"))
	require.NoError(t, m.Upsert(ctx, "/billing", "Billing", "invoices", ""))

	syncDoc, err := db.GetDocumentByURL(ctx, "/docs/sync")
	require.NoError(t, err)
	sectionDoc, err := db.GetDocumentByURL(ctx, "/docs/sync#conflicts")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "/docs/sync"))

	for _, id := range []int64{syncDoc.ID, sectionDoc.ID} {
		n, err := db.CountPostingsForDoc(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	_, err = db.GetDocumentByURL(ctx, "/docs/sync")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	billing, err := db.GetDocumentByURL(ctx, "/billing")
	require.NoError(t, err)
	assert.NotEmpty(t, postingsFor(t, db, billing.ID))

	total, err := db.GetMetadata(ctx, "total_documents")
	require.NoError(t, err)
	assert.Equal(t, "1", total)
}

func TestRemoveMatchesExactURL(t *testing.T) {
	m, db := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/docs", "Docs", "All guides", ""))
	require.NoError(t, m.Upsert(ctx, "/docs/sync", "Sync", "Sync your data", "Docs"))

	require.NoError(t, m.Remove(ctx, "/docs"))
	require.NoError(t, m.Remove(ctx, "/never-indexed"))

	_, err := db.GetDocumentByURL(ctx, "/docs")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.GetDocumentByURL(ctx, "/docs/sync")
	assert.NoError(t, err)

	total, err := db.GetMetadata(ctx, "total_documents")
	require.NoError(t, err)
	assert.Equal(t, "1", total)
}

func TestDeleteRejectsEmptyPrefix(t *testing.T) {
	m, _ := newTestMaintainer(t)
	assert.ErrorIs(t, m.Delete(context.Background(), ""), ErrEmptyPrefix)
}

func TestDiffPostings(t *testing.T) {
	old := map[string]int{"sync": 2, "data": 1, "offlin": 1}
	next := map[string]int{"sync": 1, "offlin": 1, "text": 3}

	changed, removed := diffPostings(old, next)

	assert.Equal(t, map[string]int{"sync": 1, "text": 3}, changed)
	assert.Equal(t, []string{"data"}, removed)
}
