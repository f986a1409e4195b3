package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/storage"
	"github.com/deidaraiorek/offlinesite/internal/textprocessor"
)

var ErrEmptyPrefix = errors.New("url prefix must not be empty")

// Maintainer owns the postings table. Every change to a document and its
// postings happens inside one storage transaction.
type Maintainer struct {
	db        *storage.IndexDB
	processor *textprocessor.TextProcessor
}

func NewMaintainer(db *storage.IndexDB) *Maintainer {
	return &Maintainer{
		db:        db,
		processor: textprocessor.NewTextProcessor(),
	}
}

// Upsert indexes the page at url. An existing document is diffed against
// the new term frequencies so only changed postings are written.
func (m *Maintainer) Upsert(ctx context.Context, url, title, body, parentTitle string) error {
	lowerTitle := strings.ToLower(title)
	lowerBody := strings.ToLower(body)

	processed := m.processor.ProcessDocument(textprocessor.DocumentFields{
		Title: lowerTitle,
		Body:  lowerBody,
	})
	terms := processed.TermFrequencies

	doc := storage.Document{
		URL:         url,
		Title:       title,
		LowerTitle:  lowerTitle,
		Body:        lowerBody,
		ParentTitle: parentTitle,
	}

	ctx = slogctx.Append(ctx, "url", url)

	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		existing, err := m.db.FindDocumentsByURLTx(ctx, tx, url)
		if err != nil {
			return err
		}

		if len(existing) > 1 {
			slogctx.Warn(ctx, "duplicate documents for url, rebuilding", "count", len(existing))
			for _, dup := range existing {
				if err := m.removeTx(ctx, tx, dup.ID); err != nil {
					return err
				}
			}
			existing = nil
		}

		if len(existing) == 0 {
			id, err := m.db.InsertDocumentTx(ctx, tx, doc)
			if err != nil {
				return err
			}
			if err := m.db.PutPostingsTx(ctx, tx, id, terms); err != nil {
				return err
			}
			slogctx.Debug(ctx, "indexed document", "id", id, "terms", processed.UniqueTerms)
			return m.db.RefreshDocumentCountTx(ctx, tx)
		}

		doc.ID = existing[0].ID
		old, err := m.db.PostingsForDocTx(ctx, tx, doc.ID)
		if err != nil {
			return err
		}

		changed, removed := diffPostings(old, terms)
		if err := m.db.PutPostingsTx(ctx, tx, doc.ID, changed); err != nil {
			return err
		}
		if err := m.db.DeletePostingsTx(ctx, tx, doc.ID, removed); err != nil {
			return err
		}
		if err := m.db.UpdateDocumentTx(ctx, tx, doc); err != nil {
			return err
		}

		slogctx.Debug(ctx, "reindexed document", "id", doc.ID, "changed", len(changed), "removed", len(removed))
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %q: %w", url, err)
	}
	return nil
}

// Delete removes every document whose url starts with urlPrefix, so a page
// and its sections go together. Each document is removed in its own
// transaction.
func (m *Maintainer) Delete(ctx context.Context, urlPrefix string) error {
	if urlPrefix == "" {
		return ErrEmptyPrefix
	}

	var docs []storage.Document
	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		docs, err = m.db.FindDocumentsByURLPrefixTx(ctx, tx, urlPrefix)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", urlPrefix, err)
	}
	return m.removeAll(ctx, docs)
}

// Remove drops the documents stored under exactly url.
func (m *Maintainer) Remove(ctx context.Context, url string) error {
	var docs []storage.Document
	err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		docs, err = m.db.FindDocumentsByURLTx(ctx, tx, url)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove %q: %w", url, err)
	}
	return m.removeAll(ctx, docs)
}

func (m *Maintainer) removeAll(ctx context.Context, docs []storage.Document) error {
	for _, doc := range docs {
		err := m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
			if err := m.removeTx(ctx, tx, doc.ID); err != nil {
				return err
			}
			return m.db.RefreshDocumentCountTx(ctx, tx)
		})
		if err != nil {
			return fmt.Errorf("delete %q: %w", doc.URL, err)
		}
		slogctx.Debug(ctx, "deleted document", "id", doc.ID, "url", doc.URL)
	}
	return nil
}

// URLs lists every indexed url.
func (m *Maintainer) URLs(ctx context.Context) ([]string, error) {
	return m.db.DocumentURLs(ctx)
}

// removeTx drops the postings of docID before the document itself.
func (m *Maintainer) removeTx(ctx context.Context, tx *sql.Tx, docID int64) error {
	if err := m.db.DeleteAllPostingsTx(ctx, tx, docID); err != nil {
		return err
	}
	return m.db.DeleteDocumentTx(ctx, tx, docID)
}

// diffPostings returns the postings to write (new or rescored) and the
// tokens to drop so that old becomes next.
func diffPostings(old, next map[string]int) (map[string]int, []string) {
	changed := make(map[string]int)
	for token, score := range next {
		if prev, ok := old[token]; !ok || prev != score {
			changed[token] = score
		}
	}

	var removed []string
	for token := range old {
		if _, ok := next[token]; !ok {
			removed = append(removed, token)
		}
	}
	sort.Strings(removed)

	return changed, removed
}
