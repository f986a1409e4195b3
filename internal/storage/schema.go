package storage

const Schema = `
-- Documents: one row per indexed page or section. url is logically unique;
-- the maintainer repairs duplicates instead of relying on a constraint.
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    title TEXT NOT NULL,
    lower_title TEXT NOT NULL,
    body TEXT NOT NULL,               -- lower-cased for substring matching
    parent_title TEXT,
    indexed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url);
CREATE INDEX IF NOT EXISTS idx_documents_lower_title ON documents(lower_title);

-- Postings: inverted index keyed by (token, doc_id). Ordered by token then
-- id so a token prefix is a single contiguous range.
CREATE TABLE IF NOT EXISTS postings (
    token TEXT NOT NULL,
    doc_id INTEGER NOT NULL,
    score INTEGER NOT NULL,           -- term frequency
    PRIMARY KEY (token, doc_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_postings_doc ON postings(doc_id);

-- Index metadata: track global indexing state
CREATE TABLE IF NOT EXISTS index_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO index_metadata (key, value) VALUES
    ('total_documents', '0'),
    ('index_version', '2');
`
