package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID = int64(2026101701)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const conversationSchema = `
CREATE TABLE IF NOT EXISTS study_sessions (
	session_id TEXT PRIMARY KEY,
	notebook_id TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	summarized_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE study_sessions ADD COLUMN IF NOT EXISTS summarized_count INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_study_sessions_notebook_updated ON study_sessions(notebook_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS study_messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES study_sessions(session_id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_study_messages_session_seq ON study_messages(session_id, seq DESC);
`

func chunkSchema(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS study_chunks (
	chunk_id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	source_document_id TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	page_number INTEGER NOT NULL DEFAULT 0,
	section TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	doc_type TEXT NOT NULL DEFAULT '',
	notebook_id TEXT NOT NULL DEFAULT '',
	embedding vector(%d),
	tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_study_chunks_notebook ON study_chunks(notebook_id);
CREATE INDEX IF NOT EXISTS idx_study_chunks_tsv ON study_chunks USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_study_chunks_embedding ON study_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDim)
}

// EnsureSchema creates the conversation tables and, when embeddingDim is
// positive, the chunk table with its vector and full-text indexes.
func EnsureSchema(ctx context.Context, db *sql.DB, embeddingDim int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, conversationSchema); err != nil {
		return fmt.Errorf("execute conversation ddl: %w", err)
	}
	if embeddingDim > 0 {
		if _, err := tx.ExecContext(ctx, chunkSchema(embeddingDim)); err != nil {
			return fmt.Errorf("execute chunk ddl: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
