// Package archive is an optional Postgres-backed record of past edit
// sessions. Diff specifications are stored with vector embeddings so earlier
// sessions with a similar look can be found again. The archive is never on
// the pipeline's critical path.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/reframe/internal/embeddings"
	"github.com/bdougie/reframe/internal/models"
)

// SessionRecord is everything the archive keeps about one settled session.
type SessionRecord struct {
	ID        uuid.UUID
	VideoName string
	Prompt    string
	Strategy  models.Strategy
	State     models.PipelineState
	DiffSpec  string
	Frames    []models.EditedFrame
}

// SearchResult is one similar past session.
type SearchResult struct {
	SessionID  uuid.UUID
	VideoName  string
	Prompt     string
	DiffSpec   string
	Similarity float64
}

// Archive manages interaction with PostgreSQL
type Archive struct {
	pool     *pgxpool.Pool
	embedder *embeddings.Service
	logger   *slog.Logger
}

// New creates an archive connected to the given database.
func New(ctx context.Context, databaseURL string, embedder *embeddings.Service, logger *slog.Logger) (*Archive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Archive{pool: pool, embedder: embedder, logger: logger}, nil
}

// Close closes the database connection
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// RecordSession stores a settled session, its frames, and its diff
// specification with an embedding. Embedding failures degrade to storing the
// spec without a vector.
func (a *Archive) RecordSession(ctx context.Context, rec SessionRecord) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO sessions (id, video_name, prompt, strategy, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		rec.ID, rec.VideoName, rec.Prompt, string(rec.Strategy), string(rec.State), time.Now())
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	for _, frame := range rec.Frames {
		_, err = a.pool.Exec(ctx,
			`INSERT INTO session_frames (session_id, frame_index, original_ref, edited_ref, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, frame_index) DO UPDATE SET edited_ref = EXCLUDED.edited_ref`,
			rec.ID, frame.Index, frame.Original.String(), frame.Edited.String(), time.Now())
		if err != nil {
			return fmt.Errorf("failed to store frame %d: %w", frame.Index, err)
		}
	}

	if rec.DiffSpec == "" {
		return nil
	}

	var embedding pgvector.Vector
	result := <-a.embedder.GetEmbedding(rec.DiffSpec)
	if result.Error != nil {
		a.logger.Warn("failed to embed diff specification", slog.Any("error", result.Error))
		_, err = a.pool.Exec(ctx,
			`INSERT INTO diff_specs (session_id, spec, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (session_id) DO UPDATE SET spec = EXCLUDED.spec`,
			rec.ID, rec.DiffSpec, time.Now())
	} else {
		embedding = pgvector.NewVector(result.Embedding)
		_, err = a.pool.Exec(ctx,
			`INSERT INTO diff_specs (session_id, spec, embedding, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id) DO UPDATE SET spec = EXCLUDED.spec, embedding = EXCLUDED.embedding`,
			rec.ID, rec.DiffSpec, embedding, time.Now())
	}
	if err != nil {
		return fmt.Errorf("failed to store diff specification: %w", err)
	}
	return nil
}

// SearchSimilarSessions finds past sessions whose diff specification is
// close to the query text.
func (a *Archive) SearchSimilarSessions(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	result := <-a.embedder.GetEmbedding(query)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", result.Error)
	}

	rows, err := a.pool.Query(ctx,
		`SELECT s.id, s.video_name, s.prompt, d.spec,
        1 - (d.embedding <=> $1) AS similarity
        FROM diff_specs d
        JOIN sessions s ON d.session_id = s.id
        WHERE d.embedding IS NOT NULL
        ORDER BY d.embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(result.Embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar sessions: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.SessionID, &r.VideoName, &r.Prompt, &r.DiffSpec, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	// Check if vector extension exists
	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
		if err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS sessions (
            id UUID PRIMARY KEY,
            video_name VARCHAR(255) NOT NULL,
            prompt TEXT NOT NULL,
            strategy VARCHAR(32) NOT NULL,
            state VARCHAR(32) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS session_frames (
            id SERIAL PRIMARY KEY,
            session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
            frame_index INTEGER NOT NULL,
            original_ref TEXT NOT NULL,
            edited_ref TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(session_id, frame_index)
        );

        CREATE TABLE IF NOT EXISTS diff_specs (
            session_id UUID PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
            spec TEXT NOT NULL,
            embedding vector(768),
            created_at TIMESTAMPTZ NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_session_frames_session_id ON session_frames(session_id);
        CREATE INDEX IF NOT EXISTS idx_diff_specs_embedding ON diff_specs USING ivfflat (embedding vector_l2_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
