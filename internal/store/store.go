package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store keeps the registry of videos and playback sessions in PostgreSQL.
// Detection results are never persisted.
type Store struct {
	pool *pgxpool.Pool
}

// Playback is one recorded play run of a video.
type Playback struct {
	ID         uuid.UUID
	VideoID    string
	Path       string
	Backend    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Ticks      int
	Faces      int
	Error      string
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "invalid database configuration")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "database unreachable")
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to initialize database schema")
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS playback_sessions (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			backend TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			ticks INT NOT NULL DEFAULT 0,
			faces INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS playback_sessions_video_id_idx ON playback_sessions (video_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureVideoMetadata registers the video. If it exists, its path, dimensions and timestamp are refreshed.
func (s *Store) EnsureVideoMetadata(ctx context.Context, id, path string, width, height int, fps float64, duration time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, path, width, height, fps, duration_ms, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			fps = EXCLUDED.fps,
			duration_ms = EXCLUDED.duration_ms,
			indexed_at = NOW()
	`, id, path, width, height, fps, duration.Milliseconds())
	return errors.Wrap(err, "upsert video metadata")
}

// StartPlayback opens a session row for a play run.
func (s *Store) StartPlayback(ctx context.Context, id uuid.UUID, videoID, backend string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO playback_sessions (id, video_id, backend, started_at)
		VALUES ($1::uuid, $2, $3, NOW())
	`, id.String(), videoID, backend)
	return errors.Wrap(err, "insert playback session")
}

// FinishPlayback closes the session row with its tick and face totals.
// An empty errMsg means the run ended normally.
func (s *Store) FinishPlayback(ctx context.Context, id uuid.UUID, ticks, faces int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE playback_sessions
		SET finished_at = NOW(), ticks = $2, faces = $3, error = $4
		WHERE id = $1::uuid
	`, id.String(), ticks, faces, errMsg)
	if err != nil {
		return errors.Wrap(err, "update playback session")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("playback session %s not found", id)
	}
	return nil
}

// ListPlaybacks returns the most recent sessions first, optionally for a single video.
func (s *Store) ListPlaybacks(ctx context.Context, videoID string, limit int) ([]Playback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.id::text, p.video_id, v.path, p.backend, p.started_at, p.finished_at, p.ticks, p.faces, p.error
		FROM playback_sessions p
		JOIN video_metadata v ON v.id = p.video_id
		WHERE $1 = '' OR p.video_id = $1
		ORDER BY p.started_at DESC
		LIMIT $2
	`, videoID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query playback sessions")
	}
	defer rows.Close()

	var out []Playback
	for rows.Next() {
		var p Playback
		var id string
		if err := rows.Scan(&id, &p.VideoID, &p.Path, &p.Backend, &p.StartedAt, &p.FinishedAt, &p.Ticks, &p.Faces, &p.Error); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "bad session id %q", id)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// VideoPath looks up a registered video. ok is false if it is unknown.
func (s *Store) VideoPath(ctx context.Context, id string) (path string, ok bool, err error) {
	err = s.pool.QueryRow(ctx, "SELECT path FROM video_metadata WHERE id = $1", id).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS playback_sessions CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
