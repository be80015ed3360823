package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// UploadRepository keeps the audit log of accepted stats uploads
type UploadRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time
}

// NewUploadRepository connects to PostgreSQL and pings it
func NewUploadRepository(ctx context.Context, cfg *config.PostgresConfig, logger zerolog.Logger) (*UploadRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &UploadRepository{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
		now:    time.Now,
	}, nil
}

// Close closes the database connection pool
func (r *UploadRepository) Close() {
	r.pool.Close()
}

// migrations create the audit tables
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stats_uploads (
		id BIGSERIAL PRIMARY KEY,
		server_name VARCHAR(255) NOT NULL,
		namespace VARCHAR(255) NOT NULL,
		player_count INT NOT NULL,
		stat_count INT NOT NULL,
		has_global BOOLEAN NOT NULL DEFAULT FALSE,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS stats_upload_players (
		upload_id BIGINT NOT NULL REFERENCES stats_uploads(id) ON DELETE CASCADE,
		player_uuid UUID NOT NULL,
		PRIMARY KEY (upload_id, player_uuid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stats_uploads_namespace ON stats_uploads(namespace, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_stats_uploads_created ON stats_uploads(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_stats_upload_players_player ON stats_upload_players(player_uuid)`,
}

// RunMigrations executes database migrations
func (r *UploadRepository) RunMigrations(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info().Msg("database migrations completed")
	return nil
}

// RecordUpload stores one audit row for an accepted bundle, plus one row per
// player it touched
func (r *UploadRepository) RecordUpload(ctx context.Context, bundle *domain.UploadBundle, summary *domain.UploadSummary) error {
	record, err := newUploadRecord(bundle, summary, r.now())
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO stats_uploads (server_name, namespace, player_count, stat_count, has_global, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`
		var id int64
		err := tx.QueryRow(ctx, query,
			record.ServerName,
			record.Namespace,
			record.PlayerCount,
			record.StatCount,
			record.HasGlobal,
			record.Payload,
			record.CreatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("recording upload: %w", err)
		}

		if len(summary.Players) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, player := range summary.Players {
			batch.Queue(`INSERT INTO stats_upload_players (upload_id, player_uuid) VALUES ($1, $2)`, id, player)
		}
		br := tx.SendBatch(ctx, batch)
		for range summary.Players {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("recording upload players: %w", err)
			}
		}
		return br.Close()
	})
}

func newUploadRecord(bundle *domain.UploadBundle, summary *domain.UploadSummary, now time.Time) (domain.UploadRecord, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return domain.UploadRecord{}, fmt.Errorf("marshaling upload payload: %w", err)
	}
	return domain.UploadRecord{
		ServerName:  summary.ServerName,
		Namespace:   summary.Namespace,
		PlayerCount: len(summary.Players),
		StatCount:   summary.StatCount,
		HasGlobal:   summary.Global,
		Payload:     payload,
		CreatedAt:   now.UTC(),
	}, nil
}

// ListUploads returns the most recent uploads, newest first. An empty
// namespace lists every namespace.
func (r *UploadRepository) ListUploads(ctx context.Context, namespace string, limit int) ([]domain.UploadRecord, error) {
	query := `
		SELECT id, server_name, namespace, player_count, stat_count, has_global, created_at
		FROM stats_uploads
		WHERE ($1::text = '' OR namespace = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var records []domain.UploadRecord
	for rows.Next() {
		var rec domain.UploadRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ServerName,
			&rec.Namespace,
			&rec.PlayerCount,
			&rec.StatCount,
			&rec.HasGlobal,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploads: %w", err)
	}
	return records, nil
}

// PruneUploads deletes uploads recorded before cutoff and returns how many
// were removed
func (r *UploadRepository) PruneUploads(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM stats_uploads WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning uploads: %w", err)
	}
	return tag.RowsAffected(), nil
}
