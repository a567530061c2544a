package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresHistory wraps pgxpool and stores conversion history rows.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// NewPostgresHistory creates a pooled connection to Postgres.
func NewPostgresHistory(ctx context.Context, dsn string) (*PostgresHistory, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresHistory{pool: pool}, nil
}

func (s *PostgresHistory) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record inserts a history row. Re-recording a conversion id is a no-op.
func (s *PostgresHistory) Record(ctx context.Context, e HistoryEntry) error {
	allowed, err := json.Marshal(e.AllowedOutputs)
	if err != nil {
		return fmt.Errorf("marshal allowed outputs: %w", err)
	}
	details, err := json.Marshal(e.Converter)
	if err != nil {
		return fmt.Errorf("marshal converter details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversion_history (
			conversion_id, job_id, recorded_at, source_file, source_format, document_type,
			output_profile, output_format, duration_ms, success, message, error, allowed_outputs, converter
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (conversion_id) DO NOTHING
	`, e.ConversionID, e.JobID, e.Timestamp, e.SourceFile, e.SourceFormat, e.DocumentType,
		e.OutputProfile, e.OutputFormat, e.DurationMs, e.Success, e.Message, emptyToNil(e.Error), allowed, details)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// Get fetches a history row by conversion id.
func (s *PostgresHistory) Get(ctx context.Context, conversionID string) (HistoryEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT conversion_id, job_id, recorded_at, source_file, source_format, document_type,
		       output_profile, output_format, duration_ms, success, message, error, allowed_outputs, converter
		FROM conversion_history WHERE conversion_id = $1
	`, conversionID)

	var e HistoryEntry
	var lastErr pgtype.Text
	var allowed, details []byte
	if err := row.Scan(&e.ConversionID, &e.JobID, &e.Timestamp, &e.SourceFile, &e.SourceFormat, &e.DocumentType,
		&e.OutputProfile, &e.OutputFormat, &e.DurationMs, &e.Success, &e.Message, &lastErr, &allowed, &details); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HistoryEntry{}, fmt.Errorf("history %s: %w", conversionID, ErrNotFound)
		}
		return HistoryEntry{}, fmt.Errorf("scan history: %w", err)
	}
	if lastErr.Valid {
		e.Error = lastErr.String
	}
	if err := json.Unmarshal(allowed, &e.AllowedOutputs); err != nil {
		return HistoryEntry{}, fmt.Errorf("unmarshal allowed outputs: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Converter); err != nil {
			return HistoryEntry{}, fmt.Errorf("unmarshal converter details: %w", err)
		}
	}
	return e, nil
}

// Prune deletes rows older than the retention window and returns how many were removed.
func (s *PostgresHistory) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversion_history WHERE recorded_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
