package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"formrelay/internal/errors"
	"formrelay/internal/migrations"
	"formrelay/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable webhook record store. Records are created once by
// the ingestion endpoint and mutated only through the two terminal
// transitions; each transition is a single-row atomic update.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CreateWebhook persists the submitted body verbatim as a new record with a
// fresh opaque id. The payload text is stored exactly as received.
func (d *Database) CreateWebhook(ctx context.Context, raw json.RawMessage) (*models.WebhookRecord, error) {
	payload, err := models.ParsePayload(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "webhook payload is not a JSON object")
	}
	if payload == nil {
		// A literal JSON null decodes without error but is not a mapping
		return nil, errors.New(errors.ErrCodeInvalidInput, "webhook payload is not a JSON object")
	}

	record := &models.WebhookRecord{
		ID:         uuid.NewString(),
		RawPayload: string(raw),
		Payload:    payload,
		Processed:  false,
		CreatedAt:  time.Now().UTC(),
	}
	record.UpdatedAt = record.CreatedAt

	err = retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, InsertWebhookQuery,
			record.ID, record.RawPayload, record.CreatedAt, record.UpdatedAt)
		return execErr
	}, "insert webhook")
	if err != nil {
		return nil, errors.NewPersistenceError("insert webhook", err)
	}

	return record, nil
}

// GetWebhook returns the record with the given id, or nil if none exists.
func (d *Database) GetWebhook(ctx context.Context, id string) (*models.WebhookRecord, error) {
	record := &models.WebhookRecord{}
	var processedAt sql.NullTime
	var errorMessage sql.NullString

	err := d.db.QueryRowContext(ctx, SelectWebhookByIDQuery, id).Scan(
		&record.ID,
		&record.RawPayload,
		&record.Processed,
		&processedAt,
		&errorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewPersistenceError("select webhook", err)
	}

	if processedAt.Valid {
		t := processedAt.Time
		record.ProcessedAt = &t
	}
	if errorMessage.Valid {
		m := errorMessage.String
		record.ErrorMessage = &m
	}

	record.Payload, err = models.ParsePayload(json.RawMessage(record.RawPayload))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "stored webhook payload is corrupt")
	}

	return record, nil
}

// MarkProcessed transitions the record to its terminal handled state. The
// note lands in error_message: a provider message id, a skip reason, or a
// simulated-send description.
func (d *Database) MarkProcessed(ctx context.Context, id, note string) error {
	now := time.Now().UTC()
	err := retryableDBOperation(ctx, func() error {
		return d.updateOne(ctx, MarkWebhookProcessedQuery, now, note, now, id)
	}, "mark webhook processed")
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeNotFound {
			return err
		}
		return errors.NewPersistenceError("mark webhook processed", err)
	}
	return nil
}

// MarkFailed records failure detail without touching processed_at, so a
// later retry can still produce a clean handled state.
func (d *Database) MarkFailed(ctx context.Context, id, errorMessage string) error {
	now := time.Now().UTC()
	err := retryableDBOperation(ctx, func() error {
		return d.updateOne(ctx, MarkWebhookFailedQuery, errorMessage, now, id)
	}, "mark webhook failed")
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeNotFound {
			return err
		}
		return errors.NewPersistenceError("mark webhook failed", err)
	}
	return nil
}

// ListUnhandled returns records that were persisted but never reached any
// terminal transition, oldest first. Used by the dispatcher to recover jobs
// lost to a crash between ingestion and dispatch.
func (d *Database) ListUnhandled(ctx context.Context) ([]*models.WebhookRecord, error) {
	rows, err := d.db.QueryContext(ctx, SelectUnhandledWebhooksQuery)
	if err != nil {
		return nil, errors.NewPersistenceError("list unhandled webhooks", err)
	}
	defer rows.Close()

	var records []*models.WebhookRecord
	for rows.Next() {
		record := &models.WebhookRecord{}
		var processedAt sql.NullTime
		var errorMessage sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.RawPayload,
			&record.Processed,
			&processedAt,
			&errorMessage,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, errors.NewPersistenceError("scan unhandled webhook", err)
		}

		if processedAt.Valid {
			t := processedAt.Time
			record.ProcessedAt = &t
		}
		if errorMessage.Valid {
			m := errorMessage.String
			record.ErrorMessage = &m
		}

		record.Payload, err = models.ParsePayload(json.RawMessage(record.RawPayload))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "stored webhook payload is corrupt")
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("list unhandled webhooks", err)
	}

	return records, nil
}

// Stats holds webhook record counts by state.
type Stats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// GetStats returns record counts for the metrics surface.
func (d *Database) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := d.db.QueryRowContext(ctx, CountWebhooksByStateQuery).Scan(
		&stats.Total, &stats.Processed, &stats.Failed)
	if err != nil {
		return nil, errors.NewPersistenceError("count webhooks", err)
	}
	return stats, nil
}

func (d *Database) updateOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New(errors.ErrCodeNotFound, "webhook record not found")
	}
	return nil
}
