package database

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"formrelay/internal/errors"
	"formrelay/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMigrations creates test migration files
func setupTestMigrations(t *testing.T, tmpDir string) string {
	migrationsPath := filepath.Join(tmpDir, "migrations")
	err := os.MkdirAll(migrationsPath, 0755)
	require.NoError(t, err)

	schemaContent := `-- Initial schema for formrelay
CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    processed_at TIMESTAMP,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhooks_processed ON webhooks(processed);
CREATE INDEX IF NOT EXISTS idx_webhooks_created_at ON webhooks(created_at);`

	err = os.WriteFile(filepath.Join(migrationsPath, "001_initial_schema.sql"), []byte(schemaContent), 0644)
	require.NoError(t, err)

	return migrationsPath
}

func setupTestDB(t *testing.T) (*Database, func()) {
	tmpDir, err := os.MkdirTemp("", "formrelay-db-test")
	require.NoError(t, err)

	migrationsPath := setupTestMigrations(t, tmpDir)

	originalMigrationsDir := migrations.MigrationsDir
	migrations.MigrationsDir = migrationsPath

	db, err := New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		migrations.MigrationsDir = originalMigrationsDir
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestCreateWebhook(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	raw := json.RawMessage(`{"email":"ana@example.com","first_name":"Ana"}`)

	record, err := db.CreateWebhook(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Processed)
	assert.Nil(t, record.ProcessedAt)
	assert.Nil(t, record.ErrorMessage)
	assert.Equal(t, string(raw), record.RawPayload)

	stored, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.ID, stored.ID)
	assert.Equal(t, string(raw), stored.RawPayload)
	assert.Equal(t, "ana@example.com", stored.Payload["email"])
	assert.False(t, stored.Processed)
}

func TestCreateWebhook_InvalidPayload(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "not json at all"},
		{"json array", `[1,2,3]`},
		{"json scalar", `"hello"`},
		{"json null", `null`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.CreateWebhook(ctx, json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestCreateWebhook_EmptyObject(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Forms can submit with every field stripped; the record still has to
	// reach the dispatcher so the failure is recorded against it.
	record, err := db.CreateWebhook(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Processed)
	assert.Empty(t, record.Payload)

	unhandled, err := db.ListUnhandled(ctx)
	require.NoError(t, err)
	require.Len(t, unhandled, 1)
	assert.Equal(t, record.ID, unhandled[0].ID)
}

func TestGetWebhook_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	record, err := db.GetWebhook(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestMarkProcessed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	record, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"ana@example.com"}`))
	require.NoError(t, err)

	err = db.MarkProcessed(ctx, record.ID, "Email sent via Brevo. Message ID: <msg-1>")
	require.NoError(t, err)

	stored, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessedAt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "Email sent via Brevo. Message ID: <msg-1>", *stored.ErrorMessage)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	record, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"ana@example.com"}`))
	require.NoError(t, err)

	require.NoError(t, db.MarkProcessed(ctx, record.ID, "first"))
	first, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ProcessedAt)

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, db.MarkProcessed(ctx, record.ID, "first"))
	second, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)

	// processed_at survives re-application; only updated_at moves
	assert.True(t, second.Processed)
	assert.Equal(t, first.ProcessedAt.Unix(), second.ProcessedAt.Unix())
	assert.Equal(t, *first.ErrorMessage, *second.ErrorMessage)
}

func TestMarkProcessed_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.MarkProcessed(context.Background(), "no-such-id", "note")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestMarkFailed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	record, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"ana@example.com"}`))
	require.NoError(t, err)

	err = db.MarkFailed(ctx, record.ID, "No email address found in webhook data")
	require.NoError(t, err)

	stored, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Nil(t, stored.ProcessedAt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "No email address found in webhook data", *stored.ErrorMessage)
}

func TestMarkFailed_ThenProcessed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	record, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"ana@example.com"}`))
	require.NoError(t, err)

	require.NoError(t, db.MarkFailed(ctx, record.ID, "Exception: connection reset"))
	require.NoError(t, db.MarkProcessed(ctx, record.ID, "Email sent via Brevo. Message ID: <msg-2>"))

	stored, err := db.GetWebhook(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "Email sent via Brevo. Message ID: <msg-2>", *stored.ErrorMessage)
}

func TestListUnhandled(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	pending, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"pending@example.com"}`))
	require.NoError(t, err)

	handled, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"handled@example.com"}`))
	require.NoError(t, err)
	require.NoError(t, db.MarkProcessed(ctx, handled.ID, "done"))

	failed, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"failed@example.com"}`))
	require.NoError(t, err)
	require.NoError(t, db.MarkFailed(ctx, failed.ID, "Failed after 5 attempts: timeout"))

	records, err := db.ListUnhandled(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pending.ID, records[0].ID)
}

func TestGetStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	a, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"a@example.com"}`))
	require.NoError(t, err)
	_, err = db.CreateWebhook(ctx, json.RawMessage(`{"email":"b@example.com"}`))
	require.NoError(t, err)
	c, err := db.CreateWebhook(ctx, json.RawMessage(`{"email":"c@example.com"}`))
	require.NoError(t, err)

	require.NoError(t, db.MarkProcessed(ctx, a.ID, "sent"))
	require.NoError(t, db.MarkFailed(ctx, c.ID, "No email address found in webhook data"))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}
