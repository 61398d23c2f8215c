package database

// Webhook record queries
const (
	InsertWebhookQuery = `
		INSERT INTO webhooks (
			id, payload, processed, processed_at, error_message,
			created_at, updated_at
		) VALUES (?, ?, 0, NULL, NULL, ?, ?)
	`

	SelectWebhookByIDQuery = `
		SELECT id, payload, processed, processed_at, error_message,
			   created_at, updated_at
		FROM webhooks
		WHERE id = ?
	`

	// processed_at keeps its first value so repeating the transition is
	// observably idempotent.
	MarkWebhookProcessedQuery = `
		UPDATE webhooks
		SET processed = 1,
			processed_at = COALESCE(processed_at, ?),
			error_message = ?,
			updated_at = ?
		WHERE id = ?
	`

	MarkWebhookFailedQuery = `
		UPDATE webhooks
		SET processed = 0,
			error_message = ?,
			updated_at = ?
		WHERE id = ?
	`

	SelectUnhandledWebhooksQuery = `
		SELECT id, payload, processed, processed_at, error_message,
			   created_at, updated_at
		FROM webhooks
		WHERE processed = 0 AND error_message IS NULL
		ORDER BY created_at ASC
	`

	CountWebhooksByStateQuery = `
		SELECT
			COUNT(*),
			COALESCE(SUM(processed), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND error_message IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM webhooks
	`
)
