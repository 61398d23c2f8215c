package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"formrelay/internal/constants"
	"formrelay/internal/errors"
	"formrelay/internal/extract"
	"formrelay/internal/metrics"
	"formrelay/internal/models"
	"formrelay/internal/privacy"
	"formrelay/internal/retry"
	"formrelay/internal/tracing"
	"formrelay/pkg/brevo"
	"formrelay/pkg/brevo/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// WebhookStore is the slice of the record store the dispatcher needs.
type WebhookStore interface {
	GetWebhook(ctx context.Context, id string) (*models.WebhookRecord, error)
	MarkProcessed(ctx context.Context, id, note string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	ListUnhandled(ctx context.Context) ([]*models.WebhookRecord, error)
}

// Dispatcher consumes webhook-received jobs off the request path: it runs
// eligibility and contact resolution, calls Brevo, and drives each record to
// a terminal state. Jobs for distinct records run concurrently; each job is
// sequential through its steps and safe to re-run, so duplicate delivery is
// tolerated.
type Dispatcher struct {
	store       WebhookStore
	brevoClient brevo.Client
	brevoCfg    models.BrevoConfig
	webhookCfg  models.WebhookConfig
	retryCfg    models.RetryConfig
	logger      *logrus.Logger

	jobs        chan string
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	workers     int
	rescanEvery time.Duration
	running     bool
	mu          sync.RWMutex

	// pending tracks ids that are queued or in flight so the recovery
	// scan does not double-queue a record a worker is still handling.
	pending   map[string]struct{}
	pendingMu sync.Mutex
}

// NewDispatcher creates a dispatcher. The Brevo client may be nil only when
// the API key is empty (simulated mode never touches the client).
func NewDispatcher(store WebhookStore, brevoClient brevo.Client, cfg *models.Config, logger *logrus.Logger) *Dispatcher {
	rescanEvery := time.Duration(cfg.Dispatch.RescanIntervalSec) * time.Second
	if rescanEvery <= 0 {
		rescanEvery = constants.DefaultRescanIntervalSec * time.Second
	}

	return &Dispatcher{
		store:       store,
		brevoClient: brevoClient,
		brevoCfg:    cfg.Brevo,
		webhookCfg:  cfg.Webhook,
		retryCfg:    cfg.Retry,
		logger:      logger,
		jobs:        make(chan string, cfg.Dispatch.QueueSize),
		workers:     cfg.Dispatch.Workers,
		rescanEvery: rescanEvery,
		pending:     make(map[string]struct{}),
	}
}

// Start launches the worker pool and the recovery loop, which re-enqueues
// records that were persisted but never handled - jobs lost to a restart or
// dropped by a full queue.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}

	d.wg.Add(1)
	go d.recoveryLoop()

	d.logger.WithFields(logrus.Fields{
		"workers":     d.workers,
		"queue_size":  cap(d.jobs),
		"rescan_secs": d.rescanEvery.Seconds(),
	}).Info("Dispatcher started")

	return nil
}

// Stop drains in-flight jobs and shuts the pool down.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	d.logger.Info("Stopping dispatcher...")
	d.cancel()
	d.wg.Wait()
	d.running = false
	d.logger.Info("Dispatcher stopped")
}

// IsRunning returns whether the worker pool is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Enqueue schedules a dispatch job for the given record id. It never
// blocks the caller; a full queue is reported as false and the record is
// picked up by the next recovery scan instead. Enqueueing an id that is
// already queued or in flight is a no-op.
func (d *Dispatcher) Enqueue(id string) bool {
	d.pendingMu.Lock()
	if _, queued := d.pending[id]; queued {
		d.pendingMu.Unlock()
		return true
	}
	d.pending[id] = struct{}{}
	d.pendingMu.Unlock()

	select {
	case d.jobs <- id:
		return true
	default:
		d.clearPending(id)
		d.logger.WithField("webhook_id", id).Warn("Dispatch queue is full, deferring to recovery scan")
		return false
	}
}

func (d *Dispatcher) clearPending(id string) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case id := <-d.jobs:
			d.processJob(id)
			d.clearPending(id)
		}
	}
}

// recoveryLoop periodically re-enqueues records that never reached a
// terminal transition: jobs lost to a crash between ingestion and dispatch,
// and jobs dropped because the queue was full. The first scan runs
// immediately so a restart recovers its backlog without waiting a tick.
func (d *Dispatcher) recoveryLoop() {
	defer d.wg.Done()

	d.recoverUnhandled()

	ticker := time.NewTicker(d.rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.recoverUnhandled()
		}
	}
}

func (d *Dispatcher) recoverUnhandled() {
	records, err := d.store.ListUnhandled(d.ctx)
	if err != nil {
		errors.LogError(d.logger, err, "Failed to scan for unhandled webhooks")
		return
	}

	if len(records) == 0 {
		return
	}

	d.logger.WithField("count", len(records)).Info("Recovering unhandled webhooks")
	for _, record := range records {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		// Non-blocking: anything the queue cannot take now is still
		// unhandled on the next scan.
		d.Enqueue(record.ID)
	}
}

// processJob runs the dispatch steps with the job-level retry policy. Only
// provider failures are retryable; every other outcome is terminal on first
// entry. Exhausting the attempt cap runs the terminal failure handler once.
func (d *Dispatcher) processJob(id string) {
	start := time.Now()

	ctx, span := tracing.StartSpan(d.ctx, "dispatch_webhook",
		attribute.String("webhook.id", id),
	)
	defer span.End()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(d.retryCfg.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(d.retryCfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  d.retryCfg.MaxAttempts,
		Jitter:       true,
	})

	attempt := 0
	err := backoff.RetryWithPredicate(ctx, func() error {
		attempt++
		dispatchErr := d.dispatch(ctx, id)
		if dispatchErr != nil && errors.IsRetryable(dispatchErr) {
			d.logger.WithFields(logrus.Fields{
				"webhook_id": id,
				"attempt":    attempt,
			}).WithError(dispatchErr).Warn("Webhook dispatch failed, will retry")
		}
		return dispatchErr
	}, errors.IsRetryable)

	metrics.RecordTimer(metrics.DispatchDuration, time.Since(start))

	if err == nil {
		return
	}

	tracing.RecordError(ctx, err)
	metrics.IncrementCounter(metrics.WebhooksFailed, nil, "Webhooks that ended in a failed state")

	errors.LogError(d.logger, err, "Webhook dispatch failed after all retry attempts", logrus.Fields{
		"webhook_id": id,
		"attempts":   attempt,
	})

	note := fmt.Sprintf("Failed after %d attempts: %s", attempt, err.Error())
	if markErr := d.store.MarkFailed(ctx, id, note); markErr != nil {
		errors.LogError(d.logger, markErr, "Failed to record terminal dispatch failure", logrus.Fields{
			"webhook_id": id,
		})
	}
}

// dispatch runs one attempt of the full pipeline for a record. A nil return
// means the record reached a terminal state; a retryable error means the
// provider call failed and the job should run again from the top.
func (d *Dispatcher) dispatch(ctx context.Context, id string) error {
	record, err := d.store.GetWebhook(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		d.logger.WithField("webhook_id", id).Warn("Webhook record vanished before dispatch")
		return nil
	}
	if record.Processed {
		// Duplicate delivery of an already-handled job
		return nil
	}

	entries := extract.ParseEntries(record.Payload, d.logger)

	eligible, referrer := extract.IsEligible(record.Payload, entries, d.webhookCfg.AllowedReferrers)
	if !eligible {
		d.logger.WithFields(logrus.Fields{
			"webhook_id": id,
			"referrer":   referrer,
		}).Info("Webhook referrer not in allowed list, skipping")

		metrics.IncrementCounter(metrics.WebhooksSkipped, nil, "Webhooks skipped by the referrer allow-list")
		return d.store.MarkProcessed(ctx, id, "Skipped - referrer not allowed: "+referrer)
	}

	contact, err := extract.ResolveContact(record.Payload, entries)
	if err != nil {
		// Permanent data defect: a missing email will not appear on retry
		d.logger.WithField("webhook_id", id).Warn("Webhook has no email address, skipping Brevo email")

		metrics.IncrementCounter(metrics.WebhooksFailed, nil, "Webhooks that ended in a failed state")
		return d.store.MarkFailed(ctx, id, "No email address found in webhook data")
	}

	d.logger.WithFields(logrus.Fields{
		"webhook_id": id,
		"email":      privacy.MaskEmail(contact.Email),
		"first_name": privacy.MaskName(contact.FirstName),
	}).Info("Sending Brevo email for webhook")

	if d.brevoCfg.APIKey == "" {
		d.logger.WithField("webhook_id", id).Warn("Brevo API key not configured, marking as processed without sending")

		note := fmt.Sprintf("Simulated send - Brevo not configured. Would send to: %s with FIRSTNAME=%s, PRICEMP=%s",
			contact.Email, contact.FirstName, contact.Price)
		return d.store.MarkProcessed(ctx, id, note)
	}

	email := types.NewEmailRequest().
		AddTo(contact.Email, contact.FirstName).
		WithTemplate(d.brevoCfg.DefaultTemplateID).
		WithParams(map[string]interface{}{
			"FIRSTNAME": contact.FirstName,
			"PRICEMP":   contact.Price,
		})

	if d.brevoCfg.DefaultSender.Email != "" {
		email.WithSender(d.brevoCfg.DefaultSender.Email, d.brevoCfg.DefaultSender.Name)
	}

	metrics.IncrementCounter(metrics.BrevoCalls, map[string]string{"endpoint": "/smtp/email"}, "Brevo API calls")

	response, err := d.brevoClient.SendTemplateEmail(ctx, email)
	if err != nil {
		statusCode := 0
		var srvErr *brevo.ServerError
		if stderrors.As(err, &srvErr) {
			statusCode = srvErr.StatusCode
		}
		if markErr := d.store.MarkFailed(ctx, id, "Exception: "+err.Error()); markErr != nil {
			errors.LogError(d.logger, markErr, "Failed to record dispatch failure", logrus.Fields{"webhook_id": id})
		}
		return errors.NewBrevoError("/smtp/email", statusCode, err)
	}

	if !response.Success {
		d.logger.WithFields(logrus.Fields{
			"webhook_id":  id,
			"status_code": response.StatusCode,
			"error":       response.Error,
		}).Error("Failed to send Brevo email")

		if markErr := d.store.MarkFailed(ctx, id, "Brevo API error: "+response.Error); markErr != nil {
			errors.LogError(d.logger, markErr, "Failed to record dispatch failure", logrus.Fields{"webhook_id": id})
		}
		return errors.NewBrevoError("/smtp/email", response.StatusCode, stderrors.New(response.Error))
	}

	d.addContactToList(ctx, contact)

	d.logger.WithFields(logrus.Fields{
		"webhook_id": id,
		"message_id": response.MessageID,
	}).Info("Brevo email sent successfully")

	metrics.IncrementCounter(metrics.WebhooksDispatched, nil, "Webhooks dispatched to Brevo")
	return d.store.MarkProcessed(ctx, id, "Email sent via Brevo. Message ID: "+response.MessageID)
}

// addContactToList performs the best-effort secondary side-effect. Its
// failure never flips the primary outcome.
func (d *Dispatcher) addContactToList(ctx context.Context, contact *extract.Contact) {
	metrics.IncrementCounter(metrics.BrevoCalls, map[string]string{"endpoint": "/contacts"}, "Brevo API calls")

	attributes := map[string]interface{}{
		"FIRSTNAME": contact.FirstName,
	}
	if contact.Price != "" {
		attributes["PRICEMP"] = contact.Price
	}

	response, err := d.brevoClient.AddContactToList(ctx, contact.Email, d.brevoCfg.DefaultListID, attributes, true)
	if err != nil {
		d.logger.WithError(err).WithField("email", privacy.MaskEmail(contact.Email)).
			Warn("Failed to add contact to Brevo list")
		return
	}
	if !response.Success {
		d.logger.WithFields(logrus.Fields{
			"email":       privacy.MaskEmail(contact.Email),
			"status_code": response.StatusCode,
			"error":       response.Error,
		}).Warn("Brevo rejected contact list add")
	}
}
