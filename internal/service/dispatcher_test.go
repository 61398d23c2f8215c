package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "formrelay/internal/errors"
	"formrelay/internal/models"
	"formrelay/pkg/brevo"
	"formrelay/pkg/brevo/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWebhookStore struct {
	mock.Mock
}

func (m *mockWebhookStore) GetWebhook(ctx context.Context, id string) (*models.WebhookRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookRecord), args.Error(1)
}

func (m *mockWebhookStore) MarkProcessed(ctx context.Context, id, note string) error {
	args := m.Called(ctx, id, note)
	return args.Error(0)
}

func (m *mockWebhookStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	args := m.Called(ctx, id, errorMessage)
	return args.Error(0)
}

func (m *mockWebhookStore) ListUnhandled(ctx context.Context) ([]*models.WebhookRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WebhookRecord), args.Error(1)
}

type mockBrevoClient struct {
	mock.Mock
}

func (m *mockBrevoClient) SendTemplateEmail(ctx context.Context, email *types.EmailRequest) (*types.Response, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Response), args.Error(1)
}

func (m *mockBrevoClient) AddContactToList(ctx context.Context, email string, listID int, attributes map[string]interface{}, updateEnabled bool) (*types.Response, error) {
	args := m.Called(ctx, email, listID, attributes, updateEnabled)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Response), args.Error(1)
}

func (m *mockBrevoClient) GetAccount(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *mockBrevoClient) TestConnection(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func testConfig(apiKey string) *models.Config {
	return &models.Config{
		Brevo: models.BrevoConfig{
			APIKey:            apiKey,
			DefaultTemplateID: 105,
			DefaultListID:     17,
			DefaultSender: models.SenderEmail{
				Email: "noreply@example.com",
				Name:  "Form Relay",
			},
		},
		Dispatch: models.DispatchConfig{
			Workers:   1,
			QueueSize: 8,
		},
		Retry: models.RetryConfig{
			InitialBackoffMs: 1,
			MaxBackoffMs:     2,
			MaxAttempts:      3,
		},
	}
}

func newTestDispatcher(store *mockWebhookStore, client *mockBrevoClient, cfg *models.Config) *Dispatcher {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	var d *Dispatcher
	if client != nil {
		d = NewDispatcher(store, client, cfg, logger)
	} else {
		d = NewDispatcher(store, nil, cfg, logger)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

func webhookRecord(id, rawPayload string) *models.WebhookRecord {
	payload, err := models.ParsePayload(json.RawMessage(rawPayload))
	if err != nil {
		panic(err)
	}
	now := time.Now().UTC()
	return &models.WebhookRecord{
		ID:         id,
		RawPayload: rawPayload,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestDispatch_Success(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-1", `{"email":"ana@example.com","first_name":"Ana","pricemp":"1200"}`)
	store.On("GetWebhook", mock.Anything, "wh-1").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.MatchedBy(func(email *types.EmailRequest) bool {
		return len(email.To) == 1 &&
			email.To[0].Email == "ana@example.com" &&
			email.TemplateID == 105 &&
			email.Params["FIRSTNAME"] == "Ana" &&
			email.Params["PRICEMP"] == "1200"
	})).Return(&types.Response{Success: true, MessageID: "<msg-1>", StatusCode: 201}, nil)
	client.On("AddContactToList", mock.Anything, "ana@example.com", 17, mock.Anything, true).
		Return(&types.Response{Success: true, StatusCode: 201}, nil)
	store.On("MarkProcessed", mock.Anything, "wh-1", "Email sent via Brevo. Message ID: <msg-1>").Return(nil)

	err := d.dispatch(d.ctx, "wh-1")
	require.NoError(t, err)

	store.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestDispatch_ReferrerNotAllowed(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-2", `{"email":"ana@example.com","referrer_url":"https://evil.example/"}`)
	store.On("GetWebhook", mock.Anything, "wh-2").Return(record, nil)
	store.On("MarkProcessed", mock.Anything, "wh-2", "Skipped - referrer not allowed: https://evil.example/").Return(nil)

	err := d.dispatch(d.ctx, "wh-2")
	require.NoError(t, err)

	store.AssertExpectations(t)
	client.AssertNotCalled(t, "SendTemplateEmail", mock.Anything, mock.Anything)
}

func TestDispatch_MissingEmail(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-3", `{"first_name":"Ana"}`)
	store.On("GetWebhook", mock.Anything, "wh-3").Return(record, nil)
	store.On("MarkFailed", mock.Anything, "wh-3", "No email address found in webhook data").Return(nil)

	// Missing contact is terminal on first entry, never retried
	err := d.dispatch(d.ctx, "wh-3")
	require.NoError(t, err)

	store.AssertExpectations(t)
	client.AssertNotCalled(t, "SendTemplateEmail", mock.Anything, mock.Anything)
}

func TestDispatch_EmptyPayload(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	// A form submitted with every field stripped still produces a record;
	// the dispatcher records the missing contact against it.
	record := webhookRecord("wh-13", `{}`)
	store.On("GetWebhook", mock.Anything, "wh-13").Return(record, nil)
	store.On("MarkFailed", mock.Anything, "wh-13", "No email address found in webhook data").Return(nil)

	err := d.dispatch(d.ctx, "wh-13")
	require.NoError(t, err)

	store.AssertExpectations(t)
	client.AssertNotCalled(t, "SendTemplateEmail", mock.Anything, mock.Anything)
}

func TestDispatch_SimulatedMode(t *testing.T) {
	store := &mockWebhookStore{}
	d := newTestDispatcher(store, nil, testConfig(""))

	record := webhookRecord("wh-4", `{"email":"ana@example.com","first_name":"Ana","pricemp":"950"}`)
	store.On("GetWebhook", mock.Anything, "wh-4").Return(record, nil)
	store.On("MarkProcessed", mock.Anything, "wh-4",
		"Simulated send - Brevo not configured. Would send to: ana@example.com with FIRSTNAME=Ana, PRICEMP=950").Return(nil)

	err := d.dispatch(d.ctx, "wh-4")
	require.NoError(t, err)

	store.AssertExpectations(t)
}

func TestDispatch_DuplicateDelivery(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-5", `{"email":"ana@example.com"}`)
	record.Processed = true
	store.On("GetWebhook", mock.Anything, "wh-5").Return(record, nil)

	err := d.dispatch(d.ctx, "wh-5")
	require.NoError(t, err)

	store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "SendTemplateEmail", mock.Anything, mock.Anything)
}

func TestDispatch_RecordVanished(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	store.On("GetWebhook", mock.Anything, "wh-6").Return(nil, nil)

	err := d.dispatch(d.ctx, "wh-6")
	require.NoError(t, err)

	client.AssertNotCalled(t, "SendTemplateEmail", mock.Anything, mock.Anything)
}

func TestDispatch_NestedEntriesContact(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-7", `{"entries": "{\"mf-email\":\"a@b.com\",\"mf-listing-fname\":\"Ana\"}"}`)
	store.On("GetWebhook", mock.Anything, "wh-7").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.MatchedBy(func(email *types.EmailRequest) bool {
		return email.To[0].Email == "a@b.com" && email.Params["FIRSTNAME"] == "Ana"
	})).Return(&types.Response{Success: true, MessageID: "<msg-7>", StatusCode: 201}, nil)
	client.On("AddContactToList", mock.Anything, "a@b.com", 17, mock.Anything, true).
		Return(&types.Response{Success: true, StatusCode: 201}, nil)
	store.On("MarkProcessed", mock.Anything, "wh-7", "Email sent via Brevo. Message ID: <msg-7>").Return(nil)

	err := d.dispatch(d.ctx, "wh-7")
	require.NoError(t, err)

	store.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestDispatch_ListAddFailureDoesNotFlipOutcome(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-8", `{"email":"ana@example.com"}`)
	store.On("GetWebhook", mock.Anything, "wh-8").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.Anything).
		Return(&types.Response{Success: true, MessageID: "<msg-8>", StatusCode: 201}, nil)
	client.On("AddContactToList", mock.Anything, "ana@example.com", 17, mock.Anything, true).
		Return(nil, stderrors.New("connection refused"))
	store.On("MarkProcessed", mock.Anything, "wh-8", "Email sent via Brevo. Message ID: <msg-8>").Return(nil)

	err := d.dispatch(d.ctx, "wh-8")
	require.NoError(t, err)

	store.AssertExpectations(t)
}

func TestDispatch_ProviderStatusSurvivesExhaustedRetries(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-12", `{"email":"ana@example.com"}`)
	sendErr := fmt.Errorf("brevo POST /smtp/email failed: %w",
		&brevo.ServerError{StatusCode: 503, Body: "upstream down"})
	store.On("GetWebhook", mock.Anything, "wh-12").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.Anything).Return(nil, sendErr)
	store.On("MarkFailed", mock.Anything, "wh-12", mock.Anything).Return(nil)

	err := d.dispatch(d.ctx, "wh-12")
	require.Error(t, err)

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, 503, appErr.Context["status_code"])
	assert.Equal(t, "/smtp/email", appErr.Context["endpoint"])
}

func TestProcessJob_ProviderFailureRetriesThenExhausts(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-9", `{"email":"ana@example.com"}`)
	store.On("GetWebhook", mock.Anything, "wh-9").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.Anything).
		Return(nil, stderrors.New("context deadline exceeded"))
	store.On("MarkFailed", mock.Anything, "wh-9", "Exception: context deadline exceeded").Return(nil)
	store.On("MarkFailed", mock.Anything, "wh-9", mock.MatchedBy(func(note string) bool {
		return note == "Failed after 3 attempts: BREVO_API: brevo API call failed: context deadline exceeded"
	})).Return(nil)

	d.processJob("wh-9")

	client.AssertNumberOfCalls(t, "SendTemplateEmail", 3)
	client.AssertNotCalled(t, "AddContactToList", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestProcessJob_APIErrorRetried(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	d := newTestDispatcher(store, client, testConfig("key"))

	record := webhookRecord("wh-10", `{"email":"ana@example.com"}`)
	store.On("GetWebhook", mock.Anything, "wh-10").Return(record, nil)
	client.On("SendTemplateEmail", mock.Anything, mock.Anything).
		Return(&types.Response{Success: false, StatusCode: 400, Error: "Invalid sender"}, nil).Once()
	client.On("SendTemplateEmail", mock.Anything, mock.Anything).
		Return(&types.Response{Success: true, MessageID: "<msg-10>", StatusCode: 201}, nil).Once()
	client.On("AddContactToList", mock.Anything, "ana@example.com", 17, mock.Anything, true).
		Return(&types.Response{Success: true, StatusCode: 201}, nil)
	store.On("MarkFailed", mock.Anything, "wh-10", "Brevo API error: Invalid sender").Return(nil)
	store.On("MarkProcessed", mock.Anything, "wh-10", "Email sent via Brevo. Message ID: <msg-10>").Return(nil)

	d.processJob("wh-10")

	client.AssertNumberOfCalls(t, "SendTemplateEmail", 2)
	store.AssertExpectations(t)
}

func TestDispatcher_StartStop(t *testing.T) {
	store := &mockWebhookStore{}
	client := &mockBrevoClient{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	store.On("ListUnhandled", mock.Anything).Return([]*models.WebhookRecord{}, nil)

	d := NewDispatcher(store, client, testConfig("key"), logger)
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.IsRunning())

	err := d.Start(context.Background())
	assert.Error(t, err)

	d.Stop()
	assert.False(t, d.IsRunning())

	// Stop is idempotent
	d.Stop()
}

func TestDispatcher_RecoversUnhandledOnStart(t *testing.T) {
	store := &mockWebhookStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	record := webhookRecord("wh-11", `{"email":"ana@example.com"}`)
	done := make(chan struct{})

	store.On("ListUnhandled", mock.Anything).Return([]*models.WebhookRecord{record}, nil)
	store.On("GetWebhook", mock.Anything, "wh-11").Return(record, nil)
	store.On("MarkProcessed", mock.Anything, "wh-11", mock.Anything).Run(func(args mock.Arguments) {
		close(done)
	}).Return(nil)

	d := NewDispatcher(store, nil, testConfig(""), logger)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recovered webhook was never dispatched")
	}
}

func TestDispatcher_EnqueueFullQueue(t *testing.T) {
	store := &mockWebhookStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := testConfig("")
	cfg.Dispatch.QueueSize = 1

	// Not started: nothing drains the queue
	d := NewDispatcher(store, nil, cfg, logger)

	assert.True(t, d.Enqueue("wh-a"))
	assert.False(t, d.Enqueue("wh-b"))
}

func TestDispatcher_EnqueueDuplicateIsNoOp(t *testing.T) {
	store := &mockWebhookStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	d := NewDispatcher(store, nil, testConfig(""), logger)

	assert.True(t, d.Enqueue("wh-a"))
	assert.True(t, d.Enqueue("wh-a"))
	assert.Equal(t, 1, len(d.jobs))
}

func TestDispatcher_RescanDispatchesDroppedJob(t *testing.T) {
	store := &mockWebhookStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := testConfig("")
	cfg.Dispatch.QueueSize = 1

	d := NewDispatcher(store, nil, cfg, logger)
	d.rescanEvery = 10 * time.Millisecond

	blocker := webhookRecord("wh-blocker", `{"email":"a@b.com"}`)
	dropped := webhookRecord("wh-dropped", `{"email":"c@d.com"}`)

	// Fill the queue before the workers run, then lose a job to it
	require.True(t, d.Enqueue("wh-blocker"))
	require.False(t, d.Enqueue("wh-dropped"))

	done := make(chan struct{})
	var once sync.Once
	store.On("ListUnhandled", mock.Anything).Return([]*models.WebhookRecord{dropped}, nil)
	store.On("GetWebhook", mock.Anything, "wh-blocker").Return(blocker, nil)
	store.On("GetWebhook", mock.Anything, "wh-dropped").Return(dropped, nil)
	store.On("MarkProcessed", mock.Anything, "wh-blocker", mock.Anything).Return(nil)
	store.On("MarkProcessed", mock.Anything, "wh-dropped", mock.Anything).Run(func(mock.Arguments) {
		once.Do(func() { close(done) })
	}).Return(nil)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	// The dropped job must reach a terminal state without a restart
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dropped job was never picked up by the recovery scan")
	}
}
