// Package brevo is a typed client for the Brevo v3 transactional API.
// Transport-level failures and 5xx responses are retried a small fixed
// number of times; provider-side rejections (4xx) are returned as
// unsuccessful responses without a Go error so callers get one failure
// shape to handle.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"formrelay/pkg/brevo/types"

	"github.com/sirupsen/logrus"
)

// ServerError is a 5xx verdict from the API. It survives retry exhaustion
// as a wrapped error so callers can recover the provider status code with
// errors.As.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d, body: %s", e.StatusCode, e.Body)
}

type Client interface {
	SendTemplateEmail(ctx context.Context, email *types.EmailRequest) (*types.Response, error)
	AddContactToList(ctx context.Context, email string, listID int, attributes map[string]interface{}, updateEnabled bool) (*types.Response, error)
	GetAccount(ctx context.Context) (map[string]interface{}, error)
	TestConnection(ctx context.Context) bool
}

// ClientConfig carries the knobs for a BrevoClient.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

type BrevoClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	retryCount int
	retryDelay time.Duration
	logger     *logrus.Logger
}

func NewClient(cfg ClientConfig) Client {
	return NewClientWithLogger(cfg, nil)
}

func NewClientWithLogger(cfg ClientConfig, logger *logrus.Logger) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &BrevoClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.Timeout},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// SendTemplateEmail performs POST /smtp/email.
func (c *BrevoClient) SendTemplateEmail(ctx context.Context, email *types.EmailRequest) (*types.Response, error) {
	if err := email.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email request: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"template_id": email.TemplateID,
		"recipients":  len(email.To),
	}).Info("Sending Brevo template email")

	return c.post(ctx, "/smtp/email", email)
}

// AddContactToList performs POST /contacts, placing the contact on the
// given list with optional attributes.
func (c *BrevoClient) AddContactToList(ctx context.Context, email string, listID int, attributes map[string]interface{}, updateEnabled bool) (*types.Response, error) {
	payload := &types.ContactRequest{
		Email:         email,
		ListIDs:       []int{listID},
		Attributes:    attributes,
		UpdateEnabled: updateEnabled,
	}

	c.logger.WithFields(logrus.Fields{
		"list_id": listID,
	}).Info("Adding Brevo contact to list")

	return c.post(ctx, "/contacts", payload)
}

// GetAccount performs GET /account.
func (c *BrevoClient) GetAccount(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("brevo API error: status %d: %s", resp.StatusCode, resp.Error)
	}
	return resp.Data, nil
}

// TestConnection reports whether the API key can read the account.
func (c *BrevoClient) TestConnection(ctx context.Context) bool {
	_, err := c.GetAccount(ctx)
	return err == nil
}

func (c *BrevoClient) post(ctx context.Context, endpoint string, payload interface{}) (*types.Response, error) {
	return c.do(ctx, http.MethodPost, endpoint, payload)
}

// do runs the request with a bounded retry on connection errors and 5xx
// responses. 4xx responses are provider verdicts and are never retried.
func (c *BrevoClient) do(ctx context.Context, method, endpoint string, payload interface{}) (*types.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		resp, retryable, err := c.doOnce(ctx, method, endpoint, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable || attempt == c.retryCount {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt,
		}).WithError(err).Warn("Brevo request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	return nil, fmt.Errorf("brevo %s %s failed: %w", method, endpoint, lastErr)
}

func (c *BrevoClient) doOnce(ctx context.Context, method, endpoint string, body []byte) (*types.Response, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// DNS, TLS, refused connections and timeouts all land here
		return nil, true, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, &ServerError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return c.mapResponse(resp.StatusCode, respBody), false, nil
}

// mapResponse normalizes an HTTP verdict into a Response. 204 responses
// (contact updated) carry no body.
func (c *BrevoClient) mapResponse(statusCode int, body []byte) *types.Response {
	var data map[string]interface{}
	if len(body) > 0 {
		// Tolerate non-JSON bodies; the raw text still lands in Error below
		_ = json.Unmarshal(body, &data)
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		response := &types.Response{
			Success:    true,
			StatusCode: statusCode,
			Data:       data,
		}
		if id, ok := data["messageId"].(string); ok {
			response.MessageID = id
		}
		return response
	}

	errText := string(body)
	if msg, ok := data["message"].(string); ok && msg != "" {
		errText = msg
	}

	c.logger.WithFields(logrus.Fields{
		"status": statusCode,
		"error":  errText,
	}).Error("Brevo API request failed")

	return &types.Response{
		Success:    false,
		StatusCode: statusCode,
		Error:      errText,
		Data:       data,
	}
}
