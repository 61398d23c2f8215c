package config

import (
	"encoding/json"
	"os"
	"strconv"

	"formrelay/internal/constants"
	"formrelay/internal/errors"
	"formrelay/internal/models"
)

var (
	ErrMissingDBPath = errors.NewConfigError("database.path", "missing database path")
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	// An absent API key is legal: the dispatcher runs in simulated mode so
	// demo environments work without credentials.
	if c.Brevo.BaseURL == "" {
		c.Brevo.BaseURL = constants.DefaultBrevoBaseURL
	}
	if c.Brevo.DefaultTemplateID <= 0 {
		c.Brevo.DefaultTemplateID = constants.DefaultBrevoTemplateID
	}
	if c.Brevo.DefaultListID <= 0 {
		c.Brevo.DefaultListID = constants.DefaultBrevoListID
	}
	if c.Brevo.TimeoutSec <= 0 {
		c.Brevo.TimeoutSec = constants.DefaultBrevoTimeoutSec
	}
	if c.Brevo.RetryCount <= 0 {
		c.Brevo.RetryCount = constants.DefaultBrevoRetryCount
	}

	if len(c.Webhook.AllowedReferrers) == 0 {
		c.Webhook.AllowedReferrers = constants.DefaultAllowedReferrers
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = constants.DefaultDispatchWorkers
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = constants.DefaultDispatchQueueSize
	}
	if c.Dispatch.RescanIntervalSec <= 0 {
		c.Dispatch.RescanIntervalSec = constants.DefaultRescanIntervalSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if key := os.Getenv("BREVO_API_KEY"); key != "" {
		c.Brevo.APIKey = key
	}
	if url := os.Getenv("BREVO_BASE_URL"); url != "" {
		c.Brevo.BaseURL = url
	}
	if email := os.Getenv("BREVO_SENDER_EMAIL"); email != "" {
		c.Brevo.DefaultSender.Email = email
	}
	if name := os.Getenv("BREVO_SENDER_NAME"); name != "" {
		c.Brevo.DefaultSender.Name = name
	}
	if id := os.Getenv("BREVO_DEFAULT_LIST_ID"); id != "" {
		if parsed, err := strconv.Atoi(id); err == nil && parsed > 0 {
			c.Brevo.DefaultListID = parsed
		}
	}
	if id := os.Getenv("BREVO_DEFAULT_TEMPLATE_ID"); id != "" {
		if parsed, err := strconv.Atoi(id); err == nil && parsed > 0 {
			c.Brevo.DefaultTemplateID = parsed
		}
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 {
			c.Server.Port = parsed
		}
	}
}
