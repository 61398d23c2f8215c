package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Brevo    BrevoConfig    `json:"brevo"`
	Webhook  WebhookConfig  `json:"webhook"`
	Dispatch DispatchConfig `json:"dispatch"`
	Retry    RetryConfig    `json:"retry"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// ServerConfig holds HTTP server related configurations
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// BrevoConfig holds Brevo API related configurations. An empty APIKey is
// legal and switches the dispatcher into simulated-send mode.
type BrevoConfig struct {
	APIKey            string      `json:"api_key"`
	BaseURL           string      `json:"base_url"`
	DefaultSender     SenderEmail `json:"default_sender"`
	DefaultTemplateID int         `json:"default_template_id"`
	DefaultListID     int         `json:"default_list_id"`
	TimeoutSec        int         `json:"timeout_sec"`
	RetryCount        int         `json:"retry_count"`
}

// SenderEmail identifies the configured default sender
type SenderEmail struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// WebhookConfig holds webhook routing configurations
type WebhookConfig struct {
	AllowedReferrers []string `json:"allowed_referrers"`
}

// DispatchConfig holds dispatch worker pool configurations
type DispatchConfig struct {
	Workers           int `json:"workers"`
	QueueSize         int `json:"queue_size"`
	RescanIntervalSec int `json:"rescan_interval_sec"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry tracing configurations
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}
