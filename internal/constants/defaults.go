package constants

// Default server configuration values
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
)

// Default dispatch configuration values
const (
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 256
	DefaultRescanIntervalSec = 60
	DefaultRetryBackoffMs    = 1000
	DefaultMaxBackoffMs      = 60000
	DefaultMaxAttempts       = 5
)

// Default Brevo API configuration values
const (
	DefaultBrevoBaseURL      = "https://api.brevo.com/v3"
	DefaultBrevoTimeoutSec   = 30
	DefaultBrevoRetryCount   = 3
	DefaultBrevoRetryDelayMs = 100
	DefaultBrevoTemplateID   = 105
	DefaultBrevoListID       = 17
	DefaultGuestFirstName    = "Guest"
)

// Miscellaneous internal sizes
const (
	ServerErrorChannelSize       = 1
	DefaultDatabaseRetryAttempts = 3
)

// DefaultAllowedReferrers is the allow-list applied when the configuration
// does not provide one. Matching is exact-or-prefix on the submitted
// referrer_url.
var DefaultAllowedReferrers = []string{
	"https://proiectare.bucovinasip.ro/formular",
	"https://bucovinasip.ro",
}
