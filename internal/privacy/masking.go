package privacy

import (
	"strings"
)

// MaskEmail masks an email address for log output, keeping the first
// character of the local part and the full domain.
// Example: "ana@example.com" -> "a**@example.com"
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 {
		// Not a recognizable address, mask everything
		return strings.Repeat("*", len(email))
	}

	local := email[:at]
	domain := email[at:]

	if len(local) == 1 {
		return "*" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskName masks a personal name, keeping only the first character.
// Example: "Ana" -> "A**"
func MaskName(name string) string {
	if name == "" {
		return ""
	}
	if len(name) == 1 {
		return "*"
	}
	return name[:1] + strings.Repeat("*", len(name)-1)
}
