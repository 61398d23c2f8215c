// Package extract holds the pure payload interpretation logic: deciding
// whether a webhook is eligible for dispatch, and resolving a canonical
// contact out of the loosely-structured form payload.
package extract

import (
	"encoding/json"
	"strings"

	"formrelay/internal/constants"
	"formrelay/internal/errors"
	"formrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// Lookup key chains per logical field, first present-and-non-empty wins.
// Nested keys address the separately JSON-encoded "entries" sub-document
// and always take priority over the flatter payload fields. New source key
// names go here, not into control flow.
var (
	emailEntryKeys = []string{"mf-email"}
	emailFlatKeys  = []string{"email", "user_email"}

	firstNameEntryKeys = []string{"mf-listing-fname"}
	firstNameFlatKeys  = []string{"first_name", "name", "firstname"}

	priceEntryKeys = []string{"mf-listing-pricemp"}
	priceFlatKeys  = []string{"pricemp", "price", "PRICEMP"}

	referrerEntryKeys = []string{"referrer_url"}
	referrerFlatKeys  = []string{"referrer_url"}
)

// Contact is the canonical recipient resolved from a webhook payload.
type Contact struct {
	Email     string
	FirstName string
	Price     string
}

// ParseEntries decodes the nested "entries" field, which arrives as a
// JSON-encoded string rather than an already-parsed document. A missing
// field or a parse failure both yield nil: malformed entries are treated as
// absent, never as an error.
func ParseEntries(payload models.Payload, logger *logrus.Logger) models.Payload {
	raw, ok := payload["entries"]
	if !ok {
		return nil
	}

	text, ok := raw.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}

	var entries models.Payload
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		if logger != nil {
			logger.WithError(err).Debug("Failed to parse nested entries document, treating as absent")
		}
		return nil
	}

	return entries
}

// IsEligible reports whether the webhook should be dispatched, based on its
// declared origin. Absent referrers pass (permissive default for older form
// versions); present ones must equal or extend one of the allowed source
// URLs. It also returns the referrer it examined, for skip notes.
func IsEligible(payload, entries models.Payload, allowedReferrers []string) (bool, string) {
	referrer := resolveField(payload, entries, referrerEntryKeys, referrerFlatKeys)
	if referrer == "" {
		return true, ""
	}

	if len(allowedReferrers) == 0 {
		allowedReferrers = constants.DefaultAllowedReferrers
	}

	for _, allowed := range allowedReferrers {
		if strings.HasPrefix(referrer, allowed) {
			return true, referrer
		}
	}

	return false, referrer
}

// ResolveContact pulls the canonical contact out of the payload, preferring
// nested entries values over flatter fields. A missing first name defaults
// to "Guest" and a missing price to ""; a missing email is a permanent
// data defect and fails resolution.
func ResolveContact(payload, entries models.Payload) (*Contact, error) {
	email := resolveField(payload, entries, emailEntryKeys, emailFlatKeys)
	if email == "" {
		return nil, errors.NewMissingContactError()
	}

	firstName := resolveField(payload, entries, firstNameEntryKeys, firstNameFlatKeys)
	if firstName == "" {
		firstName = constants.DefaultGuestFirstName
	}

	return &Contact{
		Email:     email,
		FirstName: firstName,
		Price:     resolveField(payload, entries, priceEntryKeys, priceFlatKeys),
	}, nil
}

func resolveField(payload, entries models.Payload, entryKeys, flatKeys []string) string {
	for _, key := range entryKeys {
		if entries != nil {
			if v := entries.Field(key); v != "" {
				return v
			}
		}
	}
	for _, key := range flatKeys {
		if v := payload.Field(key); v != "" {
			return v
		}
	}
	return ""
}
