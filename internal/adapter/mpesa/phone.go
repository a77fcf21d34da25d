package mpesa

import (
	"regexp"
	"strings"

	"github.com/yourorg/marketplace-payments/internal/adapter"
)

const countryPrefix = "254"

var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone canonicalizes a subscriber number to international format.
// "0712345678", "+254712345678" and "254712345678" all normalize to
// "254712345678"; anything else is ErrInvalidParams. The rail only accepts
// the canonical form, and callers supplying either format must behave
// identically, so this runs on every initiate.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "+")
	p = strings.ReplaceAll(p, " ", "")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = countryPrefix + p[1:]
	}
	if !msisdnPattern.MatchString(p) {
		return "", adapter.ErrInvalidParams
	}
	return p, nil
}
