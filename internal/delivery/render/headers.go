package render

import (
	"fmt"

	"github.com/google/uuid"
)

// ComplianceHeaders builds the bulk-mail headers every campaign message
// carries: RFC 8058 one-click unsubscribe, Precedence, a per-message
// Feedback-ID for provider feedback loops, and a synthesized RFC 5322
// message identifier.
func ComplianceHeaders(unsubURL string, campaignID, contactID uuid.UUID, idDomain string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", unsubURL),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		"Precedence":            "bulk",
		"Feedback-ID":           fmt.Sprintf("%s:%s:mailkite", campaignID, contactID),
		"Message-ID":            fmt.Sprintf("<%s@%s>", uuid.NewString(), idDomain),
	}
}
