package mailsync

import (
	"regexp"
	"strings"

	"github.com/sourabhkatti/applicator/app/dedup"
)

// DefaultRole is the placeholder role assigned to records created from
// confirmation emails that don't name a position.
const DefaultRole = "Product Manager"

// confirmationPhrases mark a thread as an application confirmation when any
// of them appears in the combined subject+preview text.
var confirmationPhrases = []string{
	"thank you for applying",
	"thanks for applying",
	"received your application",
	"we've received your application",
	"application received",
	"thank you for your application",
	"thanks for your application",
	"application has been received",
	"appreciate your interest",
}

// waitKeywords is the wider keyword set used by the synchronous wait mode,
// where the company is already known and a looser subject test is acceptable.
var waitKeywords = []string{
	"thank you", "thanks for", "application", "received",
	"submitted", "applying", "confirmation",
}

// senderSuffixes are trimmed off sender display names to recover the bare
// company, e.g. "Material Security Hiring Team" -> "Material Security".
var senderSuffixes = []string{" Hiring Team", " Recruiting Team", " Recruiting", "The ", " Team"}

var (
	reRolePhrase   = regexp.MustCompile(`for (?:the )?([A-Z][^.!?]+?)(?:role|position)`)
	reRoleApplied  = regexp.MustCompile(`application for (?:the )?([A-Z][^.!?]+?)(?:\.|!)`)
	reRoleTrailing = regexp.MustCompile(`\s+at\s+\w+.*$`)
)

// IsConfirmation reports whether the thread looks like an application
// confirmation based on its subject and preview text.
func IsConfirmation(subject, preview string) bool {
	text := strings.ToLower(subject) + " " + strings.ToLower(preview)
	for _, phrase := range confirmationPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// CompanyFromSender extracts the company from a sender display name, dropping
// the address part and the usual hiring-team suffixes.
func CompanyFromSender(sender string) string {
	if idx := strings.Index(sender, "<"); idx >= 0 {
		sender = sender[:idx]
	}
	sender = strings.TrimSpace(sender)
	for _, suffix := range senderSuffixes {
		sender = strings.ReplaceAll(sender, suffix, "")
	}
	return strings.TrimSpace(sender)
}

// RoleFromText extracts the position from phrases like "for the X role" or
// "application for X". The second result is false when no pattern matched,
// callers then correlate on company alone and fall back to DefaultRole for
// new records.
func RoleFromText(subject, preview string) (string, bool) {
	combined := subject + " " + preview

	if m := reRolePhrase.FindStringSubmatch(combined); m != nil {
		role := strings.TrimSpace(m[1])
		role = reRoleTrailing.ReplaceAllString(role, "") // drop "at Company" tails
		return strings.TrimSpace(role), true
	}
	if m := reRoleApplied.FindStringSubmatch(combined); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// matchesCompany reports whether the thread plausibly came from the given
// company: normalized company appears in the normalized subject or sender.
func matchesCompany(t Thread, company string) bool {
	norm := dedup.Normalize(company)
	if norm == "" {
		return false
	}
	return strings.Contains(dedup.Normalize(t.Subject), norm) ||
		strings.Contains(strings.ReplaceAll(dedup.Normalize(t.Sender), ".", ""), norm)
}

// hasWaitKeyword reports whether the subject contains any of the loose
// confirmation keywords used by the synchronous wait mode.
func hasWaitKeyword(subject string) bool {
	lower := strings.ToLower(subject)
	for _, kw := range waitKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
