// Package dedup decides whether a candidate application outcome refers to an
// already-tracked record or a new one, and merges it into the collection
// without creating duplicates. Producers observe company and role strings
// with inconsistent casing, punctuation and derived titles for the same
// real-world application, so identity is fuzzy rather than exact.
package dedup

import (
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

// Result reports what Upsert did with a candidate.
type Result string

// upsert outcomes
const (
	Added   Result = "added"
	Updated Result = "updated"
)

// Candidate is one application outcome submitted by a producer, either a
// completed task or a classified confirmation email.
type Candidate struct {
	Company string
	Role    string // empty when the producer has no reliable role, e.g. a vague confirmation email
	JobURL  string

	// provenance
	TaskID        string
	Cost          float64
	InputTokens   int
	OutputTokens  int
	EmailVerified bool
	Note          string
	Timestamp     time.Time // zero means now
}

// Upsert merges the candidate into the collection. On a match only
// within-scope fields change: email_verified, updated_at and an appended
// note. Company, role, status and historical fields are never overwritten.
// On no match a new applied-status record is inserted at the head.
func Upsert(c *store.Collection, cand Candidate) Result {
	now := cand.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if rec := Match(c.Jobs, cand.Company, cand.Role, cand.JobURL); rec != nil {
		if cand.EmailVerified {
			rec.EmailVerified = true
		}
		rec.UpdatedAt = now
		if cand.Note != "" && !strings.Contains(rec.Notes, cand.Note) {
			rec.Notes = strings.TrimSpace(rec.Notes + "\n" + cand.Note)
		}
		return Updated
	}

	rec := &store.JobRecord{
		ID:            strings.ToUpper(uuid.NewString()),
		Company:       cand.Company,
		Role:          cand.Role,
		Status:        enums.StatusApplied,
		AppliedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
		EmailVerified: cand.EmailVerified,
		AuditTrail:    []string{},
		Synced:        true,
		Notes:         cand.Note,
	}
	if cand.JobURL != "" {
		rec.JobURL = &cand.JobURL
	}
	if cand.TaskID != "" {
		taskID := cand.TaskID
		rec.BrowserUseTaskID = &taskID
	}
	if cand.Cost > 0 || cand.InputTokens > 0 || cand.OutputTokens > 0 {
		rec.ApplicationCost = cand.Cost
		rec.Tokens = &store.TokenUsage{Input: cand.InputTokens, Output: cand.OutputTokens}
	}
	c.InsertJob(rec)
	return Added
}

// Match finds the existing record the (company, role, jobURL) triple refers
// to, nil if none. Priority: exact URL match is authoritative and ends the
// search, then fuzzy company+role, then company-only when no role is given.
// A company-only tie is broken deterministically by most recent update.
func Match(jobs []*store.JobRecord, company, role, jobURL string) *store.JobRecord {
	if jobURL != "" {
		for _, j := range jobs {
			if j.JobURL != nil && *j.JobURL == jobURL {
				return j
			}
		}
	}

	normCompany := Normalize(company)
	if normCompany == "" {
		return nil
	}

	var companyOnly []*store.JobRecord
	for _, j := range jobs {
		if Normalize(j.Company) != normCompany {
			continue
		}
		if role != "" {
			if rolesOverlap(role, j.Role) {
				return j
			}
			continue
		}
		companyOnly = append(companyOnly, j)
	}

	if role != "" || len(companyOnly) == 0 {
		return nil
	}
	best := companyOnly[0]
	for _, j := range companyOnly[1:] {
		if j.UpdatedAt.After(best.UpdatedAt) {
			best = j
		}
	}
	if len(companyOnly) > 1 {
		log.Printf("[WARN] ambiguous company-only match for %q, %d records, picked most recently updated %s",
			company, len(companyOnly), best.ID)
	}
	return best
}

// Normalize lowers the string and strips spaces, hyphens and underscores,
// the identity form used for all fuzzy comparisons.
func Normalize(s string) string {
	s = strings.ToLower(s)
	for _, cut := range []string{" ", "-", "_"} {
		s = strings.ReplaceAll(s, cut, "")
	}
	return s
}

// rolesOverlap tests normalized containment in either direction, so
// "Product Manager" matches a stored "Senior Product Manager" and vice versa.
func rolesOverlap(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// DisplayCompany turns a slug-ish company name, as scraped from a job URL,
// into a display string: separators to spaces, words title-cased.
func DisplayCompany(s string) string {
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// VerificationNote is the note appended to a record when a confirmation email
// is correlated to it.
func VerificationNote(ts time.Time) string {
	return fmt.Sprintf("Email confirmation received on %s", ts.UTC().Format("2006-01-02"))
}
