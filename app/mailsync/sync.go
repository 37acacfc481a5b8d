// Package mailsync reconciles inbound confirmation emails with the tracker
// store. A pass fetches recent mail threads, classifies application
// confirmations, correlates them to records through the dedup engine and
// persists both the store and its own processed-threads state, so repeated
// passes over the same inbox are no-ops.
package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/sourabhkatti/applicator/app/dedup"
	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

// ThreadFetcher retrieves recent mail threads, implemented by Client.
type ThreadFetcher interface {
	RecentThreads(ctx context.Context, window time.Duration) ([]Thread, error)
}

// Engine runs reconciliation passes against one store and one mail feed.
type Engine struct {
	Store     *store.Store
	Fetcher   ThreadFetcher
	StatePath string        // processed-threads state file, sibling of the store
	Window    time.Duration // how far back to fetch threads

	NotifyDestinations []string // optional pass-summary notifications (slack://, webhook url, ...)

	lockTimeout time.Duration
	now         func() time.Time
}

// NewEngine makes a reconciliation engine.
func NewEngine(s *store.Store, fetcher ThreadFetcher, statePath string, window time.Duration) *Engine {
	if window <= 0 {
		window = 60 * time.Minute
	}
	return &Engine{
		Store:       s,
		Fetcher:     fetcher,
		StatePath:   statePath,
		Window:      window,
		lockTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PassSummary reports what a single reconciliation pass did.
type PassSummary struct {
	Fetched       int       `json:"fetched"`
	New           int       `json:"new"`
	Confirmations int       `json:"confirmations"`
	Added         int       `json:"added"`
	Updated       int       `json:"updated"`
	Timestamp     time.Time `json:"timestamp"`
}

// syncState is the persisted processed-threads set.
type syncState struct {
	ProcessedThreads []string  `json:"processed_threads"`
	LastSync         time.Time `json:"last_sync"`
}

// RunPass executes one fetch-filter-classify-correlate-merge-persist cycle.
// Mail API failures are recoverable: the pass yields zero threads and leaves
// all state untouched so the next pass retries cleanly. Store write failures
// propagate.
func (e *Engine) RunPass(ctx context.Context) (PassSummary, error) {
	summary := PassSummary{Timestamp: e.now()}

	threads, err := e.Fetcher.RecentThreads(ctx, e.Window)
	if err != nil {
		log.Printf("[WARN] mail fetch failed, skipping pass: %v", err)
		return summary, nil
	}
	summary.Fetched = len(threads)

	processed, err := e.loadState()
	if err != nil {
		return summary, err
	}

	type confirmation struct {
		thread  Thread
		company string
		role    string // empty when extraction failed, matched on company alone
		roleOK  bool
	}
	var confirmations []confirmation
	var newIDs []string

	for _, t := range threads {
		if t.ThreadID == "" {
			continue
		}
		if _, ok := processed[t.ThreadID]; ok {
			continue
		}
		// every evaluated thread is marked processed regardless of outcome,
		// malformed or ambiguous threads are not retried forever
		newIDs = append(newIDs, t.ThreadID)
		summary.New++

		if !IsConfirmation(t.Subject, t.Preview) {
			continue
		}
		company := CompanyFromSender(t.Sender)
		if company == "" {
			log.Printf("[WARN] confirmation thread %s has no usable sender %q", t.ThreadID, t.Sender)
			continue
		}
		role, ok := RoleFromText(t.Subject, t.Preview)
		confirmations = append(confirmations, confirmation{thread: t, company: company, role: role, roleOK: ok})
	}
	summary.Confirmations = len(confirmations)

	if len(newIDs) == 0 {
		log.Printf("[DEBUG] reconciliation pass: %d threads, nothing new", summary.Fetched)
		return summary, nil
	}

	err = e.Store.Update(ctx, func(c *store.Collection) error {
		for _, cf := range confirmations {
			ts := cf.thread.Timestamp
			if ts.IsZero() {
				ts = e.now()
			}
			role := cf.role
			if !cf.roleOK {
				role = DefaultRole
			}
			cand := dedup.Candidate{
				Company:       cf.company,
				Role:          cf.role, // empty role correlates on company alone
				EmailVerified: true,
				Note:          dedup.VerificationNote(ts),
				Timestamp:     ts,
			}
			// a confirmation email is itself evidence an application happened,
			// no match still produces a record
			if dedup.Match(c.Jobs, cf.company, cf.role, "") == nil {
				cand.Role = role
				cand.Note = fmt.Sprintf("Auto-added from email confirmation. Email verified on %s.", ts.Format("2006-01-02"))
			}
			switch dedup.Upsert(c, cand) {
			case dedup.Added:
				summary.Added++
				log.Printf("[INFO] new confirmation for %s - %s, record added", cf.company, role)
			case dedup.Updated:
				summary.Updated++
				log.Printf("[INFO] confirmation for %s correlated to existing record", cf.company)
			}
		}
		c.Settings.LastEmailSync = e.now()
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("can't persist reconciliation results: %w", err)
	}

	for _, id := range newIDs {
		processed[id] = struct{}{}
	}
	if err := e.saveState(ctx, processed); err != nil {
		return summary, err
	}

	log.Printf("[INFO] reconciliation pass: %d threads, %d new, %d confirmations, %d added, %d updated",
		summary.Fetched, summary.New, summary.Confirmations, summary.Added, summary.Updated)
	e.notifySummary(ctx, summary)
	return summary, nil
}

// RunContinuous repeats passes until the context is cancelled, either on a
// fixed interval or on a cron schedule when one is provided.
func (e *Engine) RunContinuous(ctx context.Context, interval time.Duration, schedule string) error {
	if schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(schedule, func() {
			if _, err := e.RunPass(ctx); err != nil {
				log.Printf("[ERROR] scheduled reconciliation pass failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("can't parse sync schedule %q: %w", schedule, err)
		}
		log.Printf("[INFO] continuous reconciliation on schedule %q", schedule)
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	}

	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[INFO] continuous reconciliation every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunPass(ctx); err != nil {
			log.Printf("[ERROR] reconciliation pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WaitForConfirmation polls the inbox for a confirmation specific to one
// company, up to timeout. It returns the matching thread or false, never an
// error: absence of confirmation is a result the caller interprets.
func (e *Engine) WaitForConfirmation(ctx context.Context, company string, timeout, pollInterval time.Duration) (Thread, bool) {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	maxAttempts := int(timeout / pollInterval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Printf("[DEBUG] checking inbox for %s confirmation, attempt %d/%d", company, attempt, maxAttempts)
		threads, err := e.Fetcher.RecentThreads(ctx, 5*time.Minute)
		if err != nil {
			log.Printf("[WARN] mail fetch failed during wait: %v", err)
		}
		for _, t := range threads {
			if matchesCompany(t, company) && hasWaitKeyword(t.Subject) {
				log.Printf("[INFO] confirmation for %s received: %q", company, t.Subject)
				return t, true
			}
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Thread{}, false
		case <-time.After(pollInterval):
		}
	}
	log.Printf("[INFO] no confirmation for %s within %v", company, timeout)
	return Thread{}, false
}

// VerifySummary reports what a strict verification run did.
type VerifySummary struct {
	Checked  int `json:"checked"`
	Verified int `json:"verified"`
	Removed  int `json:"removed"`
	Skipped  int `json:"skipped"`
}

// VerifyPending is the strict, destructive cleanup: every record in
// pending-verification status either gets confirmed by a matching email or is
// removed. Records younger than minAge are skipped so a confirmation that
// simply hasn't arrived yet can't cost a fresh record. Unlike the regular
// pass, a mail fetch failure aborts: deleting on an empty inbox read would
// wipe every pending record.
func (e *Engine) VerifyPending(ctx context.Context, minAge time.Duration) (VerifySummary, error) {
	var summary VerifySummary

	threads, err := e.Fetcher.RecentThreads(ctx, e.Window)
	if err != nil {
		return summary, fmt.Errorf("can't fetch mail for verification: %w", err)
	}

	err = e.Store.Update(ctx, func(c *store.Collection) error {
		kept := make([]*store.JobRecord, 0, len(c.Jobs))
		for _, j := range c.Jobs {
			if j.Status != enums.StatusPendingVerification {
				kept = append(kept, j)
				continue
			}
			summary.Checked++

			if confirmedByEmail(j, threads) {
				j.Status = enums.StatusApplied
				j.EmailVerified = true
				j.UpdatedAt = e.now()
				summary.Verified++
				kept = append(kept, j)
				log.Printf("[INFO] %s verified by confirmation email", j.Company)
				continue
			}

			age := e.now().Sub(j.CreatedAt)
			if j.CreatedAt.IsZero() || age < minAge {
				summary.Skipped++
				kept = append(kept, j)
				log.Printf("[INFO] %s unconfirmed but only %v old, keeping for next scan", j.Company, age.Round(time.Second))
				continue
			}

			summary.Removed++
			log.Printf("[WARN] removing unverified record for %s - %s, no confirmation email", j.Company, j.Role)
		}
		c.Jobs = kept
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("can't persist verification results: %w", err)
	}
	return summary, nil
}

// confirmedByEmail reports whether any thread received after the record's
// application time matches the record's company by sender domain or subject.
func confirmedByEmail(j *store.JobRecord, threads []Thread) bool {
	norm := dedup.Normalize(j.Company)
	if norm == "" {
		return false
	}
	submitted := j.AppliedAt
	if submitted.IsZero() {
		submitted = j.CreatedAt
	}
	for _, t := range threads {
		if !t.Timestamp.IsZero() && !submitted.IsZero() && t.Timestamp.Before(submitted) {
			continue
		}
		domain := strings.ReplaceAll(dedup.Normalize(senderDomain(t.Sender)), ".", "")
		if strings.Contains(domain, norm) || strings.Contains(dedup.Normalize(t.Subject), norm) {
			return true
		}
	}
	return false
}

// senderDomain extracts the domain part of a sender like
// "Globex Hiring <no-reply@globex.io>".
func senderDomain(sender string) string {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return sender
	}
	domain := sender[at+1:]
	return strings.TrimRight(domain, "> ")
}

// loadState reads the processed-threads set. Missing file is a normal empty
// state, malformed content degrades to empty with a warning.
func (e *Engine) loadState() (map[string]struct{}, error) {
	res := map[string]struct{}{}
	data, err := os.ReadFile(e.StatePath) //nolint:gosec // path is operator-provided
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] can't read sync state %s: %v", e.StatePath, err)
		}
		return res, nil
	}
	var st syncState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("[WARN] malformed sync state %s, starting fresh: %v", e.StatePath, err)
		return res, nil
	}
	for _, id := range st.ProcessedThreads {
		res[id] = struct{}{}
	}
	return res, nil
}

// saveState writes the processed-threads set atomically under the same
// advisory-lock discipline as the store.
func (e *Engine) saveState(ctx context.Context, processed map[string]struct{}) error {
	ids := make([]string, 0, len(processed))
	for id := range processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.MarshalIndent(syncState{ProcessedThreads: ids, LastSync: e.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("can't encode sync state: %w", err)
	}

	lock := flock.New(e.StatePath + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("sync state lock timeout on %s", e.StatePath)
		}
		return fmt.Errorf("can't lock sync state %s: %w", e.StatePath, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock sync state %s: %v", e.StatePath, err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(e.StatePath), ".sync-state-*")
	if err != nil {
		return fmt.Errorf("can't create temp sync state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write sync state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't finalize sync state write: %w", err)
	}
	if err = os.Rename(tmp.Name(), e.StatePath); err != nil {
		return fmt.Errorf("can't replace sync state %s: %w", e.StatePath, err)
	}
	return nil
}

// notifySummary sends a short pass summary to the configured destinations,
// best effort.
func (e *Engine) notifySummary(ctx context.Context, s PassSummary) {
	if len(e.NotifyDestinations) == 0 || s.Added+s.Updated == 0 {
		return
	}
	text := fmt.Sprintf("applicator: %d confirmation(s) reconciled, %d added, %d updated", s.Confirmations, s.Added, s.Updated)
	for _, dest := range e.NotifyDestinations {
		if err := notify.Send(ctx, dest, text); err != nil {
			log.Printf("[WARN] can't notify %s: %v", dest, err)
		}
	}
}
