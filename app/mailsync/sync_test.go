package mailsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

type fakeFetcher struct {
	threads []Thread
	err     error
	calls   int
}

func (f *fakeFetcher) RecentThreads(_ context.Context, _ time.Duration) ([]Thread, error) {
	f.calls++
	return f.threads, f.err
}

func makeEngine(t *testing.T, fetcher ThreadFetcher) (*Engine, *store.Store) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "jobs.json"), time.Second)
	e := NewEngine(s, fetcher, filepath.Join(dir, "sync_state.json"), time.Hour)
	return e, s
}

func TestEngine_RunPassAddsRecord(t *testing.T) {
	ts := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{threads: []Thread{
		{
			ThreadID:  "t1",
			Sender:    "Acme Hiring Team <no-reply@acme.com>",
			Subject:   "Thank you for applying for the Senior Product Manager role",
			Timestamp: ts,
		},
		{ThreadID: "t2", Sender: "news@acme.com", Subject: "Acme product updates"},
	}}
	e, s := makeEngine(t, fetcher)
	ctx := context.Background()

	summary, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 2, summary.New)
	assert.Equal(t, 1, summary.Confirmations)
	assert.Equal(t, 1, summary.Added)
	assert.Equal(t, 0, summary.Updated)

	c := s.Load()
	require.Len(t, c.Jobs, 1)
	rec := c.Jobs[0]
	assert.Equal(t, "Acme", rec.Company)
	assert.Equal(t, "Senior Product Manager", rec.Role)
	assert.Equal(t, enums.StatusApplied, rec.Status)
	assert.True(t, rec.EmailVerified)
	assert.Contains(t, rec.Notes, "Auto-added from email confirmation")
	assert.False(t, c.Settings.LastEmailSync.IsZero(), "pass stamps last sync time")
}

func TestEngine_RunPassIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{threads: []Thread{
		{
			ThreadID:  "t1",
			Sender:    "Acme Hiring Team <no-reply@acme.com>",
			Subject:   "Thank you for applying for the Product Manager role",
			Timestamp: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		},
	}}
	e, s := makeEngine(t, fetcher)
	ctx := context.Background()

	first, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)

	second, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.New, "processed thread filtered out")
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 0, second.Updated)

	c := s.Load()
	assert.Len(t, c.Jobs, 1, "two passes over the same inbox yield one record")
}

func TestEngine_RunPassCorrelatesCompanyOnly(t *testing.T) {
	e, s := makeEngine(t, nil)
	ctx := context.Background()

	// record created by the application producer before any email arrives
	require.NoError(t, s.Update(ctx, func(c *store.Collection) error {
		c.InsertJob(&store.JobRecord{
			ID: "R1", Company: "Globex", Role: "Senior PM",
			Status: enums.StatusApplied, UpdatedAt: time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
		})
		return nil
	}))

	// role is lowercase in the subject so extraction fails, company alone matches
	e.Fetcher = &fakeFetcher{threads: []Thread{
		{
			ThreadID:  "t1",
			Sender:    "Globex Hiring Team <no-reply@globex.io>",
			Subject:   "Thanks for applying to the Senior PM role at Globex",
			Preview:   "Thanks for applying! We'll review and get back to you.",
			Timestamp: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		},
	}}

	summary, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Confirmations)
	assert.Equal(t, 0, summary.Added)
	assert.Equal(t, 1, summary.Updated)

	c := s.Load()
	require.Len(t, c.Jobs, 1, "confirmation merged, no second record")
	rec := c.Jobs[0]
	assert.Equal(t, "Senior PM", rec.Role, "stored role untouched")
	assert.True(t, rec.EmailVerified)
	assert.Contains(t, rec.Notes, "Email confirmation received on 2026-08-20")
}

func TestEngine_RunPassUnmatchedGetsDefaultRole(t *testing.T) {
	fetcher := &fakeFetcher{threads: []Thread{
		{
			ThreadID:  "t1",
			Sender:    "Initech Recruiting <jobs@initech.example>",
			Subject:   "Application received",
			Preview:   "We have received your application and will be in touch.",
			Timestamp: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		},
	}}
	e, s := makeEngine(t, fetcher)

	summary, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Added)

	c := s.Load()
	require.Len(t, c.Jobs, 1)
	assert.Equal(t, "Initech", c.Jobs[0].Company)
	assert.Equal(t, DefaultRole, c.Jobs[0].Role, "no role in the email, placeholder assigned")
}

func TestEngine_RunPassFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("api down")}
	e, s := makeEngine(t, fetcher)

	summary, err := e.RunPass(context.Background())
	require.NoError(t, err, "mail fetch failure is recoverable")
	assert.Equal(t, 0, summary.Fetched)
	assert.Equal(t, 0, summary.Added)

	assert.NoFileExists(t, e.StatePath, "state untouched after failed fetch")
	assert.NoFileExists(t, s.Path())
}

func TestEngine_RunPassMarksUnusableThreadsProcessed(t *testing.T) {
	fetcher := &fakeFetcher{threads: []Thread{
		{ThreadID: "t1", Sender: "<no-reply@somewhere.com>", Subject: "Thank you for applying"},
	}}
	e, _ := makeEngine(t, fetcher)
	ctx := context.Background()

	first, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.New)
	assert.Equal(t, 0, first.Added, "no usable sender, nothing merged")

	second, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.New, "malformed thread not retried forever")
}

func TestEngine_VerifyPending(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{threads: []Thread{
		{
			ThreadID:  "t1",
			Sender:    "no-reply@acme.com",
			Subject:   "Thank you for applying",
			Timestamp: now.Add(-10 * time.Minute),
		},
	}}
	e, s := makeEngine(t, fetcher)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(c *store.Collection) error {
		c.InsertJob(&store.JobRecord{ // confirmed by the acme thread
			ID: "confirmed", Company: "Acme", Role: "PM",
			Status: enums.StatusPendingVerification, CreatedAt: now.Add(-time.Hour),
		})
		c.InsertJob(&store.JobRecord{ // old enough and unconfirmed, removed
			ID: "stale", Company: "Globex", Role: "PM",
			Status: enums.StatusPendingVerification, CreatedAt: now.Add(-time.Hour),
		})
		c.InsertJob(&store.JobRecord{ // too young to judge, kept
			ID: "fresh", Company: "Initech", Role: "PM",
			Status: enums.StatusPendingVerification, CreatedAt: now.Add(-2 * time.Minute),
		})
		c.InsertJob(&store.JobRecord{ // not pending, never touched
			ID: "settled", Company: "Hooli", Role: "PM", Status: enums.StatusApplied,
		})
		return nil
	}))

	summary, err := e.VerifyPending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Checked)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 1, summary.Skipped)

	c := s.Load()
	ids := map[string]*store.JobRecord{}
	for _, j := range c.Jobs {
		ids[j.ID] = j
	}
	require.Len(t, ids, 3)
	assert.NotContains(t, ids, "stale")
	assert.Equal(t, enums.StatusApplied, ids["confirmed"].Status)
	assert.True(t, ids["confirmed"].EmailVerified)
	assert.Equal(t, enums.StatusPendingVerification, ids["fresh"].Status)
	assert.Equal(t, enums.StatusApplied, ids["settled"].Status)
}

func TestEngine_VerifyPendingFetchFailureAborts(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("api down")}
	e, s := makeEngine(t, fetcher)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(c *store.Collection) error {
		c.InsertJob(&store.JobRecord{
			ID: "R1", Company: "Acme", Status: enums.StatusPendingVerification,
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		})
		return nil
	}))

	_, err := e.VerifyPending(ctx, 10*time.Minute)
	require.Error(t, err, "destructive cleanup must not run on a failed inbox read")

	c := s.Load()
	assert.Len(t, c.Jobs, 1, "nothing removed")
}

func TestEngine_WaitForConfirmation(t *testing.T) {
	fetcher := &fakeFetcher{threads: []Thread{
		{ThreadID: "t1", Sender: "no-reply@acme.com", Subject: "Thank you for your application"},
		{ThreadID: "t2", Sender: "news@globex.io", Subject: "Monthly digest"},
	}}
	e, _ := makeEngine(t, fetcher)
	ctx := context.Background()

	thread, found := e.WaitForConfirmation(ctx, "Acme", 30*time.Second, 10*time.Second)
	require.True(t, found)
	assert.Equal(t, "t1", thread.ThreadID)
	assert.Equal(t, 1, fetcher.calls, "found on first poll, no further attempts")

	fetcher.threads = nil
	_, found = e.WaitForConfirmation(ctx, "Acme", 20*time.Millisecond, 10*time.Millisecond)
	assert.False(t, found)
}

func TestEngine_StateRoundTrip(t *testing.T) {
	e, _ := makeEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.saveState(ctx, map[string]struct{}{"t2": {}, "t1": {}}))

	processed, err := e.loadState()
	require.NoError(t, err)
	assert.Len(t, processed, 2)
	assert.Contains(t, processed, "t1")
	assert.Contains(t, processed, "t2")
}

func TestEngine_LoadStateMalformed(t *testing.T) {
	e, _ := makeEngine(t, nil)
	require.NoError(t, os.WriteFile(e.StatePath, []byte("{oops"), 0o600))

	processed, err := e.loadState()
	require.NoError(t, err)
	assert.Empty(t, processed, "malformed state degrades to empty")
}
