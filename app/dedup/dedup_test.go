package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

func TestNormalize(t *testing.T) {
	tbl := []struct {
		in, out string
	}{
		{"Acme Inc", "acmeinc"},
		{"acme-inc", "acmeinc"},
		{"ACME_INC", "acmeinc"},
		{"Material Security", "materialsecurity"},
		{"", ""},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.out, Normalize(tt.in))
		})
	}
}

func TestMatch(t *testing.T) {
	url1 := "https://jobs.acme.com/pm-123"
	jobs := []*store.JobRecord{
		{ID: "R1", Company: "Acme Inc", Role: "Product Manager", JobURL: &url1},
		{ID: "R2", Company: "Globex", Role: "Senior Product Manager"},
		{ID: "R3", Company: "Initech", Role: "Engineer"},
	}

	tbl := []struct {
		name               string
		company, role, url string
		want               string // matched record id, empty for no match
	}{
		{"url match is authoritative", "Totally Different", "Nothing", url1, "R1"},
		{"fuzzy company and role", "acme-inc", "product manager", "", "R1"},
		{"role containment either way", "Globex", "Product Manager", "", "R2"},
		{"company only when no role", "globex", "", "", "R2"},
		{"different company no match", "Acme Corp", "Product Manager", "", ""},
		{"same company different role", "Initech", "Product Manager", "", ""},
		{"unknown url no fallback record", "Nobody", "", "https://jobs.example.com/none", ""},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(jobs, tt.company, tt.role, tt.url)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestMatch_CompanyOnlyTieBreak(t *testing.T) {
	jobs := []*store.JobRecord{
		{ID: "older", Company: "Globex", Role: "PM", UpdatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "newer", Company: "Globex", Role: "Designer", UpdatedAt: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)},
	}
	got := Match(jobs, "globex", "", "")
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.ID, "tie broken by most recent update")
}

func TestUpsert_AddNew(t *testing.T) {
	c := store.NewCollection()
	ts := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	res := Upsert(c, Candidate{
		Company:      "Acme Inc",
		Role:         "Product Manager",
		JobURL:       "https://jobs.acme.com/pm-123",
		TaskID:       "task-1",
		Cost:         0.42,
		InputTokens:  1000,
		OutputTokens: 200,
		Note:         "Applied via browser automation",
		Timestamp:    ts,
	})
	assert.Equal(t, Added, res)
	require.Len(t, c.Jobs, 1)

	rec := c.Jobs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, enums.StatusApplied, rec.Status)
	assert.Equal(t, ts, rec.AppliedAt)
	assert.Equal(t, ts, rec.CreatedAt)
	assert.Equal(t, ts, rec.UpdatedAt)
	assert.True(t, rec.Synced)
	assert.NotNil(t, rec.AuditTrail)
	require.NotNil(t, rec.BrowserUseTaskID)
	assert.Equal(t, "task-1", *rec.BrowserUseTaskID)
	assert.InDelta(t, 0.42, rec.ApplicationCost, 0.0001)
	require.NotNil(t, rec.Tokens)
	assert.Equal(t, 1000, rec.Tokens.Input)
}

func TestUpsert_MergeExisting(t *testing.T) {
	c := store.NewCollection()
	old := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	c.InsertJob(&store.JobRecord{
		ID: "R1", Company: "Acme Inc", Role: "Senior Product Manager",
		Status: enums.StatusInterviewing, UpdatedAt: old, Notes: "first note",
	})

	ts := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	res := Upsert(c, Candidate{
		Company: "acme-inc", Role: "Product Manager",
		EmailVerified: true, Note: VerificationNote(ts), Timestamp: ts,
	})
	assert.Equal(t, Updated, res)
	require.Len(t, c.Jobs, 1, "no duplicate record")

	rec := c.Jobs[0]
	assert.Equal(t, "Acme Inc", rec.Company, "existing fields never overwritten")
	assert.Equal(t, "Senior Product Manager", rec.Role)
	assert.Equal(t, enums.StatusInterviewing, rec.Status)
	assert.True(t, rec.EmailVerified)
	assert.Equal(t, ts, rec.UpdatedAt)
	assert.Contains(t, rec.Notes, "first note")
	assert.Contains(t, rec.Notes, "Email confirmation received on 2026-08-20")
}

func TestUpsert_NoteNotDuplicated(t *testing.T) {
	c := store.NewCollection()
	ts := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	cand := Candidate{Company: "Acme Inc", Role: "PM", Note: VerificationNote(ts), Timestamp: ts}

	assert.Equal(t, Added, Upsert(c, cand))
	assert.Equal(t, Updated, Upsert(c, cand))
	assert.Equal(t, Updated, Upsert(c, cand))

	require.Len(t, c.Jobs, 1)
	assert.Equal(t, VerificationNote(ts), c.Jobs[0].Notes, "repeated note appended once")
}

func TestDisplayCompany(t *testing.T) {
	tbl := []struct{ in, out string }{
		{"acme-inc", "Acme Inc"},
		{"material_security", "Material Security"},
		{"Globex", "Globex"},
		{"stripe", "Stripe"},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.out, DisplayCompany(tt.in))
		})
	}
}
