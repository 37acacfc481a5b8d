// Package migrate implements the one-shot schema migration of the tracker
// store to the unified schema: legacy interview sub-statuses fold into
// status=interviewing with an interview_stage, date-only fields gain ISO
// timestamps, new fields get safe defaults. No existing field is ever
// removed, legacy keys ride along untouched as preserved unknown fields.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

// ErrValidationFailed indicates the post-transform validation rejected the
// migrated store. The store is left as transformed, the backup is the
// recovery path and restoring it is an explicit operator decision.
var ErrValidationFailed = fmt.Errorf("migration validation failed")

// sampleSize is how many leading records the schema validation inspects.
const sampleSize = 5

// Migrator transforms the whole store file to the unified schema with backup
// and post-transform validation.
type Migrator struct {
	Store      *store.Store
	BackupPath string

	now func() time.Time
}

// New makes a migrator. The backup is written to backupPath before any
// mutation, empty means "<store file>.pre-migration".
func New(s *store.Store, backupPath string) *Migrator {
	if backupPath == "" {
		backupPath = s.Path() + ".pre-migration"
	}
	return &Migrator{Store: s, BackupPath: backupPath, now: func() time.Time { return time.Now().UTC() }}
}

// Run performs backup, transform, persist and validation, returning the
// migrated record count. On validation failure the error wraps
// ErrValidationFailed and the caller must surface the restore instructions,
// the tool never rolls back on its own.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	if err := m.backup(); err != nil {
		return 0, err
	}
	log.Printf("[INFO] backup created at %s", m.BackupPath)

	count := 0
	err := m.Store.Update(ctx, func(c *store.Collection) error {
		count = len(c.Jobs)
		log.Printf("[INFO] migrating %d records", count)
		for i, j := range c.Jobs {
			m.transform(j)
			if (i+1)%10 == 0 {
				log.Printf("[DEBUG] processed %d/%d records", i+1, count)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("can't transform store: %w", err)
	}

	if err := m.validate(count); err != nil {
		return count, err
	}
	log.Printf("[INFO] migration complete, %d records", count)
	return count, nil
}

// backup copies the store file byte-for-byte before any mutation.
func (m *Migrator) backup() error {
	src, err := os.Open(m.Store.Path())
	if err != nil {
		return fmt.Errorf("can't open store for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(m.BackupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("can't create backup %s: %w", m.BackupPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("can't copy store to backup: %w", err)
	}
	return dst.Close()
}

// transform rewrites a single record to the unified schema. Pure per-record,
// the migration is interruptible between records.
func (m *Migrator) transform(j *store.JobRecord) {
	// legacy top-level interview sub-statuses become status=interviewing
	if stage, ok := enums.LegacyInterviewStage(j.Status); ok {
		j.InterviewStage = &stage
		j.Status = enums.StatusInterviewing
	}

	// derive ISO timestamps from legacy date-only fields
	dateApplied := j.ExtraString("dateApplied")
	if dateApplied == "" {
		dateApplied = m.now().Format("2006-01-02")
	}
	appliedAt := dayStart(dateApplied, m.now())
	if j.AppliedAt.IsZero() {
		j.AppliedAt = appliedAt
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = appliedAt
	}
	if j.UpdatedAt.IsZero() {
		lastActivity := j.ExtraString("lastActivityDate")
		if lastActivity == "" {
			lastActivity = dateApplied
		}
		j.UpdatedAt = dayStart(lastActivity, m.now())
	}

	// new fields with safe defaults
	if j.AuditTrail == nil {
		j.AuditTrail = []string{}
	}
	j.Synced = true

	// infer verification from legacy free-text note markers
	if strings.Contains(j.Notes, "Auto-added from AgentMail") || strings.Contains(j.Notes, "Email verified") {
		j.EmailVerified = true
	}
}

// validate re-loads the persisted store and checks the transform held:
// unchanged record count, required fields on a leading sample, and a valid
// stage on every interviewing record.
func (m *Migrator) validate(expected int) error {
	c := m.Store.Load()

	if len(c.Jobs) != expected {
		return fmt.Errorf("%w: record count mismatch, expected %d got %d", ErrValidationFailed, expected, len(c.Jobs))
	}

	for i, j := range c.Jobs {
		if i >= sampleSize {
			break
		}
		switch {
		case j.AppliedAt.IsZero():
			return fmt.Errorf("%w: record %d missing applied_at", ErrValidationFailed, i+1)
		case j.CreatedAt.IsZero() || j.UpdatedAt.IsZero():
			return fmt.Errorf("%w: record %d missing created_at/updated_at", ErrValidationFailed, i+1)
		case j.AuditTrail == nil:
			return fmt.Errorf("%w: record %d missing audit_trail", ErrValidationFailed, i+1)
		}
	}

	for _, j := range c.Jobs {
		if j.Status != enums.StatusInterviewing {
			continue
		}
		if j.InterviewStage == nil || !j.InterviewStage.Valid() {
			return fmt.Errorf("%w: interviewing record %s has no valid interview_stage", ErrValidationFailed, j.ID)
		}
	}
	return nil
}

// dayStart parses a YYYY-MM-DD date into its midnight UTC timestamp, falling
// back to the given time if unparsable.
func dayStart(date string, fallback time.Time) time.Time {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
