package store

import (
	"encoding/json"
	"time"

	"github.com/sourabhkatti/applicator/app/store/enums"
)

// Collection is the full persisted tracker document, settings plus all job
// records. Top-level keys not known to this version are kept as raw JSON and
// written back on save, so newer producers can add fields without older ones
// destroying them.
type Collection struct {
	Settings Settings     `json:"settings"`
	Jobs     []*JobRecord `json:"jobs"`

	extra map[string]json.RawMessage
}

// Settings holds the tracker-wide settings sub-document, including the active
// task registry.
type Settings struct {
	FollowUpDays  int                    `json:"followUpDays"`
	ActiveTasks   map[string]*ActiveTask `json:"active_tasks"`
	LastEmailSync time.Time              `json:"last_email_sync,omitzero"`

	extra map[string]json.RawMessage
}

// JobRecord is one tracked application.
type JobRecord struct {
	ID               string                `json:"id"`
	Company          string                `json:"company"`
	Role             string                `json:"role"`
	Status           enums.Status          `json:"status"`
	InterviewStage   *enums.InterviewStage `json:"interview_stage"`
	JobURL           *string               `json:"jobUrl"`
	AppliedAt        time.Time             `json:"applied_at,omitzero"`
	CreatedAt        time.Time             `json:"created_at,omitzero"`
	UpdatedAt        time.Time             `json:"updated_at,omitzero"`
	EmailVerified    bool                  `json:"email_verified"`
	BrowserUseTaskID *string               `json:"browser_use_task_id"`
	ApplicationCost  float64               `json:"application_cost,omitempty"`
	Tokens           *TokenUsage           `json:"application_tokens,omitempty"`
	AuditTrail       []string              `json:"audit_trail"`
	Synced           bool                  `json:"synced"`
	Notes            string                `json:"notes,omitempty"`

	extra map[string]json.RawMessage
}

// TokenUsage is the LLM token spend attributed to one application.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ActiveTask is one in-flight unit of work, a single application attempt or a
// batch run. Tasks live under settings.active_tasks keyed by task id.
type ActiveTask struct {
	TaskID       string           `json:"task_id"`
	Type         string           `json:"type,omitempty"`
	Company      string           `json:"company"`
	Role         string           `json:"role"`
	JobURL       *string          `json:"job_url"`
	Status       enums.TaskStatus `json:"status"`
	Progress     int              `json:"progress"`
	CurrentStep  string           `json:"current_step"`
	TotalSteps   int              `json:"total_steps,omitempty"`
	Target       int              `json:"target,omitempty"`
	Completed    int              `json:"completed,omitempty"`
	Failed       int              `json:"failed,omitempty"`
	ErrorMessage *string          `json:"error_message"`
	Cost         float64          `json:"cost"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	StartedAt    time.Time        `json:"started_at,omitzero"`
	UpdatedAt    time.Time        `json:"updated_at,omitzero"`
}

// NewCollection makes an empty collection with default settings, used when the
// store file is missing or unreadable.
func NewCollection() *Collection {
	return &Collection{
		Settings: Settings{FollowUpDays: 2, ActiveTasks: map[string]*ActiveTask{}},
		Jobs:     []*JobRecord{},
	}
}

// FindJobByURL returns the record with the given job URL, nil if none.
func (c *Collection) FindJobByURL(url string) *JobRecord {
	if url == "" {
		return nil
	}
	for _, j := range c.Jobs {
		if j.JobURL != nil && *j.JobURL == url {
			return j
		}
	}
	return nil
}

// InsertJob adds a record at the head of the jobs list, newest first.
func (c *Collection) InsertJob(j *JobRecord) {
	c.Jobs = append([]*JobRecord{j}, c.Jobs...)
}

// ensureDefaults fills nil containers after a load so callers never need to
// check for them.
func (c *Collection) ensureDefaults() {
	if c.Jobs == nil {
		c.Jobs = []*JobRecord{}
	}
	if c.Settings.ActiveTasks == nil {
		c.Settings.ActiveTasks = map[string]*ActiveTask{}
	}
}

// ExtraString returns the string value of an unknown (legacy) field kept on
// the record, or empty if absent or not a string. Used by the schema migration
// to read pre-migration date fields.
func (j *JobRecord) ExtraString(key string) string {
	raw, ok := j.extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// HasExtra reports whether the record carries an unknown field with this key.
func (j *JobRecord) HasExtra(key string) bool {
	_, ok := j.extra[key]
	return ok
}

// known top-level keys per document, everything else is preserved verbatim
var (
	collectionKeys = []string{"settings", "jobs"}
	settingsKeys   = []string{"followUpDays", "active_tasks", "last_email_sync"}
	jobRecordKeys  = []string{
		"id", "company", "role", "status", "interview_stage", "jobUrl",
		"applied_at", "created_at", "updated_at", "email_verified",
		"browser_use_task_id", "application_cost", "application_tokens",
		"audit_trail", "synced", "notes",
	}
)

// UnmarshalJSON keeps unknown top-level keys in addition to the typed fields.
func (c *Collection) UnmarshalJSON(data []byte) error {
	type alias Collection
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	extra, err := unknownKeys(data, collectionKeys)
	if err != nil {
		return err
	}
	c.extra = extra
	return nil
}

// MarshalJSON writes typed fields merged with preserved unknown keys.
func (c *Collection) MarshalJSON() ([]byte, error) {
	type alias Collection
	return marshalWithExtra((*alias)(c), c.extra)
}

// UnmarshalJSON keeps unknown settings keys in addition to the typed fields.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type alias Settings
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return err
	}
	extra, err := unknownKeys(data, settingsKeys)
	if err != nil {
		return err
	}
	s.extra = extra
	return nil
}

// MarshalJSON writes typed fields merged with preserved unknown keys.
func (s *Settings) MarshalJSON() ([]byte, error) {
	type alias Settings
	return marshalWithExtra((*alias)(s), s.extra)
}

// UnmarshalJSON keeps unknown record keys, i.e. all the legacy per-record
// fields older schema versions wrote (dateApplied, prepChecklist and friends).
func (j *JobRecord) UnmarshalJSON(data []byte) error {
	type alias JobRecord
	if err := json.Unmarshal(data, (*alias)(j)); err != nil {
		return err
	}
	extra, err := unknownKeys(data, jobRecordKeys)
	if err != nil {
		return err
	}
	j.extra = extra
	return nil
}

// MarshalJSON writes typed fields merged with preserved unknown keys.
func (j *JobRecord) MarshalJSON() ([]byte, error) {
	type alias JobRecord
	return marshalWithExtra((*alias)(j), j.extra)
}

// unknownKeys returns the raw values of all top-level keys not in known.
func unknownKeys(data []byte, known []string) (map[string]json.RawMessage, error) {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// marshalWithExtra marshals v and merges the preserved unknown keys into the
// resulting object. Typed fields win on key collision.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}
