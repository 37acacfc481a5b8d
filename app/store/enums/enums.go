// Package enums provides the status enumerations shared by the tracker store.
//
// The types are string-based rather than generated integer enums because the
// store must load files written by older producers without failing: an unknown
// status value round-trips untouched and only strict call sites (migration,
// validation) reject it.
package enums

// Status is the lifecycle state of a tracked application.
type Status string

// known application statuses
const (
	StatusApplied             Status = "applied"
	StatusInterviewing        Status = "interviewing"
	StatusOffer               Status = "offer"
	StatusRejected            Status = "rejected"
	StatusWithdrawn           Status = "withdrawn"
	StatusPendingVerification Status = "pending_verification"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusApplied, StatusInterviewing, StatusOffer, StatusRejected, StatusWithdrawn, StatusPendingVerification:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// InterviewStage is the sub-status of an interviewing application.
type InterviewStage string

// known interview stages, also the legacy top-level statuses folded into
// status=interviewing by the schema migration
const (
	StageRecruiterScreen InterviewStage = "recruiter_screen"
	StageHiringManager   InterviewStage = "hiring_manager"
	StagePanelOnsite     InterviewStage = "panel_onsite"
)

// Valid reports whether the stage is one of the known interview stages.
func (s InterviewStage) Valid() bool {
	switch s {
	case StageRecruiterScreen, StageHiringManager, StagePanelOnsite:
		return true
	}
	return false
}

func (s InterviewStage) String() string { return string(s) }

// LegacyInterviewStage maps a pre-migration top-level status to its interview
// stage. The second result is false for statuses that are not legacy stages.
func LegacyInterviewStage(status Status) (InterviewStage, bool) {
	stage := InterviewStage(status)
	if stage.Valid() {
		return stage, true
	}
	return "", false
}

// TaskStatus is the state of an in-flight active task.
type TaskStatus string

// known task statuses
const (
	TaskRunning   TaskStatus = "running"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) String() string { return string(s) }
