package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusApplied.Valid())
	assert.True(t, StatusPendingVerification.Valid())
	assert.False(t, Status("recruiter_screen").Valid(), "legacy stage is not a lifecycle status")
	assert.False(t, Status("").Valid())
}

func TestLegacyInterviewStage(t *testing.T) {
	stage, ok := LegacyInterviewStage(Status("recruiter_screen"))
	assert.True(t, ok)
	assert.Equal(t, StageRecruiterScreen, stage)

	stage, ok = LegacyInterviewStage(Status("panel_onsite"))
	assert.True(t, ok)
	assert.Equal(t, StagePanelOnsite, stage)

	_, ok = LegacyInterviewStage(StatusApplied)
	assert.False(t, ok)
}
