package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Transitions(t *testing.T) {
	assert.True(t, JobStatusReceived.CanTransition(JobStatusScraping))
	// Used when the scraping write itself fails.
	assert.True(t, JobStatusReceived.CanTransition(JobStatusError))
	assert.True(t, JobStatusScraping.CanTransition(JobStatusEnriching))
	assert.True(t, JobStatusScraping.CanTransition(JobStatusErrorIncomplete))
	assert.True(t, JobStatusEnriching.CanTransition(JobStatusReady))
	assert.True(t, JobStatusEnriching.CanTransition(JobStatusError))

	assert.False(t, JobStatusReceived.CanTransition(JobStatusReady))
	assert.False(t, JobStatusReceived.CanTransition(JobStatusErrorIncomplete))
	assert.False(t, JobStatusScraping.CanTransition(JobStatusReady))
	assert.False(t, JobStatusEnriching.CanTransition(JobStatusScraping))
}

func TestJobStatus_TerminalHasNoEdges(t *testing.T) {
	all := []JobStatus{
		JobStatusReceived, JobStatusScraping, JobStatusEnriching,
		JobStatusReady, JobStatusError, JobStatusErrorIncomplete,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestJobUpdate_Apply(t *testing.T) {
	j := &Job{ID: "j1", StagesCompleted: []StageResult{{Name: "structured_api"}}}
	score := 55
	JobUpdate{
		Stages:            []StageResult{{Name: "raw_markup", Fields: 3}},
		ResultRef:         "product:v1",
		CompletenessScore: &score,
	}.Apply(j)

	assert.Len(t, j.StagesCompleted, 2)
	assert.Equal(t, "product:v1", j.ResultRef)
	assert.Equal(t, 55, *j.CompletenessScore)
	assert.Empty(t, j.Error)

	score = 10
	assert.Equal(t, 55, *j.CompletenessScore, "update must copy the score")
}

func TestJob_View(t *testing.T) {
	j := &Job{ID: "j1", Status: JobStatusReady, Path: PathCascade, Error: ""}
	v := j.View()
	assert.Equal(t, "j1", v.JobID)
	assert.Equal(t, JobStatusReady, v.Status)
	assert.Equal(t, PathCascade, v.Path)
}
