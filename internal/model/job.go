package model

import (
	"time"
)

// JobStatus represents the current state of an import job.
type JobStatus string

const (
	JobStatusReceived        JobStatus = "received"
	JobStatusScraping        JobStatus = "scraping"
	JobStatusEnriching       JobStatus = "enriching"
	JobStatusReady           JobStatus = "ready"
	JobStatusError           JobStatus = "error"
	JobStatusErrorIncomplete JobStatus = "error_incomplete"
)

// jobTransitions lists the allowed next states for every non-terminal state.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusReceived:  {JobStatusScraping, JobStatusError},
	JobStatusScraping:  {JobStatusEnriching, JobStatusError, JobStatusErrorIncomplete},
	JobStatusEnriching: {JobStatusReady, JobStatusError, JobStatusErrorIncomplete},
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusReady, JobStatusError, JobStatusErrorIncomplete:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Path is the pipeline implementation a job runs on.
type Path string

const (
	PathLegacy  Path = "legacy"
	PathCascade Path = "cascade"
)

// StageResult records the outcome of one pipeline stage or strategy attempt.
type StageResult struct {
	Name     string `json:"name"`
	Fields   int    `json:"fields,omitempty"`
	Duration int64  `json:"duration_ms"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Job is an asynchronous import unit of work.
type Job struct {
	ID                string        `json:"id"`
	RequestedBy       string        `json:"requested_by"`
	TargetURL         string        `json:"target_url"`
	Identity          string        `json:"identity"`
	DedupKey          string        `json:"dedup_key"`
	Path              Path          `json:"path"`
	Preview           bool          `json:"preview,omitempty"`
	Status            JobStatus     `json:"status"`
	StagesCompleted   []StageResult `json:"stages_completed"`
	ResultRef         string        `json:"result_ref,omitempty"`
	Error             string        `json:"error,omitempty"`
	CompletenessScore *int          `json:"completeness_score,omitempty"`
	Product           *Product      `json:"product,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// JobUpdate carries the fields written alongside a status transition. Nil
// and empty members leave the stored value untouched.
type JobUpdate struct {
	Stages            []StageResult
	ResultRef         string
	Error             string
	CompletenessScore *int
	Product           *Product
}

// Apply merges u into j.
func (u JobUpdate) Apply(j *Job) {
	if len(u.Stages) > 0 {
		j.StagesCompleted = append(j.StagesCompleted, u.Stages...)
	}
	if u.ResultRef != "" {
		j.ResultRef = u.ResultRef
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.CompletenessScore != nil {
		score := *u.CompletenessScore
		j.CompletenessScore = &score
	}
	if u.Product != nil {
		j.Product = u.Product
	}
}

// JobView is the outbound job-status shape.
type JobView struct {
	JobID             string    `json:"job_id"`
	Status            JobStatus `json:"status"`
	Path              Path      `json:"path,omitempty"`
	CompletenessScore *int      `json:"completeness_score,omitempty"`
	Product           *Product  `json:"product,omitempty"`
	ResultRef         string    `json:"result_ref,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// View projects the job onto the outbound status shape.
func (j *Job) View() JobView {
	return JobView{
		JobID:             j.ID,
		Status:            j.Status,
		Path:              j.Path,
		CompletenessScore: j.CompletenessScore,
		Product:           j.Product,
		ResultRef:         j.ResultRef,
		Error:             j.Error,
	}
}
