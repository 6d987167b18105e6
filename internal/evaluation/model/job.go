package model

import "time"

// JobType selects the evaluator a job is dispatched to.
type JobType string

const (
	JobTypeAssessment JobType = "assessment"
	JobTypeBatch      JobType = "batch"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeAssessment || t == JobTypeBatch
}

// JobStatus is the lifecycle state of an evaluation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// allowedTransitions lists, per target status, the statuses it may be entered from.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusRunning:   {JobStatusPending},
	JobStatusCompleted: {JobStatusRunning},
	JobStatusFailed:    {JobStatusRunning},
	JobStatusCancelled: {JobStatusPending, JobStatusRunning},
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, from := range allowedTransitions[next] {
		if from == s {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which next may be entered.
func TransitionSources(next JobStatus) []JobStatus {
	sources := allowedTransitions[next]
	out := make([]JobStatus, len(sources))
	copy(out, sources)
	return out
}

// BatchDetails describes the students covered by a batch job.
type BatchDetails struct {
	BatchID              string   `json:"batch_id"`
	AssessmentID         string   `json:"assessment_id"`
	StudentAssessmentIDs []string `json:"student_assessment_ids"`
	ForceReEvaluate      bool     `json:"force_re_evaluate"`
}

// Clone returns a deep copy of d.
func (d *BatchDetails) Clone() *BatchDetails {
	if d == nil {
		return nil
	}
	out := *d
	out.StudentAssessmentIDs = append([]string(nil), d.StudentAssessmentIDs...)
	return &out
}

// EvaluationJob is one unit of orchestrated evaluation work.
type EvaluationJob struct {
	ID                string        `json:"id"`
	Type              JobType       `json:"type"`
	TargetID          string        `json:"target_id"`
	Status            JobStatus     `json:"status"`
	Progress          int           `json:"progress"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	InitiatedBy       string        `json:"initiated_by"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	BatchDetails      *BatchDetails `json:"batch_details,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of j.
func (j *EvaluationJob) Clone() *EvaluationJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.BatchDetails = j.BatchDetails.Clone()
	return &out
}

// JobUpdate is a guarded status change persisted by the dispatcher.
// Nil pointer fields are left untouched.
type JobUpdate struct {
	Status       JobStatus
	Progress     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// Apply copies the update onto job.
func (u JobUpdate) Apply(job *EvaluationJob, now time.Time) {
	if u.Status != "" {
		job.Status = u.Status
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = *u.ErrorMessage
	}
	job.UpdatedAt = now
}
