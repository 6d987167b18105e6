package model

import "time"

// TaskResultStatus is the outcome of a task evaluation.
type TaskResultStatus string

const (
	TaskResultPending   TaskResultStatus = "pending"
	TaskResultCompleted TaskResultStatus = "completed"
	TaskResultFailed    TaskResultStatus = "failed"
)

// CheckResultStatus is the binary outcome of one check.
type CheckResultStatus string

const (
	CheckPassed CheckResultStatus = "passed"
	CheckFailed CheckResultStatus = "failed"
)

// TaskResult is keyed by (StudentAssessmentID, TaskID).
type TaskResult struct {
	StudentAssessmentID string           `json:"student_assessment_id"`
	TaskID              string           `json:"task_id"`
	MaxScore            int              `json:"max_score"`
	EarnedScore         int              `json:"earned_score"`
	Status              TaskResultStatus `json:"status"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	Checks              []CheckResult    `json:"checks,omitempty"`
}

// CheckResult is keyed by (StudentAssessmentID, TaskID, CheckID).
type CheckResult struct {
	StudentAssessmentID string            `json:"student_assessment_id"`
	TaskID              string            `json:"task_id"`
	CheckID             string            `json:"check_id"`
	Status              CheckResultStatus `json:"status"`
	Score               int               `json:"score"`
	MaxScore            int               `json:"max_score"`
	Evidence            string            `json:"evidence,omitempty"`
	EvidenceKey         string            `json:"evidence_key,omitempty"`
	Error               string            `json:"error,omitempty"`
	ExecutionTime       time.Duration     `json:"execution_time"`
	EvaluatedAt         time.Time         `json:"evaluated_at"`
}

// TaskStatusFor applies the task pass rule: any earned point completes the task.
func TaskStatusFor(earned int) TaskResultStatus {
	if earned > 0 {
		return TaskResultCompleted
	}
	return TaskResultFailed
}
