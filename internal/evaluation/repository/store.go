package repository

import (
	"context"

	"cloudeval/internal/evaluation/model"
)

// JobRepository persists evaluation jobs.
type JobRepository interface {
	CreateJob(ctx context.Context, job *model.EvaluationJob) error
	// GetJob returns pkg/repository.ErrNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*model.EvaluationJob, error)
	// UpdateJobStatus applies update only if the stored status may transition to
	// update.Status; otherwise it returns ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, jobID string, update model.JobUpdate) (*model.EvaluationJob, error)
	// UpdateJobProgress raises the progress of a running job. Lower values are ignored.
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	// ListJobsByStatus returns jobs in creation order.
	ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.EvaluationJob, error)
}

// AssessmentRepository reads authored assessment content and writes final scores.
type AssessmentRepository interface {
	GetStudentAssessment(ctx context.Context, studentAssessmentID string) (*model.StudentAssessment, error)
	// ListTasks returns the tasks of an assessment ordered by task number.
	ListTasks(ctx context.Context, assessmentID string) ([]model.AssessmentTask, error)
	// ListChecks returns the checks of a task ordered by check number.
	ListChecks(ctx context.Context, taskID string) ([]model.TaskCheck, error)
	// GetCredentials returns the credentials a student registered for provider.
	GetCredentials(ctx context.Context, studentAssessmentID string, provider model.CloudProvider) (*model.CloudCredentials, error)
	SaveFinalScore(ctx context.Context, studentAssessmentID string, score model.FinalScore) error
}

// ResultRepository upserts task and check results by natural key.
type ResultRepository interface {
	UpsertTaskResult(ctx context.Context, result *model.TaskResult) error
	UpsertCheckResult(ctx context.Context, result *model.CheckResult) error
	GetTaskResult(ctx context.Context, studentAssessmentID, taskID string) (*model.TaskResult, error)
}

// Store is the durable store the evaluation engine runs against.
type Store interface {
	JobRepository
	AssessmentRepository
	ResultRepository
}
