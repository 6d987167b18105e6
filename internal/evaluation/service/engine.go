package service

import (
	"context"
	"fmt"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
	pkgrepo "cloudeval/pkg/repository"
)

// StartBatchRequest describes a batch evaluation submission.
type StartBatchRequest struct {
	BatchID              string
	AssessmentID         string
	StudentAssessmentIDs []string
	InitiatedBy          string
	ForceReEvaluate      bool
}

// Engine is the job submission API of the evaluation service.
type Engine struct {
	dispatcher  *Dispatcher
	jobs        repository.JobRepository
	assessments repository.AssessmentRepository
}

// NewEngine creates the facade over a dispatcher. jobs should be the cached
// job repository so status reads are served from Redis.
func NewEngine(dispatcher *Dispatcher, jobs repository.JobRepository, assessments repository.AssessmentRepository) (*Engine, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if assessments == nil {
		return nil, fmt.Errorf("assessment repository is required")
	}
	return &Engine{dispatcher: dispatcher, jobs: jobs, assessments: assessments}, nil
}

// StartAssessmentEvaluation queues the evaluation of one student assessment.
func (e *Engine) StartAssessmentEvaluation(ctx context.Context, studentAssessmentID, initiatedBy string) (*model.EvaluationJob, error) {
	if studentAssessmentID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("student assessment id is required")
	}
	if _, err := e.assessments.GetStudentAssessment(ctx, studentAssessmentID); err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return nil, appErr.Newf(appErr.NotFound, "student assessment %s not found", studentAssessmentID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load student assessment failed")
	}
	job := &model.EvaluationJob{
		Type:        model.JobTypeAssessment,
		TargetID:    studentAssessmentID,
		InitiatedBy: initiatedBy,
	}
	if _, err := e.dispatcher.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// StartBatchEvaluation queues the evaluation of every student of a batch.
func (e *Engine) StartBatchEvaluation(ctx context.Context, req StartBatchRequest) (*model.EvaluationJob, error) {
	if req.BatchID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("batch id is required")
	}
	if len(req.StudentAssessmentIDs) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("batch has no student assessments")
	}
	for _, id := range req.StudentAssessmentIDs {
		if id == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("student assessment id must not be empty")
		}
	}
	job := &model.EvaluationJob{
		Type:        model.JobTypeBatch,
		TargetID:    req.BatchID,
		InitiatedBy: req.InitiatedBy,
		BatchDetails: &model.BatchDetails{
			BatchID:              req.BatchID,
			AssessmentID:         req.AssessmentID,
			StudentAssessmentIDs: append([]string(nil), req.StudentAssessmentIDs...),
			ForceReEvaluate:      req.ForceReEvaluate,
		},
	}
	if _, err := e.dispatcher.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// CancelEvaluation cancels a pending or running job.
func (e *Engine) CancelEvaluation(ctx context.Context, jobID, userID string) (bool, error) {
	return e.dispatcher.Cancel(ctx, jobID, userID)
}

// RetryEvaluation queues a new job for the target of original. The stored
// status of original decides whether it may be retried.
func (e *Engine) RetryEvaluation(ctx context.Context, original *model.EvaluationJob, userID string) (*model.EvaluationJob, error) {
	if original == nil || original.ID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("original job is required")
	}
	current, err := e.GetEvaluationJobByID(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, appErr.New(appErr.EvaluationJobNotFound).WithDetail("job_id", original.ID)
	}
	return e.dispatcher.Retry(ctx, current, userID)
}

// GetEvaluationJobByID returns nil, nil for unknown ids.
func (e *Engine) GetEvaluationJobByID(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	if jobID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load evaluation job failed")
	}
	return job, nil
}
