package service

import (
	"context"
	"fmt"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/logger"

	"go.uber.org/zap"
)

// EvidenceOffloader moves oversized evidence out of the result row.
type EvidenceOffloader interface {
	Offload(ctx context.Context, result *model.CheckResult) error
}

// TaskEvaluator scores one task by running its checks in order.
type TaskEvaluator struct {
	assessments repository.AssessmentRepository
	results     repository.ResultRepository
	checks      *CheckEvaluator
	evidence    EvidenceOffloader
	sink        progress.Sink
	now         func() time.Time
}

// TaskEvaluatorConfig holds task evaluator dependencies.
type TaskEvaluatorConfig struct {
	Assessments repository.AssessmentRepository
	Results     repository.ResultRepository
	Checks      *CheckEvaluator
	// Evidence is optional; without it evidence stays inline.
	Evidence EvidenceOffloader
	Sink     progress.Sink
}

// NewTaskEvaluator creates a task evaluator.
func NewTaskEvaluator(cfg TaskEvaluatorConfig) (*TaskEvaluator, error) {
	if cfg.Assessments == nil {
		return nil, fmt.Errorf("assessment repository is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result repository is required")
	}
	if cfg.Checks == nil {
		return nil, fmt.Errorf("check evaluator is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &TaskEvaluator{
		assessments: cfg.Assessments,
		results:     cfg.Results,
		checks:      cfg.Checks,
		evidence:    cfg.Evidence,
		sink:        sink,
		now:         time.Now,
	}, nil
}

// Evaluate never returns an error: any failure inside the check loop marks the
// task failed with zero score and is recorded on the returned result.
func (e *TaskEvaluator) Evaluate(ctx context.Context, jobID, studentAssessmentID string, task model.AssessmentTask) *model.TaskResult {
	result := &model.TaskResult{
		StudentAssessmentID: studentAssessmentID,
		TaskID:              task.ID,
		MaxScore:            task.TotalMarks,
		Status:              model.TaskResultPending,
	}

	if err := e.scoreChecks(ctx, jobID, task, result); err != nil {
		logger.Error(ctx, "task evaluation failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		result.EarnedScore = 0
		result.Status = model.TaskResultFailed
		result.ErrorMessage = err.Error()
		completed := e.now().UTC()
		result.CompletedAt = &completed
		if perr := e.results.UpsertTaskResult(ctx, result); perr != nil {
			logger.Warn(ctx, "persist failed task result failed", zap.String("task_id", task.ID), zap.Error(perr))
		}
	}

	e.sink.Emit(ctx, progress.Event{
		Name:                progress.TaskCompleted,
		JobID:               jobID,
		StudentAssessmentID: studentAssessmentID,
		TaskID:              task.ID,
		Status:              string(result.Status),
		Score:               result.EarnedScore,
		MaxScore:            result.MaxScore,
		Error:               result.ErrorMessage,
		Timestamp:           e.now().UTC(),
	})
	return result
}

func (e *TaskEvaluator) scoreChecks(ctx context.Context, jobID string, task model.AssessmentTask, result *model.TaskResult) error {
	checks, err := e.assessments.ListChecks(ctx, task.ID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "load checks failed")
	}
	if len(checks) == 0 {
		return appErr.New(appErr.ChecksNotFound)
	}
	maxScore := 0
	for _, c := range checks {
		maxScore += c.Points
	}
	result.MaxScore = maxScore
	if err := e.results.UpsertTaskResult(ctx, result); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "reset task result failed")
	}

	earned := 0
	result.Checks = make([]model.CheckResult, 0, len(checks))
	for _, check := range checks {
		cr := e.checks.Evaluate(ctx, result.StudentAssessmentID, task, check)
		if e.evidence != nil {
			if err := e.evidence.Offload(ctx, &cr); err != nil {
				logger.Warn(ctx, "offload evidence failed, keeping it inline",
					zap.String("check_id", check.ID),
					zap.Error(err),
				)
			}
		}
		if err := e.results.UpsertCheckResult(ctx, &cr); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "persist check result failed")
		}
		earned += cr.Score
		result.Checks = append(result.Checks, cr)

		e.sink.Emit(ctx, progress.Event{
			Name:                progress.CheckCompleted,
			JobID:               jobID,
			StudentAssessmentID: result.StudentAssessmentID,
			TaskID:              task.ID,
			CheckID:             check.ID,
			Status:              string(cr.Status),
			Score:               cr.Score,
			MaxScore:            cr.MaxScore,
			Error:               cr.Error,
			Timestamp:           e.now().UTC(),
		})
	}

	result.EarnedScore = earned
	result.Status = model.TaskStatusFor(earned)
	completed := e.now().UTC()
	result.CompletedAt = &completed
	if err := e.results.UpsertTaskResult(ctx, result); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "persist task result failed")
	}
	logger.Info(ctx, "task evaluated",
		zap.String("task_id", task.ID),
		zap.Int("earned", earned),
		zap.Int("max", maxScore),
		zap.String("status", string(result.Status)),
	)
	return nil
}
