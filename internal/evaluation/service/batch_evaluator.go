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

// BatchSummary counts the outcome of a batch run.
type BatchSummary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
}

// BatchEvaluator evaluates the students of a batch job one after another.
type BatchEvaluator struct {
	jobs        repository.JobRepository
	assessments repository.AssessmentRepository
	evaluator   *AssessmentEvaluator
	sink        progress.Sink
	now         func() time.Time
}

// BatchEvaluatorConfig holds batch evaluator dependencies.
type BatchEvaluatorConfig struct {
	Jobs        repository.JobRepository
	Assessments repository.AssessmentRepository
	Evaluator   *AssessmentEvaluator
	Sink        progress.Sink
}

// NewBatchEvaluator creates a batch evaluator.
func NewBatchEvaluator(cfg BatchEvaluatorConfig) (*BatchEvaluator, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if cfg.Assessments == nil {
		return nil, fmt.Errorf("assessment repository is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("assessment evaluator is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &BatchEvaluator{
		jobs:        cfg.Jobs,
		assessments: cfg.Assessments,
		evaluator:   cfg.Evaluator,
		sink:        sink,
		now:         time.Now,
	}, nil
}

// Evaluate runs every student of the batch. A failing student is logged and
// counted; only cancellation stops the loop early.
func (e *BatchEvaluator) Evaluate(ctx context.Context, job *model.EvaluationJob) (*BatchSummary, error) {
	details := job.BatchDetails
	if details == nil || len(details.StudentAssessmentIDs) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("batch job has no student assessments")
	}
	summary := &BatchSummary{Total: len(details.StudentAssessmentIDs)}

	for i, saID := range details.StudentAssessmentIDs {
		if cause := interrupted(ctx); cause != nil {
			logger.Info(ctx, "batch evaluation interrupted", zap.Int("students_done", i), zap.Error(cause))
			return summary, cause
		}

		if !details.ForceReEvaluate && e.alreadyEvaluated(ctx, saID) {
			summary.Skipped++
			summary.Completed++
		} else if _, err := e.evaluator.Evaluate(ctx, job.ID, saID, EvaluateOptions{}); err != nil {
			if IsCancelled(err) || interrupted(ctx) != nil {
				return summary, err
			}
			summary.Failed++
			logger.Error(ctx, "student evaluation failed",
				zap.String("student_assessment_id", saID),
				zap.Error(err),
			)
		} else {
			summary.Completed++
		}

		pct := model.ProgressPercent(i+1, summary.Total)
		reportJobProgress(ctx, e.jobs, job.ID, pct)
		e.sink.Emit(ctx, progress.Event{
			Name:                progress.BatchEvaluationProgress,
			JobID:               job.ID,
			StudentAssessmentID: saID,
			Progress:            pct,
			Completed:           summary.Completed,
			Failed:              summary.Failed,
			Total:               summary.Total,
			Timestamp:           e.now().UTC(),
		})
	}

	logger.Info(ctx, "batch evaluation completed",
		zap.String("batch_id", details.BatchID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (e *BatchEvaluator) alreadyEvaluated(ctx context.Context, studentAssessmentID string) bool {
	sa, err := e.assessments.GetStudentAssessment(ctx, studentAssessmentID)
	return err == nil && sa.EvaluatedAt != nil
}
