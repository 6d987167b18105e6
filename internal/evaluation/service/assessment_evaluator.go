package service

import (
	"context"
	"fmt"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/contextkey"
	"cloudeval/pkg/utils/logger"
	pkgrepo "cloudeval/pkg/repository"

	"go.uber.org/zap"
)

// EvaluateOptions tunes one assessment evaluation.
type EvaluateOptions struct {
	// TrackJobProgress writes per-task progress to the job row. Batch jobs
	// track progress per student instead.
	TrackJobProgress bool
}

// AssessmentEvaluator scores every task of one student assessment.
type AssessmentEvaluator struct {
	jobs        repository.JobRepository
	assessments repository.AssessmentRepository
	tasks       *TaskEvaluator
	sink        progress.Sink
	now         func() time.Time
}

// AssessmentEvaluatorConfig holds assessment evaluator dependencies.
type AssessmentEvaluatorConfig struct {
	Jobs        repository.JobRepository
	Assessments repository.AssessmentRepository
	Tasks       *TaskEvaluator
	Sink        progress.Sink
}

// NewAssessmentEvaluator creates an assessment evaluator.
func NewAssessmentEvaluator(cfg AssessmentEvaluatorConfig) (*AssessmentEvaluator, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if cfg.Assessments == nil {
		return nil, fmt.Errorf("assessment repository is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task evaluator is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &AssessmentEvaluator{
		jobs:        cfg.Jobs,
		assessments: cfg.Assessments,
		tasks:       cfg.Tasks,
		sink:        sink,
		now:         time.Now,
	}, nil
}

// Evaluate scores the assessment and persists its final score once. It returns
// the cancellation cause when ctx is cancelled between tasks.
func (e *AssessmentEvaluator) Evaluate(ctx context.Context, jobID, studentAssessmentID string, opts EvaluateOptions) (*model.FinalScore, error) {
	ctx = context.WithValue(ctx, contextkey.StudentAssessmentID, studentAssessmentID)

	sa, err := e.assessments.GetStudentAssessment(ctx, studentAssessmentID)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return nil, appErr.New(appErr.StudentAssessmentNotFound).WithDetail("student_assessment_id", studentAssessmentID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load student assessment failed")
	}
	tasks, err := e.assessments.ListTasks(ctx, sa.AssessmentID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load tasks failed")
	}
	logger.Info(ctx, "assessment evaluation started", zap.Int("tasks", len(tasks)))

	earned, possible := 0, 0
	for i, task := range tasks {
		if cause := interrupted(ctx); cause != nil {
			logger.Info(ctx, "assessment evaluation interrupted", zap.Int("tasks_done", i), zap.Error(cause))
			return nil, cause
		}
		// in-flight checks finish even when the job is cancelled meanwhile
		result := e.tasks.Evaluate(context.WithoutCancel(ctx), jobID, studentAssessmentID, task)
		earned += result.EarnedScore
		possible += result.MaxScore

		pct := model.ProgressPercent(i+1, len(tasks))
		if opts.TrackJobProgress {
			reportJobProgress(ctx, e.jobs, jobID, pct)
		}
		e.sink.Emit(ctx, progress.Event{
			Name:                progress.EvaluationProgress,
			JobID:               jobID,
			StudentAssessmentID: studentAssessmentID,
			TaskID:              task.ID,
			Progress:            pct,
			Score:               earned,
			MaxScore:            possible,
			Completed:           i + 1,
			Total:               len(tasks),
			Timestamp:           e.now().UTC(),
		})
	}

	percentage := model.Percentage(earned, possible)
	score := model.FinalScore{
		TotalScore:  earned,
		MaxScore:    possible,
		Percentage:  percentage,
		Grade:       model.GradeFor(percentage),
		EvaluatedAt: e.now().UTC(),
	}
	if err := e.assessments.SaveFinalScore(context.WithoutCancel(ctx), studentAssessmentID, score); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "save final score failed")
	}
	e.sink.Emit(ctx, progress.Event{
		Name:                progress.EvaluationCompleted,
		JobID:               jobID,
		StudentAssessmentID: studentAssessmentID,
		Score:               earned,
		MaxScore:            possible,
		Percentage:          percentage,
		Grade:               score.Grade,
		Progress:            100,
		Timestamp:           e.now().UTC(),
	})
	logger.Info(ctx, "assessment evaluation completed",
		zap.Int("earned", earned),
		zap.Int("possible", possible),
		zap.Float64("percentage", percentage),
		zap.String("grade", score.Grade),
	)
	return &score, nil
}

// reportJobProgress records running progress. The value is held below 100,
// which is reserved for completed jobs.
func reportJobProgress(ctx context.Context, jobs repository.JobRepository, jobID string, pct int) {
	if pct > 99 {
		pct = 99
	}
	if err := jobs.UpdateJobProgress(context.WithoutCancel(ctx), jobID, pct); err != nil {
		logger.Warn(ctx, "update job progress failed", zap.Int("progress", pct), zap.Error(err))
	}
}
