package service

import (
	"context"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"
	"cloudeval/internal/evaluation/sandbox"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/logger"
	pkgrepo "cloudeval/pkg/repository"

	"go.uber.org/zap"
)

// CheckEvaluator runs one validation script and turns its outcome into a binary score.
type CheckEvaluator struct {
	credentials repository.AssessmentRepository
	runner      sandbox.Runner
	modules     []string
	now         func() time.Time
}

// NewCheckEvaluator creates a check evaluator. A nil modules slice keeps the
// runner's default allow-list.
func NewCheckEvaluator(credentials repository.AssessmentRepository, runner sandbox.Runner, modules []string) *CheckEvaluator {
	return &CheckEvaluator{
		credentials: credentials,
		runner:      runner,
		modules:     modules,
		now:         time.Now,
	}
}

// Evaluate always returns a well-formed result; failures are recorded on it.
func (e *CheckEvaluator) Evaluate(ctx context.Context, studentAssessmentID string, task model.AssessmentTask, check model.TaskCheck) (result model.CheckResult) {
	result = model.CheckResult{
		StudentAssessmentID: studentAssessmentID,
		TaskID:              task.ID,
		CheckID:             check.ID,
		Status:              model.CheckFailed,
		MaxScore:            check.Points,
	}
	start := e.now()
	defer func() {
		end := e.now()
		result.EvaluatedAt = end.UTC()
		result.ExecutionTime = end.Sub(start)
	}()

	creds, err := e.credentials.GetCredentials(ctx, studentAssessmentID, task.Provider)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			result.Error = appErr.CredentialsNotFound.Message()
		} else {
			result.Error = appErr.Wrapf(err, appErr.DatabaseError, "load credentials failed").Error()
			logger.Error(ctx, "load credentials failed", zap.String("check_id", check.ID), zap.Error(err))
		}
		return result
	}

	res := e.runner.Run(ctx, sandbox.Request{
		Script:      check.Script,
		Credentials: creds,
		Provider:    task.Provider,
		Modules:     e.modules,
	})
	if res.Passed {
		result.Status = model.CheckPassed
		result.Score = check.Points
	}
	result.Evidence = res.Evidence
	result.Error = res.Error
	if err := sandbox.AsError(res); err != nil {
		logger.Debug(ctx, "check failed in sandbox",
			zap.String("task_id", task.ID),
			zap.String("check_id", check.ID),
			zap.Int("code", int(appErr.GetCode(err))),
			zap.Error(err),
		)
	}
	return result
}
