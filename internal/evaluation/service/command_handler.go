package service

import (
	"context"
	"encoding/json"
	"strings"

	"cloudeval/internal/common/mq"
	"cloudeval/internal/evaluation/model"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/contextkey"
	"cloudeval/pkg/utils/logger"

	"go.uber.org/zap"
)

// Command actions accepted on the command topic.
const (
	ActionStartAssessment = "start_assessment"
	ActionStartBatch      = "start_batch"
	ActionCancel          = "cancel"
	ActionRetry           = "retry"
)

// Command is a job command published by operators and other services.
type Command struct {
	Action               string   `json:"action"`
	StudentAssessmentID  string   `json:"student_assessment_id,omitempty"`
	BatchID              string   `json:"batch_id,omitempty"`
	AssessmentID         string   `json:"assessment_id,omitempty"`
	StudentAssessmentIDs []string `json:"student_assessment_ids,omitempty"`
	ForceReEvaluate      bool     `json:"force_re_evaluate,omitempty"`
	JobID                string   `json:"job_id,omitempty"`
	RequestedBy          string   `json:"requested_by,omitempty"`
}

// CommandHandler applies job commands delivered by the message queue.
type CommandHandler struct {
	engine *Engine
}

// NewCommandHandler creates a handler bound to engine.
func NewCommandHandler(engine *Engine) *CommandHandler {
	return &CommandHandler{engine: engine}
}

// HandleMessage decodes and applies one command. Commands that can never
// succeed are marked permanent so the queue dead-letters them without retrying.
func (h *CommandHandler) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return mq.Permanent(appErr.New(appErr.InvalidParams).WithMessage("message is nil"))
	}
	if traceID := msg.Headers[mq.HeaderTraceID]; traceID != "" {
		ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
	}
	var cmd Command
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		logger.Warn(ctx, "malformed job command", zap.String("message_id", msg.ID), zap.Error(err))
		return mq.Permanent(appErr.Wrapf(err, appErr.InvalidParams, "decode command failed"))
	}
	if cmd.RequestedBy != "" {
		ctx = context.WithValue(ctx, contextkey.UserID, cmd.RequestedBy)
	}

	err := h.apply(ctx, cmd)
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		logger.Warn(ctx, "job command rejected", zap.String("action", cmd.Action), zap.Error(err))
		return mq.Permanent(err)
	}
	logger.Error(ctx, "job command failed", zap.String("action", cmd.Action), zap.Error(err))
	return err
}

func (h *CommandHandler) apply(ctx context.Context, cmd Command) error {
	switch strings.ToLower(cmd.Action) {
	case ActionStartAssessment:
		job, err := h.engine.StartAssessmentEvaluation(ctx, cmd.StudentAssessmentID, cmd.RequestedBy)
		if err != nil {
			return err
		}
		logger.Info(ctx, "assessment evaluation submitted", zap.String("job_id", job.ID))
	case ActionStartBatch:
		job, err := h.engine.StartBatchEvaluation(ctx, StartBatchRequest{
			BatchID:              cmd.BatchID,
			AssessmentID:         cmd.AssessmentID,
			StudentAssessmentIDs: cmd.StudentAssessmentIDs,
			InitiatedBy:          cmd.RequestedBy,
			ForceReEvaluate:      cmd.ForceReEvaluate,
		})
		if err != nil {
			return err
		}
		logger.Info(ctx, "batch evaluation submitted", zap.String("job_id", job.ID))
	case ActionCancel:
		cancelled, err := h.engine.CancelEvaluation(ctx, cmd.JobID, cmd.RequestedBy)
		if err != nil {
			return err
		}
		logger.Info(ctx, "cancel command applied", zap.String("job_id", cmd.JobID), zap.Bool("cancelled", cancelled))
	case ActionRetry:
		if cmd.JobID == "" {
			return appErr.ValidationError("job_id", "required")
		}
		job, err := h.engine.RetryEvaluation(ctx, &model.EvaluationJob{ID: cmd.JobID}, cmd.RequestedBy)
		if err != nil {
			return err
		}
		logger.Info(ctx, "retry submitted", zap.String("original_job_id", cmd.JobID), zap.String("job_id", job.ID))
	default:
		return appErr.Newf(appErr.InvalidParams, "unknown command action %q", cmd.Action)
	}
	return nil
}

// isPermanent reports commands rejected for their content, plus those
// arriving after shutdown began.
func isPermanent(err error) bool {
	code := appErr.GetCode(err)
	return code.ClientError() || code == appErr.EvaluationQueueClosed
}
