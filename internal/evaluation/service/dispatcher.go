package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/contextkey"
	"cloudeval/pkg/utils/logger"
	pkgrepo "cloudeval/pkg/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultEstimatePerAssessment = 2 * time.Minute
	interruptedMessage           = "evaluation interrupted"
)

// AssessmentRunner evaluates one student assessment.
type AssessmentRunner interface {
	Evaluate(ctx context.Context, jobID, studentAssessmentID string, opts EvaluateOptions) (*model.FinalScore, error)
}

// BatchRunner evaluates every student of a batch job.
type BatchRunner interface {
	Evaluate(ctx context.Context, job *model.EvaluationJob) (*BatchSummary, error)
}

// DispatcherConfig holds dispatcher dependencies and settings.
type DispatcherConfig struct {
	Jobs                  repository.JobRepository
	Assessments           AssessmentRunner
	Batches               BatchRunner
	Sink                  progress.Sink
	EstimatePerAssessment time.Duration
}

// Dispatcher owns the in-process FIFO of pending jobs and runs them one at a
// time on a single worker goroutine.
type Dispatcher struct {
	jobs        repository.JobRepository
	assessments AssessmentRunner
	batches     BatchRunner
	sink        progress.Sink
	estimate    time.Duration
	now         func() time.Time

	mu      sync.Mutex
	queue   []*model.EvaluationJob
	handles map[string]context.CancelCauseFunc
	started bool
	closed  bool

	wake   chan struct{}
	stop   context.CancelCauseFunc
	doneCh chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin processing.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if cfg.Assessments == nil {
		return nil, fmt.Errorf("assessment evaluator is required")
	}
	if cfg.Batches == nil {
		return nil, fmt.Errorf("batch evaluator is required")
	}
	estimate := cfg.EstimatePerAssessment
	if estimate <= 0 {
		estimate = defaultEstimatePerAssessment
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &Dispatcher{
		jobs:        cfg.Jobs,
		assessments: cfg.Assessments,
		batches:     cfg.Batches,
		sink:        sink,
		estimate:    estimate,
		now:         time.Now,
		handles:     make(map[string]context.CancelCauseFunc),
		wake:        make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}, nil
}

// Enqueue persists job as pending and queues it. Fields set by the dispatcher
// (id, status, progress, timestamps, estimate) are overwritten on job.
func (d *Dispatcher) Enqueue(ctx context.Context, job *model.EvaluationJob) (string, error) {
	if job == nil {
		return "", appErr.New(appErr.InvalidParams).WithMessage("job is required")
	}
	if !job.Type.Valid() {
		return "", appErr.Newf(appErr.UnknownJobType, "unknown job type %q", job.Type)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", appErr.New(appErr.EvaluationQueueClosed)
	}

	now := d.now().UTC()
	job.ID = uuid.NewString()
	job.Status = model.JobStatusPending
	job.Progress = 0
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ErrorMessage = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	job.EstimatedDuration = d.estimateFor(job)
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "create evaluation job failed")
	}

	d.mu.Lock()
	d.queue = append(d.queue, job.Clone())
	d.mu.Unlock()
	d.signal()

	logger.Info(ctx, "evaluation job queued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("target_id", job.TargetID),
	)
	return job.ID, nil
}

func (d *Dispatcher) estimateFor(job *model.EvaluationJob) time.Duration {
	students := 1
	if job.Type == model.JobTypeBatch && job.BatchDetails != nil {
		students = len(job.BatchDetails.StudentAssessmentIDs)
	}
	return time.Duration(students) * d.estimate
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start recovers jobs left behind by a previous process and starts the worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.recover(ctx); err != nil {
		return err
	}
	runCtx, stop := context.WithCancelCause(ctx)
	d.mu.Lock()
	d.stop = stop
	d.mu.Unlock()
	go d.loop(runCtx)
	return nil
}

// Stop stops accepting jobs, interrupts the running one and waits for the worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	stop := d.stop
	d.mu.Unlock()
	if stop == nil {
		return
	}
	stop(errDispatcherStopped)
	<-d.doneCh
}

func (d *Dispatcher) recover(ctx context.Context) error {
	stale, err := d.jobs.ListJobsByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "list running jobs failed")
	}
	for _, job := range stale {
		msg := interruptedMessage
		completed := d.now().UTC()
		if _, err := d.jobs.UpdateJobStatus(ctx, job.ID, model.JobUpdate{
			Status:       model.JobStatusFailed,
			CompletedAt:  &completed,
			ErrorMessage: &msg,
		}); err != nil && !pkgrepo.IsInvalidTransition(err) {
			return appErr.Wrapf(err, appErr.DatabaseError, "fail stale job failed")
		}
		logger.Warn(ctx, "marked stale running job failed", zap.String("job_id", job.ID))
	}

	pending, err := d.jobs.ListJobsByStatus(ctx, model.JobStatusPending)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "list pending jobs failed")
	}
	d.mu.Lock()
	queued := make(map[string]bool, len(d.queue))
	for _, job := range d.queue {
		queued[job.ID] = true
	}
	var recovered []*model.EvaluationJob
	for _, job := range pending {
		if !queued[job.ID] {
			recovered = append(recovered, job)
		}
	}
	d.queue = append(recovered, d.queue...)
	d.mu.Unlock()
	if len(recovered) > 0 {
		d.signal()
		logger.Info(ctx, "requeued pending jobs", zap.Int("count", len(recovered)))
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)
	for {
		job, jobCtx := d.next(ctx)
		if job == nil {
			select {
			case <-d.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		d.run(jobCtx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the head of the queue and registers its cancellation handle in
// the same critical section, so Cancel always sees the job in one of the two.
func (d *Dispatcher) next(ctx context.Context) (*model.EvaluationJob, context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 || ctx.Err() != nil {
		return nil, nil
	}
	job := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	jobCtx, cancel := context.WithCancelCause(ctx)
	d.handles[job.ID] = cancel
	return job, jobCtx
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	cancel, ok := d.handles[jobID]
	delete(d.handles, jobID)
	d.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (d *Dispatcher) run(ctx context.Context, job *model.EvaluationJob) {
	defer d.release(job.ID)
	ctx = context.WithValue(ctx, contextkey.JobID, job.ID)
	persistCtx := context.WithoutCancel(ctx)

	started := d.now().UTC()
	zero := 0
	if _, err := d.jobs.UpdateJobStatus(persistCtx, job.ID, model.JobUpdate{
		Status:    model.JobStatusRunning,
		Progress:  &zero,
		StartedAt: &started,
	}); err != nil {
		// a job cancelled in the store by another caller is skipped
		logger.Warn(ctx, "start evaluation job failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "evaluation job started", zap.String("type", string(job.Type)), zap.String("target_id", job.TargetID))

	err := d.execute(ctx, job)
	if err != nil && !IsCancelled(err) {
		// a store call aborted by the cancelled context still counts as cancellation
		if cause := interrupted(ctx); cause != nil && IsCancelled(cause) {
			err = cause
		}
	}

	completed := d.now().UTC()
	update := model.JobUpdate{CompletedAt: &completed}
	switch {
	case err == nil:
		full := 100
		update.Status = model.JobStatusCompleted
		update.Progress = &full
	case IsCancelled(err):
		msg := err.Error()
		update.Status = model.JobStatusCancelled
		update.ErrorMessage = &msg
	default:
		msg := err.Error()
		if context.Cause(ctx) == errDispatcherStopped {
			msg = interruptedMessage + ": " + errDispatcherStopped.Error()
		}
		update.Status = model.JobStatusFailed
		update.ErrorMessage = &msg
	}
	if _, perr := d.jobs.UpdateJobStatus(persistCtx, job.ID, update); perr != nil {
		logger.Error(ctx, "persist evaluation job outcome failed", zap.String("status", string(update.Status)), zap.Error(perr))
		return
	}
	d.finished(persistCtx, job.ID, update)
	if err != nil && update.Status == model.JobStatusFailed {
		logger.Error(ctx, "evaluation job failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "evaluation job finished",
		zap.String("status", string(update.Status)),
		zap.Duration("elapsed", completed.Sub(started)),
	)
}

func (d *Dispatcher) execute(ctx context.Context, job *model.EvaluationJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "evaluator panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = appErr.Newf(appErr.InternalServerError, "evaluator panicked: %v", rec)
		}
	}()
	switch job.Type {
	case model.JobTypeAssessment:
		_, err = d.assessments.Evaluate(ctx, job.ID, job.TargetID, EvaluateOptions{TrackJobProgress: true})
	case model.JobTypeBatch:
		_, err = d.batches.Evaluate(ctx, job)
	default:
		err = appErr.Newf(appErr.UnknownJobType, "unknown job type %q", job.Type)
	}
	return err
}

// Cancel cancels a pending or running job. It returns false when the job is
// already terminal. A running job stops at its next task or student boundary.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, requestedBy string) (bool, error) {
	if jobID == "" {
		return false, appErr.ValidationError("job_id", "required")
	}
	d.mu.Lock()
	if cancel, ok := d.handles[jobID]; ok {
		cancel(newCancelError(requestedBy))
		d.mu.Unlock()
		logger.Info(ctx, "cancellation requested for running job", zap.String("job_id", jobID), zap.String("requested_by", requestedBy))
		return true, nil
	}
	queued := false
	for i, job := range d.queue {
		if job.ID == jobID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			queued = true
			break
		}
	}
	d.mu.Unlock()

	if !queued {
		job, err := d.jobs.GetJob(ctx, jobID)
		if err != nil {
			if pkgrepo.IsNotFoundError(err) {
				return false, appErr.New(appErr.EvaluationJobNotFound).WithDetail("job_id", jobID)
			}
			return false, appErr.Wrapf(err, appErr.DatabaseError, "load evaluation job failed")
		}
		if job.Status.IsTerminal() {
			return false, nil
		}
	}
	return d.markCancelled(ctx, jobID, requestedBy)
}

func (d *Dispatcher) markCancelled(ctx context.Context, jobID, requestedBy string) (bool, error) {
	msg := newCancelError(requestedBy).Error()
	completed := d.now().UTC()
	_, err := d.jobs.UpdateJobStatus(ctx, jobID, model.JobUpdate{
		Status:       model.JobStatusCancelled,
		CompletedAt:  &completed,
		ErrorMessage: &msg,
	})
	if err != nil {
		if pkgrepo.IsInvalidTransition(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.DatabaseError, "cancel evaluation job failed")
	}
	d.finished(ctx, jobID, model.JobUpdate{Status: model.JobStatusCancelled, CompletedAt: &completed, ErrorMessage: &msg})
	logger.Info(ctx, "evaluation job cancelled", zap.String("job_id", jobID), zap.String("requested_by", requestedBy))
	return true, nil
}

func (d *Dispatcher) finished(ctx context.Context, jobID string, update model.JobUpdate) {
	event := progress.Event{
		Name:      progress.JobFinished,
		JobID:     jobID,
		Status:    string(update.Status),
		Timestamp: *update.CompletedAt,
	}
	if update.Progress != nil {
		event.Progress = *update.Progress
	}
	if update.ErrorMessage != nil {
		event.Error = *update.ErrorMessage
	}
	d.sink.Emit(ctx, event)
}

// Retry enqueues a new job for the same target. Only terminal jobs can be retried
// and the original is left untouched.
func (d *Dispatcher) Retry(ctx context.Context, original *model.EvaluationJob, requestedBy string) (*model.EvaluationJob, error) {
	if original == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("original job is required")
	}
	if !original.Status.IsTerminal() {
		return nil, appErr.New(appErr.EvaluationJobNotRetryable).WithDetail("status", string(original.Status))
	}
	job := &model.EvaluationJob{
		Type:         original.Type,
		TargetID:     original.TargetID,
		InitiatedBy:  requestedBy,
		BatchDetails: original.BatchDetails.Clone(),
	}
	if _, err := d.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	logger.Info(ctx, "evaluation job retried", zap.String("original_job_id", original.ID), zap.String("job_id", job.ID))
	return job.Clone(), nil
}

// QueueLength returns the number of jobs waiting to run.
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
