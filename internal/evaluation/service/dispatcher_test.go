package service_test

import (
	"context"
	"testing"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	"cloudeval/internal/evaluation/service"
	appErr "cloudeval/pkg/errors"
)

func TestCancelPendingJobNeverRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")
	h.seedStudent("sa-2", "a1")

	job, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-1", "alice")
	if err != nil {
		t.Fatalf("start evaluation failed: %v", err)
	}
	cancelled, err := h.engine.CancelEvaluation(context.Background(), job.ID, "bob")
	if err != nil || !cancelled {
		t.Fatalf("expected pending job to be cancelled, got %v %v", cancelled, err)
	}
	if h.dispatcher.QueueLength() != 0 {
		t.Fatalf("cancelled job must leave the queue")
	}

	h.start(t)
	next, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-2", "alice")
	if err != nil {
		t.Fatalf("start evaluation failed: %v", err)
	}
	waitForStatus(t, h.store, next.ID, model.JobStatusCompleted)

	stored := waitForStatus(t, h.store, job.ID, model.JobStatusCancelled)
	if stored.StartedAt != nil || stored.ErrorMessage != "evaluation cancelled by bob" {
		t.Fatalf("unexpected cancelled job: %+v", stored)
	}
	if h.runner.Calls() != 1 {
		t.Fatalf("expected only the second job to run, got %d sandbox calls", h.runner.Calls())
	}
	if sa, _ := h.store.GetStudentAssessment(context.Background(), "sa-1"); sa.EvaluatedAt != nil {
		t.Fatalf("cancelled student must not be scored")
	}
	cancelledEvent := waitForFinished(t, h.sink, job.ID)
	if cancelledEvent.Status != string(model.JobStatusCancelled) || cancelledEvent.Error != "evaluation cancelled by bob" {
		t.Fatalf("unexpected finish event for cancelled job: %+v", cancelledEvent)
	}
	if done := waitForFinished(t, h.sink, next.ID); done.Status != string(model.JobStatusCompleted) || done.Progress != 100 {
		t.Fatalf("unexpected finish event for completed job: %+v", done)
	}
}

func TestCancelRunningJobStopsAtTaskBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("slow",
		[]model.TaskCheck{check(scriptPass, 10)},
		[]model.TaskCheck{check(scriptBlock, 10)},
		[]model.TaskCheck{check(scriptPass, 10)},
	)
	h.seedStudent("sa-1", "slow")
	h.start(t)

	job, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-1", "alice")
	if err != nil {
		t.Fatalf("start evaluation failed: %v", err)
	}
	waitForSignal(t, h.runner.started)

	running, err := h.engine.GetEvaluationJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if running.Status != model.JobStatusRunning || running.Progress != 33 {
		t.Fatalf("expected running job at 33%%, got %s at %d", running.Status, running.Progress)
	}

	cancelled, err := h.engine.CancelEvaluation(context.Background(), job.ID, "alice")
	if err != nil || !cancelled {
		t.Fatalf("expected running job to accept cancellation, got %v %v", cancelled, err)
	}
	close(h.runner.release)

	stored := waitForStatus(t, h.store, job.ID, model.JobStatusCancelled)
	if stored.ErrorMessage != "evaluation cancelled by alice" {
		t.Fatalf("unexpected error message %q", stored.ErrorMessage)
	}
	if stored.Progress == 100 {
		t.Fatalf("cancelled job must not report full progress")
	}
	if got := h.runner.Calls(); got != 2 {
		t.Fatalf("expected the blocked task to finish and the third to be skipped, got %d calls", got)
	}
	// the in-flight task result is still persisted
	result, err := h.store.GetTaskResult(context.Background(), "sa-1", "slow-t2")
	if err != nil || result.Status != model.TaskResultCompleted {
		t.Fatalf("expected in-flight task result, got %+v %v", result, err)
	}
	if sa, _ := h.store.GetStudentAssessment(context.Background(), "sa-1"); sa.EvaluatedAt != nil {
		t.Fatalf("cancelled assessment must not write a final score")
	}
}

func TestCancelTerminalAndUnknownJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")
	h.start(t)

	job, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-1", "alice")
	if err != nil {
		t.Fatalf("start evaluation failed: %v", err)
	}
	waitForStatus(t, h.store, job.ID, model.JobStatusCompleted)

	cancelled, err := h.engine.CancelEvaluation(context.Background(), job.ID, "alice")
	if err != nil || cancelled {
		t.Fatalf("expected terminal job to be left alone, got %v %v", cancelled, err)
	}
	stored, _ := h.store.GetJob(context.Background(), job.ID)
	if stored.Status != model.JobStatusCompleted {
		t.Fatalf("terminal status changed to %s", stored.Status)
	}

	_, err = h.engine.CancelEvaluation(context.Background(), "missing", "alice")
	if appErr.GetCode(err) != appErr.EvaluationJobNotFound {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestBatchContinuesPastFailedStudent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")
	h.seedStudent("sa-3", "a1")
	h.start(t)

	job, err := h.engine.StartBatchEvaluation(context.Background(), service.StartBatchRequest{
		BatchID:              "batch-1",
		AssessmentID:         "a1",
		StudentAssessmentIDs: []string{"sa-1", "sa-missing", "sa-3"},
		InitiatedBy:          "alice",
	})
	if err != nil {
		t.Fatalf("start batch failed: %v", err)
	}
	if job.EstimatedDuration != 3*2*time.Minute {
		t.Fatalf("unexpected estimate %s", job.EstimatedDuration)
	}
	done := waitForStatus(t, h.store, job.ID, model.JobStatusCompleted)
	if done.Progress != 100 {
		t.Fatalf("expected full progress, got %d", done.Progress)
	}

	events := h.sink.Named(progress.BatchEvaluationProgress)
	if len(events) != 3 {
		t.Fatalf("expected one batch event per student, got %d", len(events))
	}
	last := events[2]
	if last.Completed != 2 || last.Failed != 1 || last.Total != 3 || last.Progress != 100 {
		t.Fatalf("unexpected final batch event: %+v", last)
	}
	for _, id := range []string{"sa-1", "sa-3"} {
		if sa, _ := h.store.GetStudentAssessment(context.Background(), id); sa.EvaluatedAt == nil {
			t.Fatalf("student %s was not scored", id)
		}
	}
}

func TestBatchSkipsEvaluatedStudentsUnlessForced(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		force     bool
		wantCalls int
	}{
		{name: "skip evaluated", force: false, wantCalls: 1},
		{name: "force re-evaluation", force: true, wantCalls: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
			h.seedStudent("sa-1", "a1")
			h.seedStudent("sa-2", "a1")
			if err := h.store.SaveFinalScore(context.Background(), "sa-1", model.FinalScore{TotalScore: 10, MaxScore: 10, Percentage: 100, Grade: "A", EvaluatedAt: time.Now()}); err != nil {
				t.Fatalf("seed final score failed: %v", err)
			}
			h.start(t)

			job, err := h.engine.StartBatchEvaluation(context.Background(), service.StartBatchRequest{
				BatchID:              "batch-1",
				AssessmentID:         "a1",
				StudentAssessmentIDs: []string{"sa-1", "sa-2"},
				ForceReEvaluate:      tt.force,
			})
			if err != nil {
				t.Fatalf("start batch failed: %v", err)
			}
			waitForStatus(t, h.store, job.ID, model.JobStatusCompleted)
			if got := h.runner.Calls(); got != tt.wantCalls {
				t.Fatalf("expected %d sandbox calls, got %d", tt.wantCalls, got)
			}
			events := h.sink.Named(progress.BatchEvaluationProgress)
			if last := events[len(events)-1]; last.Completed != 2 || last.Failed != 0 {
				t.Fatalf("unexpected final batch event: %+v", last)
			}
		})
	}
}

func TestRetryFailedBatchCreatesNewJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")

	now := time.Now().UTC()
	failed := &model.EvaluationJob{
		ID:       "job-failed",
		Type:     model.JobTypeBatch,
		TargetID: "batch-1",
		Status:   model.JobStatusPending,
		BatchDetails: &model.BatchDetails{
			BatchID:              "batch-1",
			AssessmentID:         "a1",
			StudentAssessmentIDs: []string{"sa-1"},
			ForceReEvaluate:      true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateJob(context.Background(), failed); err != nil {
		t.Fatalf("seed job failed: %v", err)
	}
	msg := "database unavailable"
	for _, status := range []model.JobStatus{model.JobStatusRunning, model.JobStatusFailed} {
		update := model.JobUpdate{Status: status}
		if status == model.JobStatusFailed {
			update.ErrorMessage = &msg
		}
		if _, err := h.store.UpdateJobStatus(context.Background(), failed.ID, update); err != nil {
			t.Fatalf("seed job status failed: %v", err)
		}
	}
	h.start(t)

	retried, err := h.engine.RetryEvaluation(context.Background(), &model.EvaluationJob{ID: failed.ID}, "bob")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.ID == failed.ID || retried.InitiatedBy != "bob" || retried.Type != model.JobTypeBatch {
		t.Fatalf("unexpected retried job: %+v", retried)
	}
	if retried.BatchDetails == nil || retried.BatchDetails.BatchID != "batch-1" || !retried.BatchDetails.ForceReEvaluate {
		t.Fatalf("batch details not copied: %+v", retried.BatchDetails)
	}
	waitForStatus(t, h.store, retried.ID, model.JobStatusCompleted)

	original, _ := h.store.GetJob(context.Background(), failed.ID)
	if original.Status != model.JobStatusFailed || original.ErrorMessage != msg {
		t.Fatalf("original job must stay untouched, got %+v", original)
	}
}

func TestRetryActiveJobRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")

	job, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-1", "alice")
	if err != nil {
		t.Fatalf("start evaluation failed: %v", err)
	}
	_, err = h.engine.RetryEvaluation(context.Background(), job, "alice")
	if appErr.GetCode(err) != appErr.EvaluationJobNotRetryable {
		t.Fatalf("expected not retryable, got %v", err)
	}

	_, err = h.engine.RetryEvaluation(context.Background(), &model.EvaluationJob{ID: "missing"}, "alice")
	if appErr.GetCode(err) != appErr.EvaluationJobNotFound {
		t.Fatalf("expected job not found, got %v", err)
	}
}

type panickingRunner struct {
	calls chan string
}

func (r *panickingRunner) Evaluate(_ context.Context, _ string, studentAssessmentID string, _ service.EvaluateOptions) (*model.FinalScore, error) {
	r.calls <- studentAssessmentID
	if studentAssessmentID == "boom" {
		panic("evaluator exploded")
	}
	return &model.FinalScore{}, nil
}

type unusedBatchRunner struct{}

func (unusedBatchRunner) Evaluate(context.Context, *model.EvaluationJob) (*service.BatchSummary, error) {
	return &service.BatchSummary{}, nil
}

func TestPanickingEvaluatorFailsJobAndWorkerSurvives(t *testing.T) {
	t.Parallel()
	store := repository.NewMemoryStore()
	runner := &panickingRunner{calls: make(chan string, 2)}
	sink := &recordingSink{}
	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Jobs:        store,
		Assessments: runner,
		Batches:     unusedBatchRunner{},
		Sink:        sink,
	})
	if err != nil {
		t.Fatalf("create dispatcher failed: %v", err)
	}
	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher failed: %v", err)
	}
	t.Cleanup(dispatcher.Stop)

	first, err := dispatcher.Enqueue(context.Background(), &model.EvaluationJob{Type: model.JobTypeAssessment, TargetID: "boom"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := dispatcher.Enqueue(context.Background(), &model.EvaluationJob{Type: model.JobTypeAssessment, TargetID: "fine"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	failed := waitForStatus(t, store, first, model.JobStatusFailed)
	if failed.ErrorMessage == "" {
		t.Fatalf("panicking job must record an error")
	}
	waitForStatus(t, store, second, model.JobStatusCompleted)

	event := waitForFinished(t, sink, first)
	if event.Status != string(model.JobStatusFailed) || event.Error != failed.ErrorMessage || event.Timestamp.IsZero() {
		t.Fatalf("unexpected finish event for failed job: %+v", event)
	}
	if len(sink.Named(progress.JobFinished)) > 2 {
		t.Fatalf("each job must finish once: %+v", sink.Named(progress.JobFinished))
	}
}

func TestStartRecoversJobsFromPreviousProcess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")

	now := time.Now().UTC()
	stale := &model.EvaluationJob{ID: "stale", Type: model.JobTypeAssessment, TargetID: "sa-1", Status: model.JobStatusPending, CreatedAt: now, UpdatedAt: now}
	pending := &model.EvaluationJob{ID: "pending", Type: model.JobTypeAssessment, TargetID: "sa-1", Status: model.JobStatusPending, CreatedAt: now, UpdatedAt: now}
	for _, job := range []*model.EvaluationJob{stale, pending} {
		if err := h.store.CreateJob(context.Background(), job); err != nil {
			t.Fatalf("seed job failed: %v", err)
		}
	}
	if _, err := h.store.UpdateJobStatus(context.Background(), stale.ID, model.JobUpdate{Status: model.JobStatusRunning}); err != nil {
		t.Fatalf("seed running job failed: %v", err)
	}

	h.start(t)
	failed := waitForStatus(t, h.store, stale.ID, model.JobStatusFailed)
	if failed.ErrorMessage != "evaluation interrupted" {
		t.Fatalf("unexpected stale job message %q", failed.ErrorMessage)
	}
	waitForStatus(t, h.store, pending.ID, model.JobStatusCompleted)
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedAssessment("a1", []model.TaskCheck{check(scriptPass, 10)})
	h.seedStudent("sa-1", "a1")
	h.start(t)
	h.dispatcher.Stop()

	_, err := h.engine.StartAssessmentEvaluation(context.Background(), "sa-1", "alice")
	if appErr.GetCode(err) != appErr.EvaluationQueueClosed {
		t.Fatalf("expected queue closed, got %v", err)
	}
}
