package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	"cloudeval/internal/evaluation/sandbox"
	"cloudeval/internal/evaluation/service"
)

const (
	scriptPass  = "pass"
	scriptFail  = "fail"
	scriptBlock = "block"
)

// fakeRunner interprets a tiny script vocabulary instead of running Lua.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	started chan struct{}
	release chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (r *fakeRunner) Run(ctx context.Context, req sandbox.Request) sandbox.Result {
	r.mu.Lock()
	r.calls = append(r.calls, req.Script)
	r.mu.Unlock()
	switch req.Script {
	case scriptPass:
		return sandbox.Result{Passed: true, Evidence: "resource found"}
	case scriptBlock:
		select {
		case r.started <- struct{}{}:
		default:
		}
		<-r.release
		return sandbox.Result{Passed: true, Evidence: "slow resource found"}
	default:
		return sandbox.Result{Passed: false, Error: "resource missing"}
	}
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordingSink) Emit(_ context.Context, event progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Named(name progress.EventName) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store      *repository.MemoryStore
	runner     *fakeRunner
	sink       *recordingSink
	tasks      *service.TaskEvaluator
	dispatcher *service.Dispatcher
	engine     *service.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  repository.NewMemoryStore(),
		runner: newFakeRunner(),
		sink:   &recordingSink{},
	}
	checks := service.NewCheckEvaluator(h.store, h.runner, nil)
	tasks, err := service.NewTaskEvaluator(service.TaskEvaluatorConfig{
		Assessments: h.store,
		Results:     h.store,
		Checks:      checks,
		Sink:        h.sink,
	})
	if err != nil {
		t.Fatalf("create task evaluator failed: %v", err)
	}
	h.tasks = tasks
	assessments, err := service.NewAssessmentEvaluator(service.AssessmentEvaluatorConfig{
		Jobs:        h.store,
		Assessments: h.store,
		Tasks:       tasks,
		Sink:        h.sink,
	})
	if err != nil {
		t.Fatalf("create assessment evaluator failed: %v", err)
	}
	batches, err := service.NewBatchEvaluator(service.BatchEvaluatorConfig{
		Jobs:        h.store,
		Assessments: h.store,
		Evaluator:   assessments,
		Sink:        h.sink,
	})
	if err != nil {
		t.Fatalf("create batch evaluator failed: %v", err)
	}
	h.dispatcher, err = service.NewDispatcher(service.DispatcherConfig{
		Jobs:        h.store,
		Assessments: assessments,
		Batches:     batches,
		Sink:        h.sink,
	})
	if err != nil {
		t.Fatalf("create dispatcher failed: %v", err)
	}
	h.engine, err = service.NewEngine(h.dispatcher, h.store, h.store)
	if err != nil {
		t.Fatalf("create engine failed: %v", err)
	}
	t.Cleanup(func() {
		// unblock any script still waiting so Stop can return
		select {
		case <-h.runner.release:
		default:
			close(h.runner.release)
		}
		h.dispatcher.Stop()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher failed: %v", err)
	}
}

// seedAssessment creates an assessment whose tasks hold the given check scripts
// and points, in order.
func (h *harness) seedAssessment(assessmentID string, tasks ...[]model.TaskCheck) {
	for i, checks := range tasks {
		taskID := assessmentID + "-t" + string(rune('1'+i))
		total := 0
		for j, c := range checks {
			c.ID = taskID + "-c" + string(rune('1'+j))
			c.TaskID = taskID
			c.CheckNumber = j + 1
			total += c.Points
			h.store.AddCheck(c)
		}
		h.store.AddTask(model.AssessmentTask{
			ID:           taskID,
			AssessmentID: assessmentID,
			TaskNumber:   i + 1,
			Provider:     model.ProviderAWS,
			TotalMarks:   total,
		})
	}
}

func (h *harness) seedStudent(studentAssessmentID, assessmentID string) {
	h.store.AddStudentAssessment(model.StudentAssessment{
		ID:           studentAssessmentID,
		AssessmentID: assessmentID,
		StudentID:    "student-" + studentAssessmentID,
	})
	h.store.SetCredentials(studentAssessmentID, model.CloudCredentials{
		Provider: model.ProviderAWS,
		Values:   map[string]string{"access_key_id": "AKIA", "secret_access_key": "secret", "region": "us-east-1"},
	})
}

func check(script string, points int) model.TaskCheck {
	return model.TaskCheck{Script: script, Points: points}
}

func waitForStatus(t *testing.T, store *repository.MemoryStore, jobID string, want model.JobStatus) *model.EvaluationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s did not reach %s, last state: %+v", jobID, want, job)
	return nil
}

func waitForFinished(t *testing.T, sink *recordingSink, jobID string) progress.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range sink.Named(progress.JobFinished) {
			if e.JobID == jobID {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never emitted %s", jobID, progress.JobFinished)
	return progress.Event{}
}

func waitForSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for signal")
	}
}
