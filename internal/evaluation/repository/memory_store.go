package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloudeval/internal/evaluation/model"
	pkgrepo "cloudeval/pkg/repository"
)

type resultKey struct {
	studentAssessmentID string
	taskID              string
}

type checkKey struct {
	resultKey
	checkID string
}

type credentialKey struct {
	studentAssessmentID string
	provider            model.CloudProvider
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	jobs         map[string]*model.EvaluationJob
	jobSeq       map[string]int
	seq          int
	assessments  map[string]*model.StudentAssessment
	tasks        map[string][]model.AssessmentTask
	checks       map[string][]model.TaskCheck
	credentials  map[credentialKey]*model.CloudCredentials
	taskResults  map[resultKey]*model.TaskResult
	checkResults map[checkKey]*model.CheckResult
	finalScores  map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]*model.EvaluationJob),
		jobSeq:       make(map[string]int),
		assessments:  make(map[string]*model.StudentAssessment),
		tasks:        make(map[string][]model.AssessmentTask),
		checks:       make(map[string][]model.TaskCheck),
		credentials:  make(map[credentialKey]*model.CloudCredentials),
		taskResults:  make(map[resultKey]*model.TaskResult),
		checkResults: make(map[checkKey]*model.CheckResult),
		finalScores:  make(map[string]int),
	}
}

// AddStudentAssessment seeds a student assessment.
func (s *MemoryStore) AddStudentAssessment(sa model.StudentAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[sa.ID] = &sa
}

// AddTask seeds a task; ListTasks sorts by task number.
func (s *MemoryStore) AddTask(task model.AssessmentTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.AssessmentID] = append(s.tasks[task.AssessmentID], task)
}

// AddCheck seeds a check; ListChecks sorts by check number.
func (s *MemoryStore) AddCheck(check model.TaskCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[check.TaskID] = append(s.checks[check.TaskID], check)
}

// SetCredentials seeds the credentials of a student assessment.
func (s *MemoryStore) SetCredentials(studentAssessmentID string, creds model.CloudCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(creds.Values))
	for k, v := range creds.Values {
		values[k] = v
	}
	s.credentials[credentialKey{studentAssessmentID, creds.Provider}] = &model.CloudCredentials{Provider: creds.Provider, Values: values}
}

// CheckResultCount returns the number of stored check result rows.
func (s *MemoryStore) CheckResultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkResults)
}

// FinalScoreWrites returns how many times the final score of a student assessment was written.
func (s *MemoryStore) FinalScoreWrites(studentAssessmentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalScores[studentAssessmentID]
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.EvaluationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return pkgrepo.ErrConflict
	}
	s.seq++
	s.jobSeq[job.ID] = s.seq
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, update model.JobUpdate) (*model.EvaluationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	if !job.Status.CanTransitionTo(update.Status) {
		return nil, pkgrepo.ErrInvalidTransition
	}
	update.Apply(job, time.Now().UTC())
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != model.JobStatusRunning {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.EvaluationJob
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.jobSeq[out[i].ID] < s.jobSeq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) GetStudentAssessment(ctx context.Context, studentAssessmentID string) (*model.StudentAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sa, ok := s.assessments[studentAssessmentID]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	out := *sa
	return &out, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, assessmentID string) ([]model.AssessmentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := append([]model.AssessmentTask(nil), s.tasks[assessmentID]...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].TaskNumber < tasks[j].TaskNumber })
	return tasks, nil
}

func (s *MemoryStore) ListChecks(ctx context.Context, taskID string) ([]model.TaskCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checks := append([]model.TaskCheck(nil), s.checks[taskID]...)
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].CheckNumber < checks[j].CheckNumber })
	return checks, nil
}

func (s *MemoryStore) GetCredentials(ctx context.Context, studentAssessmentID string, provider model.CloudProvider) (*model.CloudCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.credentials[credentialKey{studentAssessmentID, provider}]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	values := make(map[string]string, len(creds.Values))
	for k, v := range creds.Values {
		values[k] = v
	}
	return &model.CloudCredentials{Provider: creds.Provider, Values: values}, nil
}

func (s *MemoryStore) SaveFinalScore(ctx context.Context, studentAssessmentID string, score model.FinalScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.assessments[studentAssessmentID]
	if !ok {
		return pkgrepo.ErrNotFound
	}
	sa.TotalScore = score.TotalScore
	sa.Percentage = score.Percentage
	sa.Grade = score.Grade
	evaluatedAt := score.EvaluatedAt
	sa.EvaluatedAt = &evaluatedAt
	s.finalScores[studentAssessmentID]++
	return nil
}

func (s *MemoryStore) UpsertTaskResult(ctx context.Context, result *model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *result
	out.Checks = nil
	s.taskResults[resultKey{result.StudentAssessmentID, result.TaskID}] = &out
	return nil
}

func (s *MemoryStore) UpsertCheckResult(ctx context.Context, result *model.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *result
	s.checkResults[checkKey{resultKey{result.StudentAssessmentID, result.TaskID}, result.CheckID}] = &out
	return nil
}

func (s *MemoryStore) GetTaskResult(ctx context.Context, studentAssessmentID, taskID string) (*model.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := resultKey{studentAssessmentID, taskID}
	stored, ok := s.taskResults[key]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	out := *stored
	order := make(map[string]int)
	for _, c := range s.checks[taskID] {
		order[c.ID] = c.CheckNumber
	}
	for k, v := range s.checkResults {
		if k.resultKey == key {
			out.Checks = append(out.Checks, *v)
		}
	}
	sort.Slice(out.Checks, func(i, j int) bool {
		a, b := out.Checks[i], out.Checks[j]
		if order[a.CheckID] != order[b.CheckID] {
			return order[a.CheckID] < order[b.CheckID]
		}
		return a.CheckID < b.CheckID
	})
	return &out, nil
}
