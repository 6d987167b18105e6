package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloudeval/internal/common/db"
	"cloudeval/internal/evaluation/model"
	pkgrepo "cloudeval/pkg/repository"
)

const jobColumns = "id, type, target_id, status, progress, started_at, completed_at, error_message, initiated_by, estimated_duration_ms, batch_details, created_at, updated_at"

// MySQLStore implements Store with MySQL.
type MySQLStore struct {
	db  db.Database
	now func() time.Time
}

// NewMySQLStore creates a store on an open database.
func NewMySQLStore(database db.Database) *MySQLStore {
	return &MySQLStore{db: database, now: func() time.Time { return time.Now().UTC() }}
}

// CreateJob inserts a job row.
func (s *MySQLStore) CreateJob(ctx context.Context, job *model.EvaluationJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	batch, err := marshalNullable(job.BatchDetails)
	if err != nil {
		return fmt.Errorf("marshal batch details failed: %w", err)
	}
	query := `
		INSERT INTO evaluation_jobs
		(id, type, target_id, status, progress, started_at, completed_at, error_message, initiated_by, estimated_duration_ms, batch_details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(ctx, query,
		job.ID,
		string(job.Type),
		job.TargetID,
		string(job.Status),
		job.Progress,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorMessage,
		job.InitiatedBy,
		job.EstimatedDuration.Milliseconds(),
		batch,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if db.IsDuplicateKey(err) {
			return pkgrepo.ErrConflict
		}
		return err
	}
	return nil
}

// GetJob loads a job by id.
func (s *MySQLStore) GetJob(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *MySQLStore) getJob(ctx context.Context, q db.Querier, jobID string) (*model.EvaluationJob, error) {
	row := q.QueryRow(ctx, "SELECT "+jobColumns+" FROM evaluation_jobs WHERE id = ? LIMIT 1", jobID)
	job, err := scanJob(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus performs a guarded transition: the row is only updated while its
// stored status is one of the allowed sources of update.Status.
func (s *MySQLStore) UpdateJobStatus(ctx context.Context, jobID string, update model.JobUpdate) (*model.EvaluationJob, error) {
	sources := model.TransitionSources(update.Status)
	if len(sources) == 0 {
		return nil, pkgrepo.ErrInvalidTransition
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(update.Status), s.now()}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	args = append(args, jobID)
	for _, src := range sources {
		args = append(args, string(src))
	}
	query := "UPDATE evaluation_jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + placeholders(len(sources)) + ")"

	var updated *model.EvaluationJob
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		result, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return pkgrepo.ErrInvalidTransition
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateJobProgress raises progress of a running job; it never lowers it.
func (s *MySQLStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	query := "UPDATE evaluation_jobs SET progress = GREATEST(progress, ?), updated_at = ? WHERE id = ? AND status = ?"
	_, err := s.db.Exec(ctx, query, progress, s.now(), jobID, string(model.JobStatusRunning))
	return err
}

// ListJobsByStatus returns jobs with status in creation order.
func (s *MySQLStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.EvaluationJob, error) {
	rows, err := s.db.Query(ctx, "SELECT "+jobColumns+" FROM evaluation_jobs WHERE status = ? ORDER BY created_at ASC, id ASC", string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.EvaluationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetStudentAssessment loads the score fields of a student assessment.
func (s *MySQLStore) GetStudentAssessment(ctx context.Context, studentAssessmentID string) (*model.StudentAssessment, error) {
	query := `
		SELECT id, assessment_id, student_id, total_score, percentage, grade, evaluated_at
		FROM student_assessments WHERE id = ? LIMIT 1
	`
	sa := &model.StudentAssessment{}
	var grade *string
	if err := s.db.QueryRow(ctx, query, studentAssessmentID).Scan(
		&sa.ID,
		&sa.AssessmentID,
		&sa.StudentID,
		&sa.TotalScore,
		&sa.Percentage,
		&grade,
		&sa.EvaluatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, err
	}
	if grade != nil {
		sa.Grade = *grade
	}
	return sa, nil
}

// ListTasks returns tasks ordered by task number.
func (s *MySQLStore) ListTasks(ctx context.Context, assessmentID string) ([]model.AssessmentTask, error) {
	query := `
		SELECT id, assessment_id, task_number, title, provider, total_marks, metadata
		FROM assessment_tasks WHERE assessment_id = ? ORDER BY task_number ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.AssessmentTask
	for rows.Next() {
		var task model.AssessmentTask
		var provider string
		var metadata []byte
		if err := rows.Scan(&task.ID, &task.AssessmentID, &task.TaskNumber, &task.Title, &provider, &task.TotalMarks, &metadata); err != nil {
			return nil, err
		}
		task.Provider = model.CloudProvider(provider)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of task %s failed: %w", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListChecks returns checks ordered by check number.
func (s *MySQLStore) ListChecks(ctx context.Context, taskID string) ([]model.TaskCheck, error) {
	query := `
		SELECT id, task_id, check_number, description, points, script
		FROM task_checks WHERE task_id = ? ORDER BY check_number ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []model.TaskCheck
	for rows.Next() {
		var check model.TaskCheck
		if err := rows.Scan(&check.ID, &check.TaskID, &check.CheckNumber, &check.Description, &check.Points, &check.Script); err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

// GetCredentials loads the provider credentials stored for a student assessment.
func (s *MySQLStore) GetCredentials(ctx context.Context, studentAssessmentID string, provider model.CloudProvider) (*model.CloudCredentials, error) {
	query := `
		SELECT provider, credentials FROM student_cloud_credentials
		WHERE student_assessment_id = ? AND provider = ? LIMIT 1
	`
	var storedProvider string
	var raw []byte
	if err := s.db.QueryRow(ctx, query, studentAssessmentID, string(provider)).Scan(&storedProvider, &raw); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, err
	}
	values, err := decodeCredentialValues(raw)
	if err != nil {
		return nil, err
	}
	return &model.CloudCredentials{Provider: model.CloudProvider(storedProvider), Values: values}, nil
}

// SaveFinalScore writes the final score fields of a student assessment.
func (s *MySQLStore) SaveFinalScore(ctx context.Context, studentAssessmentID string, score model.FinalScore) error {
	query := `
		UPDATE student_assessments
		SET total_score = ?, max_score = ?, percentage = ?, grade = ?, evaluated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(ctx, query, score.TotalScore, score.MaxScore, score.Percentage, score.Grade, score.EvaluatedAt, studentAssessmentID)
	return err
}

// UpsertTaskResult inserts or overwrites the result of (student assessment, task).
func (s *MySQLStore) UpsertTaskResult(ctx context.Context, result *model.TaskResult) error {
	if result == nil {
		return errors.New("task result is nil")
	}
	query := `
		INSERT INTO task_results
		(student_assessment_id, task_id, max_score, earned_score, status, error_message, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			max_score = VALUES(max_score),
			earned_score = VALUES(earned_score),
			status = VALUES(status),
			error_message = VALUES(error_message),
			completed_at = VALUES(completed_at),
			updated_at = VALUES(updated_at)
	`
	_, err := s.db.Exec(ctx, query,
		result.StudentAssessmentID,
		result.TaskID,
		result.MaxScore,
		result.EarnedScore,
		string(result.Status),
		result.ErrorMessage,
		result.CompletedAt,
		s.now(),
	)
	return err
}

// UpsertCheckResult inserts or overwrites the result of one check.
func (s *MySQLStore) UpsertCheckResult(ctx context.Context, result *model.CheckResult) error {
	if result == nil {
		return errors.New("check result is nil")
	}
	query := `
		INSERT INTO check_results
		(student_assessment_id, task_id, check_id, status, score, max_score, evidence, evidence_key, error, execution_time_ms, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			score = VALUES(score),
			max_score = VALUES(max_score),
			evidence = VALUES(evidence),
			evidence_key = VALUES(evidence_key),
			error = VALUES(error),
			execution_time_ms = VALUES(execution_time_ms),
			evaluated_at = VALUES(evaluated_at)
	`
	_, err := s.db.Exec(ctx, query,
		result.StudentAssessmentID,
		result.TaskID,
		result.CheckID,
		string(result.Status),
		result.Score,
		result.MaxScore,
		result.Evidence,
		result.EvidenceKey,
		result.Error,
		result.ExecutionTime.Milliseconds(),
		result.EvaluatedAt,
	)
	return err
}

// GetTaskResult loads a task result with its check results in check order.
func (s *MySQLStore) GetTaskResult(ctx context.Context, studentAssessmentID, taskID string) (*model.TaskResult, error) {
	query := `
		SELECT student_assessment_id, task_id, max_score, earned_score, status, error_message, completed_at
		FROM task_results WHERE student_assessment_id = ? AND task_id = ? LIMIT 1
	`
	result := &model.TaskResult{}
	var status string
	if err := s.db.QueryRow(ctx, query, studentAssessmentID, taskID).Scan(
		&result.StudentAssessmentID,
		&result.TaskID,
		&result.MaxScore,
		&result.EarnedScore,
		&status,
		&result.ErrorMessage,
		&result.CompletedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, err
	}
	result.Status = model.TaskResultStatus(status)

	checksQuery := `
		SELECT cr.check_id, cr.status, cr.score, cr.max_score, cr.evidence, cr.evidence_key, cr.error, cr.execution_time_ms, cr.evaluated_at
		FROM check_results cr
		LEFT JOIN task_checks tc ON tc.id = cr.check_id
		WHERE cr.student_assessment_id = ? AND cr.task_id = ?
		ORDER BY tc.check_number ASC, cr.check_id ASC
	`
	rows, err := s.db.Query(ctx, checksQuery, studentAssessmentID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		check := model.CheckResult{StudentAssessmentID: studentAssessmentID, TaskID: taskID}
		var checkStatus string
		var execMs int64
		if err := rows.Scan(&check.CheckID, &checkStatus, &check.Score, &check.MaxScore, &check.Evidence, &check.EvidenceKey, &check.Error, &execMs, &check.EvaluatedAt); err != nil {
			return nil, err
		}
		check.Status = model.CheckResultStatus(checkStatus)
		check.ExecutionTime = time.Duration(execMs) * time.Millisecond
		result.Checks = append(result.Checks, check)
	}
	return result, rows.Err()
}

func scanJob(row db.Row) (*model.EvaluationJob, error) {
	job := &model.EvaluationJob{}
	var jobType, status string
	var errorMessage *string
	var estimatedMs int64
	var batch []byte
	if err := row.Scan(
		&job.ID,
		&jobType,
		&job.TargetID,
		&status,
		&job.Progress,
		&job.StartedAt,
		&job.CompletedAt,
		&errorMessage,
		&job.InitiatedBy,
		&estimatedMs,
		&batch,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Type = model.JobType(jobType)
	job.Status = model.JobStatus(status)
	job.EstimatedDuration = time.Duration(estimatedMs) * time.Millisecond
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	if len(batch) > 0 && string(batch) != "null" {
		job.BatchDetails = &model.BatchDetails{}
		if err := json.Unmarshal(batch, job.BatchDetails); err != nil {
			return nil, fmt.Errorf("decode batch details of job %s failed: %w", job.ID, err)
		}
	}
	return job, nil
}

// decodeCredentialValues flattens a JSON object; nested values are kept as JSON text.
func decodeCredentialValues(raw []byte) (map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode credentials failed: %w", err)
	}
	values := make(map[string]string, len(fields))
	for k, v := range fields {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			values[k] = str
			continue
		}
		values[k] = string(v)
	}
	return values, nil
}

func marshalNullable(v *model.BatchDetails) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
