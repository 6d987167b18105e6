// Package progress carries evaluation progress events from the engine to observers.
package progress

import (
	"context"
	"time"
)

// EventName identifies the kind of progress event.
type EventName string

const (
	CheckCompleted          EventName = "checkCompleted"
	TaskCompleted           EventName = "taskCompleted"
	EvaluationProgress      EventName = "evaluationProgress"
	EvaluationCompleted     EventName = "evaluationCompleted"
	BatchEvaluationProgress EventName = "batchEvaluationProgress"
	// JobFinished is the last event of every job, whatever its outcome.
	JobFinished EventName = "jobFinished"
)

// Event is one progress notification. Fields not relevant to Name are left zero.
type Event struct {
	Name                EventName `json:"name"`
	JobID               string    `json:"job_id"`
	StudentAssessmentID string    `json:"student_assessment_id,omitempty"`
	TaskID              string    `json:"task_id,omitempty"`
	CheckID             string    `json:"check_id,omitempty"`
	Status              string    `json:"status,omitempty"`
	Score               int       `json:"score"`
	MaxScore            int       `json:"max_score"`
	Progress            int       `json:"progress"`
	Percentage          float64   `json:"percentage,omitempty"`
	Grade               string    `json:"grade,omitempty"`
	Completed           int       `json:"completed,omitempty"`
	Failed              int       `json:"failed,omitempty"`
	Total               int       `json:"total,omitempty"`
	Error               string    `json:"error,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Sink receives progress events. Emit must not block the caller for long
// and never reports failure.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// MultiSink forwards each event to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }
