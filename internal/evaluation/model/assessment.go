package model

import (
	"strings"
	"time"
)

// CloudProvider tags the cloud a task is validated against.
type CloudProvider string

const (
	ProviderAWS   CloudProvider = "aws"
	ProviderAzure CloudProvider = "azure"
	ProviderGCP   CloudProvider = "gcp"
)

// AssessmentTask is an authored, graded unit of an assessment.
type AssessmentTask struct {
	ID           string                 `json:"id"`
	AssessmentID string                 `json:"assessment_id"`
	TaskNumber   int                    `json:"task_number"`
	Title        string                 `json:"title"`
	Provider     CloudProvider          `json:"provider"`
	TotalMarks   int                    `json:"total_marks"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TaskCheck is a binary validation script worth Points.
type TaskCheck struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	CheckNumber int    `json:"check_number"`
	Description string `json:"description"`
	Points      int    `json:"points"`
	Script      string `json:"script"`
}

// StudentAssessment holds the final score fields this service writes.
type StudentAssessment struct {
	ID           string     `json:"id"`
	AssessmentID string     `json:"assessment_id"`
	StudentID    string     `json:"student_id"`
	TotalScore   int        `json:"total_score"`
	Percentage   float64    `json:"percentage"`
	Grade        string     `json:"grade"`
	EvaluatedAt  *time.Time `json:"evaluated_at,omitempty"`
}

// FinalScore is written to a student assessment once all tasks are scored.
type FinalScore struct {
	TotalScore  int
	MaxScore    int
	Percentage  float64
	Grade       string
	EvaluatedAt time.Time
}

// CloudCredentials are provider-tagged secrets stored for a student assessment.
type CloudCredentials struct {
	Provider CloudProvider     `json:"provider"`
	Values   map[string]string `json:"values"`
}

// Get returns the first non-empty value among keys.
func (c *CloudCredentials) Get(keys ...string) string {
	if c == nil {
		return ""
	}
	for _, k := range keys {
		if v := c.Values[k]; v != "" {
			return v
		}
	}
	return ""
}

var secretMarkers = []string{"secret", "key", "token", "password", "private", "session"}

// Public returns the credential fields that carry no secret material.
func (c *CloudCredentials) Public() map[string]string {
	out := make(map[string]string)
	if c == nil {
		return out
	}
	for k, v := range c.Values {
		lower := strings.ToLower(k)
		secret := false
		for _, m := range secretMarkers {
			if strings.Contains(lower, m) {
				secret = true
				break
			}
		}
		if !secret {
			out[k] = v
		}
	}
	return out
}
