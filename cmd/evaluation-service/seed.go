package main

import (
	"fmt"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"
)

type seedFile struct {
	StudentAssessments []seedStudentAssessment `yaml:"studentAssessments"`
	Tasks              []seedTask              `yaml:"tasks"`
	Credentials        []seedCredentials       `yaml:"credentials"`
}

type seedStudentAssessment struct {
	ID           string `yaml:"id"`
	AssessmentID string `yaml:"assessmentID"`
	StudentID    string `yaml:"studentID"`
}

type seedTask struct {
	ID           string      `yaml:"id"`
	AssessmentID string      `yaml:"assessmentID"`
	TaskNumber   int         `yaml:"taskNumber"`
	Title        string      `yaml:"title"`
	Provider     string      `yaml:"provider"`
	TotalMarks   int         `yaml:"totalMarks"`
	Checks       []seedCheck `yaml:"checks"`
}

type seedCheck struct {
	ID          string `yaml:"id"`
	CheckNumber int    `yaml:"checkNumber"`
	Description string `yaml:"description"`
	Points      int    `yaml:"points"`
	Script      string `yaml:"script"`
}

type seedCredentials struct {
	StudentAssessmentID string            `yaml:"studentAssessmentID"`
	Provider            string            `yaml:"provider"`
	Values              map[string]string `yaml:"values"`
}

// loadSeed fills an in-memory store with authored assessments for local runs.
func loadSeed(path string, store *repository.MemoryStore) error {
	if path == "" {
		return nil
	}
	var seed seedFile
	if err := loadYAML(path, &seed); err != nil {
		return err
	}
	for _, sa := range seed.StudentAssessments {
		if sa.ID == "" || sa.AssessmentID == "" {
			return fmt.Errorf("seed student assessment requires id and assessmentID")
		}
		store.AddStudentAssessment(model.StudentAssessment{
			ID:           sa.ID,
			AssessmentID: sa.AssessmentID,
			StudentID:    sa.StudentID,
		})
	}
	for _, task := range seed.Tasks {
		if task.ID == "" || task.AssessmentID == "" {
			return fmt.Errorf("seed task requires id and assessmentID")
		}
		store.AddTask(model.AssessmentTask{
			ID:           task.ID,
			AssessmentID: task.AssessmentID,
			TaskNumber:   task.TaskNumber,
			Title:        task.Title,
			Provider:     model.CloudProvider(task.Provider),
			TotalMarks:   task.TotalMarks,
		})
		for _, check := range task.Checks {
			if check.ID == "" {
				return fmt.Errorf("seed check of task %s requires id", task.ID)
			}
			store.AddCheck(model.TaskCheck{
				ID:          check.ID,
				TaskID:      task.ID,
				CheckNumber: check.CheckNumber,
				Description: check.Description,
				Points:      check.Points,
				Script:      check.Script,
			})
		}
	}
	for _, cred := range seed.Credentials {
		store.SetCredentials(cred.StudentAssessmentID, model.CloudCredentials{
			Provider: model.CloudProvider(cred.Provider),
			Values:   cred.Values,
		})
	}
	return nil
}
