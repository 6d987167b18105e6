package model_test

import (
	"testing"

	"cloudeval/internal/evaluation/model"
)

func TestGradeForBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		percentage float64
		want       string
	}{
		{100, "A+"},
		{97, "A+"},
		{96.9, "A"},
		{93, "A"},
		{92.99, "A-"},
		{90, "A-"},
		{89.9, "B+"},
		{87, "B+"},
		{83, "B"},
		{82.5, "B-"},
		{80, "B-"},
		{77, "C+"},
		{73, "C"},
		{70, "C-"},
		{69.99, "D"},
		{65, "D"},
		{64.99, "F"},
		{0, "F"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := model.GradeFor(tt.percentage); got != tt.want {
				t.Fatalf("GradeFor(%v): expected %s, got %s", tt.percentage, tt.want, got)
			}
		})
	}
}

func TestPercentage(t *testing.T) {
	t.Parallel()
	if got := model.Percentage(0, 0); got != 0 {
		t.Fatalf("expected 0 for empty assessment, got %v", got)
	}
	if got := model.Percentage(97, 100); got != 97 {
		t.Fatalf("expected exactly 97, got %v", got)
	}
	if got := model.GradeFor(model.Percentage(97, 100)); got != "A+" {
		t.Fatalf("expected A+ at 97/100, got %s", got)
	}
	if got := model.Percentage(10, 30); got < 33.33 || got > 33.34 {
		t.Fatalf("expected ~33.33, got %v", got)
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		done, total, want int
	}{
		{0, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{4, 3, 100},
	}
	for _, tt := range tests {
		if got := model.ProgressPercent(tt.done, tt.total); got != tt.want {
			t.Fatalf("ProgressPercent(%d, %d): expected %d, got %d", tt.done, tt.total, tt.want, got)
		}
	}
}

func TestTaskStatusFor(t *testing.T) {
	t.Parallel()
	if model.TaskStatusFor(0) != model.TaskResultFailed {
		t.Fatalf("zero earned must fail the task")
	}
	if model.TaskStatusFor(10) != model.TaskResultCompleted {
		t.Fatalf("any earned points complete the task")
	}
}
