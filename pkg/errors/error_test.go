package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "cloudeval/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{EvaluationJobNotFound, "Evaluation job not found"},
		{SandboxTimeout, "timeout"},
		{ModuleNotAllowed, "module not allowed"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
		client     bool
	}{
		{Success, 200, false},
		{InvalidParams, 400, true},
		{ValidationFailed, 400, true},
		{EvaluationJobNotFound, 404, true},
		{EvaluationJobNotRetryable, 409, true},
		{CredentialsNotFound, 422, true},
		{EvaluationQueueClosed, 503, false},
		{DatabaseError, 500, false},
		{ErrorCode(99999), 500, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.code.Message(), func(t *testing.T) {
			t.Parallel()
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
			if got := tt.code.ClientError(); got != tt.client {
				t.Errorf("ClientError() = %v, want %v", got, tt.client)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrapf(cause, DatabaseError, "load job failed")

	if err.Error() != "load job failed: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause must stay reachable")
	}
	if Wrap(nil, DatabaseError) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}

func TestGetCodeAndIs(t *testing.T) {
	inner := New(StudentAssessmentNotFound)
	outer := fmt.Errorf("evaluate: %w", Wrap(inner, DatabaseError))

	if got := GetCode(outer); got != DatabaseError {
		t.Fatalf("GetCode() = %d, want outermost code", got)
	}
	if !Is(outer, StudentAssessmentNotFound) {
		t.Fatalf("Is() must walk the coded chain")
	}
	if GetCode(nil) != Success {
		t.Fatalf("nil error must report success")
	}
	if GetCode(errors.New("plain")) != InternalServerError {
		t.Fatalf("uncoded error must report internal error")
	}
}

func TestGetError(t *testing.T) {
	if GetError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	coded := New(EvaluationJobTerminal).WithDetail("job_id", "j1")
	if got := GetError(fmt.Errorf("wrapped: %w", coded)); got != coded {
		t.Fatalf("expected the coded error to be found")
	}
	plain := GetError(errors.New("boom"))
	if plain.Code != InternalServerError || plain.Error() != "boom" {
		t.Fatalf("unexpected wrapped error: %+v", plain)
	}
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidationError("job_id", "required")
	if err.Code != ValidationFailed || err.Details["field"] != "job_id" || err.Details["reason"] != "required" {
		t.Fatalf("unexpected validation error: %+v", err)
	}
}

func TestCause(t *testing.T) {
	root := errors.New("connection reset")
	err := Wrapf(fmt.Errorf("query: %w", Wrap(root, DatabaseError)), EvaluationJobNotFound, "load job")
	if got := err.Cause(); got != root {
		t.Fatalf("Cause() = %v, want root error", got)
	}
	bare := New(TaskNotFound)
	if bare.Cause() != bare {
		t.Fatalf("an error without a cause is its own cause")
	}
}
