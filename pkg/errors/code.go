package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 14000-14099: Evaluation job errors
// 14100-14199: Evaluation data errors
// 14200-14299: Sandbox errors

const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007

	DatabaseError     ErrorCode = 10100
	CacheError        ErrorCode = 10200
	ValidationFailed  ErrorCode = 10300
	StorageError      ErrorCode = 10400
	MessageQueueError ErrorCode = 10500

	EvaluationJobNotFound     ErrorCode = 14000
	EvaluationCancelled       ErrorCode = 14001
	EvaluationJobTerminal     ErrorCode = 14002
	EvaluationJobNotRetryable ErrorCode = 14003
	EvaluationQueueClosed     ErrorCode = 14004
	InvalidJobTransition      ErrorCode = 14005
	UnknownJobType            ErrorCode = 14006

	StudentAssessmentNotFound ErrorCode = 14100
	CredentialsNotFound       ErrorCode = 14101
	TaskNotFound              ErrorCode = 14102
	ChecksNotFound            ErrorCode = 14103

	// Sandbox messages are surfaced verbatim as check results.
	SandboxTimeout        ErrorCode = 14200
	ModuleNotAllowed      ErrorCode = 14201
	ScriptError           ErrorCode = 14202
	MalformedScriptResult ErrorCode = 14203
	CloudAPIError         ErrorCode = 14204
)

type codeInfo struct {
	message string
	status  int
}

var codes = map[ErrorCode]codeInfo{
	Success:             {"Success", http.StatusOK},
	InternalServerError: {"Internal server error", http.StatusInternalServerError},
	InvalidParams:       {"Invalid parameters", http.StatusBadRequest},
	NotFound:            {"Resource not found", http.StatusNotFound},
	ServiceUnavailable:  {"Service temporarily unavailable", http.StatusServiceUnavailable},

	DatabaseError:     {"Database operation failed", http.StatusInternalServerError},
	CacheError:        {"Cache operation failed", http.StatusInternalServerError},
	ValidationFailed:  {"Validation failed", http.StatusBadRequest},
	StorageError:      {"Object storage operation failed", http.StatusInternalServerError},
	MessageQueueError: {"Message queue operation failed", http.StatusInternalServerError},

	EvaluationJobNotFound:     {"Evaluation job not found", http.StatusNotFound},
	EvaluationCancelled:       {"Evaluation cancelled", http.StatusConflict},
	EvaluationJobTerminal:     {"Evaluation job already finished", http.StatusConflict},
	EvaluationJobNotRetryable: {"Evaluation job cannot be retried while active", http.StatusConflict},
	EvaluationQueueClosed:     {"Evaluation queue is closed", http.StatusServiceUnavailable},
	InvalidJobTransition:      {"Invalid evaluation job status transition", http.StatusConflict},
	UnknownJobType:            {"Unknown evaluation job type", http.StatusBadRequest},

	StudentAssessmentNotFound: {"Student assessment not found", http.StatusNotFound},
	CredentialsNotFound:       {"credentials not found", http.StatusUnprocessableEntity},
	TaskNotFound:              {"Assessment task not found", http.StatusNotFound},
	ChecksNotFound:            {"Task checks not found", http.StatusUnprocessableEntity},

	SandboxTimeout:        {"timeout", http.StatusInternalServerError},
	ModuleNotAllowed:      {"module not allowed", http.StatusInternalServerError},
	ScriptError:           {"Validation script failed", http.StatusInternalServerError},
	MalformedScriptResult: {"Validation script returned a malformed result", http.StatusInternalServerError},
	CloudAPIError:         {"Cloud provider API call failed", http.StatusBadGateway},
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if info, ok := codes[c]; ok {
		return info.message
	}
	return "Unknown error"
}

// HTTPStatus returns the status the API answers with for the error code.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// ClientError reports a code caused by the request itself. Resubmitting the
// same request cannot succeed.
func (c ErrorCode) ClientError() bool {
	status := c.HTTPStatus()
	return status >= 400 && status < 500
}
