// Package sandbox runs untrusted validation scripts with a bounded
// wall-clock time and a fixed capability surface.
package sandbox

import (
	"context"
	"time"

	"cloudeval/internal/evaluation/model"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxSleep = 5 * time.Second
)

// DefaultModules is the allow-list used when a request does not override it.
var DefaultModules = []string{"aws", "azure", "gcp", "http", "json"}

// Runner executes one validation script.
type Runner interface {
	// Run never returns an error; every failure is folded into the Result.
	Run(ctx context.Context, req Request) Result
}

// Request describes one script execution.
type Request struct {
	Script      string
	Credentials *model.CloudCredentials
	Provider    model.CloudProvider
	// Modules overrides the runner allow-list when non-nil.
	Modules []string
	// Timeout overrides the runner timeout when positive.
	Timeout time.Duration
}

// Result is the normalized outcome of a script.
type Result struct {
	Passed   bool   `json:"passed"`
	Evidence string `json:"evidence,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed builds a failed result carrying msg.
func Failed(msg string) Result {
	return Result{Passed: false, Error: msg}
}
