package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShutdownTimeout is logged, never returned, when in-flight jobs outlive
// the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout elapsed with active jobs")

type ConfigurationError struct {
	Component string
	Reason    string
	Err       error
}

func NewConfigurationError(component, reason string) *ConfigurationError {
	return &ConfigurationError{Component: component, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Component, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	JobType string
	Fields  []FieldError
	Err     error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	if len(parts) == 0 && e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("invalid %q job payload: %s", e.JobType, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// QueueUnavailableError means the queue store is temporarily blocked
// (breaker open or call timed out); callers may retry later.
type QueueUnavailableError struct {
	Queue string
	Op    string
	Err   error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue %q unavailable during %s: %v", e.Queue, e.Op, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

type JobExecutionError struct {
	JobID   string
	JobType string
	Attempt int
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) attempt %d failed: %v", e.JobID, e.JobType, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

type ProviderFailure struct {
	Provider string
	Err      error
}

type AllProvidersFailedError struct {
	Attempts []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+": "+a.Err.Error())
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
