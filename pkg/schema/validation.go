package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks execution.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Issue codes reported by graph and template validation.
const (
	IssueEmptyGraph        = "EMPTY_GRAPH"
	IssueDuplicatePosition = "DUPLICATE_POSITION"
	IssueInvalidPosition   = "INVALID_POSITION"
	IssueDuplicateStepID   = "DUPLICATE_STEP_ID"
	IssueMissingStepID     = "MISSING_STEP_ID"
	IssueInvalidRetry      = "INVALID_RETRY"
	IssueInvalidSchedule   = "INVALID_SCHEDULE"
	IssueUnknownStepType   = "UNKNOWN_STEP_TYPE"
	IssueInvalidPolicy     = "INVALID_ON_FAILURE"
	IssueStrictTrigger     = "STRICT_TRIGGER"
	IssueConfigSchema      = "CONFIG_SCHEMA"
	IssueSubflowTarget     = "SUBFLOW_TARGET"
	IssueSubflowDepth      = "SUBFLOW_DEPTH"
	IssueCondition         = "INVALID_CONDITION"
	IssueUnmatchedBraces   = "UNMATCHED_BRACES"
	IssueUnclosedBlock     = "UNCLOSED_BLOCK"
	IssueUnexpectedClose   = "UNEXPECTED_CLOSE"
	IssueEmptyExpression   = "EMPTY_EXPRESSION"
	IssueUnknownHelper     = "UNKNOWN_HELPER"
)

// ValidationIssue is a single problem with its location.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates issues from a validation pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// MergeAt merges other, prefixing each issue path with prefix. Errors
// in other are demoted to warnings when asWarnings is set.
func (r *ValidationResult) MergeAt(prefix string, other *ValidationResult, asWarnings bool) {
	if other == nil {
		return
	}
	for _, iss := range append(append([]ValidationIssue{}, other.Errors...), other.Warnings...) {
		path := prefix
		if prefix == "" {
			path = iss.Path
		} else if iss.Path != "" {
			path = prefix + "." + iss.Path
		}
		if iss.Severity == SeverityError && !asWarnings {
			r.AddError(path, iss.Code, iss.Message)
		} else {
			r.AddWarning(path, iss.Code, iss.Message)
		}
	}
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeValidation
	for _, iss := range r.Errors {
		if iss.Code == IssueSubflowDepth {
			code = ErrCodeDepthExceeded
			break
		}
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow validation failed with %d errors", len(r.Errors))
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
