package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells a blocking problem from an advisory one.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a snapshot document. Path points
// into the document, e.g. "nodes[2].type" or "connections[0].toPort".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every check run on a document.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// maxListedIssues bounds how many errors ToError spells out in its message.
const maxListedIssues = 3

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise the error carries the
// code of the first issue, so a lone cycle still reads as CYCLE_DETECTED,
// and lists the first few issues in its message.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var msg string
	if len(r.Errors) == 1 {
		msg = r.Errors[0].String()
	} else {
		listed := make([]string, 0, maxListedIssues)
		for _, issue := range r.Errors[:min(len(r.Errors), maxListedIssues)] {
			listed = append(listed, issue.String())
		}
		msg = fmt.Sprintf("snapshot document has %d errors: %s", len(r.Errors), strings.Join(listed, "; "))
		if extra := len(r.Errors) - maxListedIssues; extra > 0 {
			msg += fmt.Sprintf(" (and %d more)", extra)
		}
	}

	code := ErrCodeValidation
	if len(r.Errors) == 1 {
		code = r.Errors[0].Code
	}
	return NewError(code, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
