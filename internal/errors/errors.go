// Package errors provides structured error types for neoterm.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error codes for neoterm operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value type

	// Workflow definition errors
	CodeWorkflowInvalid   = "WF_001" // Definition failed validation
	CodeWorkflowParse     = "WF_002" // Document is not valid YAML
	CodeWorkflowDuplicate = "WF_003" // Name already registered
	CodeWorkflowNotFound  = "WF_004" // No definition with that name
	CodeWorkflowShell     = "WF_005" // Definition not valid for the session shell

	// Render errors
	CodeRenderMissingArgument = "RENDER_001" // Required argument without value or default
	CodeRenderTypeMismatch    = "RENDER_002" // Value does not satisfy declared type
	CodeRenderUnresolved      = "RENDER_003" // Placeholder without resolved value
	CodeRenderUnknownArgument = "RENDER_004" // Value supplied for undeclared argument

	// Sandbox errors
	CodeSandboxDenied = "SANDBOX_001" // Policy rejected the command

	// Execution errors
	CodeExecSpawn   = "EXEC_001" // Process could not be started
	CodeExecRuntime = "EXEC_002" // Failure after the process started
	CodeExecCancel  = "EXEC_003" // Signal delivery failed

	// Block errors
	CodeBlockInvalidTransition = "BLOCK_001" // Invalid status transition
	CodeBlockNotFound          = "BLOCK_002" // No block with that sequence id

	// History errors
	CodeHistoryInvalid = "HIST_001" // Persisted history record is inconsistent

	// Session errors
	CodeSessionLocked    = "SESSION_001" // Session held by another process
	CodeSessionInvalidID = "SESSION_002" // Session id unusable as a file name

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOPermission   = "IO_002" // Permission denied
	CodeIODiskFull     = "IO_003" // Disk full
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
)

// Error is the structured error type for neoterm operations.
type Error struct {
	Code    string         `json:"code"`              // Error code (e.g., "WF_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (workflow, argument, block seq, ...)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error.
func Wrap(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *Error {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *Error {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Workflow Errors ---

// WorkflowParseError creates an error for a document that could not be decoded.
func WorkflowParseError(path string, err error) *Error {
	return Wrap(CodeWorkflowParse, "failed to parse workflow document", err).
		WithDetail("path", path)
}

// WorkflowDuplicate creates an error for a name that is already registered.
func WorkflowDuplicate(name string) *Error {
	return Newf(CodeWorkflowDuplicate, "workflow already registered: %s", name).
		WithDetail("workflow", name)
}

// WorkflowNotFound creates an error for a missing workflow.
func WorkflowNotFound(name string) *Error {
	return Newf(CodeWorkflowNotFound, "workflow not found: %s", name).
		WithDetail("workflow", name)
}

// WorkflowUnsupportedShell creates an error for a workflow that does not list the shell.
func WorkflowUnsupportedShell(name, shell string) *Error {
	return Newf(CodeWorkflowShell, "workflow %s is not valid for shell %s", name, shell).
		WithDetail("workflow", name).
		WithDetail("shell", shell)
}

// --- Block Errors ---

// BlockInvalidTransition creates an error for an invalid status transition.
func BlockInvalidTransition(seq uint64, from, to string) *Error {
	return Newf(CodeBlockInvalidTransition, "invalid status transition for block %d: %s -> %s", seq, from, to).
		WithDetail("seq", seq).
		WithDetail("from", from).
		WithDetail("to", to)
}

// BlockNotFound creates an error for a missing block.
func BlockNotFound(seq uint64) *Error {
	return Newf(CodeBlockNotFound, "block not found: %d", seq).
		WithDetail("seq", seq)
}

// --- Session Errors ---

// SessionLocked creates an error for a session whose lock is held elsewhere.
func SessionLocked(id string, err error) *Error {
	return Wrap(CodeSessionLocked, "session is in use by another process", err).
		WithDetail("session", id)
}

// SessionInvalidID creates an error for a session id that cannot name a file.
func SessionInvalidID(id, reason string) *Error {
	return Newf(CodeSessionInvalidID, "invalid session id %q: %s", id, reason).
		WithDetail("session", id)
}

// --- IO Errors ---

// IOOp is the direction of a filesystem operation.
type IOOp int

const (
	IORead IOOp = iota
	IOWrite
)

// FromIO classifies a filesystem error for path. Not-exist, permission
// and out-of-space failures get their own codes; anything else is a
// read or write error according to op.
func FromIO(op IOOp, path string, err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return IOFileNotFound(path).WithCause(err)
	case errors.Is(err, fs.ErrPermission):
		return IOPermissionDenied(path, err)
	case errors.Is(err, syscall.ENOSPC):
		return IODiskFull(path, err)
	case op == IOWrite:
		return IOWriteError(path, err)
	default:
		return IOReadError(path, err)
	}
}

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *Error {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOPermissionDenied creates an error for permission issues.
func IOPermissionDenied(path string, err error) *Error {
	return Wrap(CodeIOPermission, "permission denied", err).
		WithDetail("path", path)
}

// IODiskFull creates an error for disk space issues.
func IODiskFull(path string, err error) *Error {
	return Wrap(CodeIODiskFull, "disk full", err).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *Error {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *Error {
	return Wrap(CodeIOWriteError, "failed to write file", err).
		WithDetail("path", path)
}

// HasCode reports whether the first Error in err's chain carries code.
func HasCode(err error, code string) bool {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Code == code
	}
	return false
}

// Code returns the code of the first Error in err's chain, or "".
func Code(err error) string {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Code
	}
	return ""
}

// Details returns the details map of the first Error in err's chain.
func Details(err error) map[string]any {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Details
	}
	return nil
}
