package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// Category returns the category of the error's code.
func (e *AppError) Category() Category { return e.Code.Category() }

// Node returns the node id attached to the error, if any.
func (e *AppError) Node() string {
	if e.Details == nil {
		return ""
	}
	s, _ := e.Details["node"].(string)
	return s
}

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithNode attaches the offending node id.
func (e *AppError) WithNode(id string) *AppError {
	return e.WithDetail("node", id)
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// --- Construction errors ---

// DuplicateNodeID reports a node id declared more than once.
func DuplicateNodeID(id string) *AppError {
	return &AppError{
		Code: ErrCodeDuplicateNodeID, Message: fmt.Sprintf("node id %q is declared more than once", id),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"node": id},
	}
}

// DanglingReference reports a reference from node to an unknown or unreachable target.
func DanglingReference(node, target, reason string) *AppError {
	return &AppError{
		Code: ErrCodeDanglingReference, Message: fmt.Sprintf("node %q references %q: %s", node, target, reason),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"node": node, "target": target},
	}
}

// CycleDetected reports the nodes left unprocessed by topological sorting.
func CycleDetected(nodes []string) *AppError {
	node := ""
	if len(nodes) > 0 {
		node = nodes[0]
	}
	return &AppError{
		Code: ErrCodeCycleDetected, Message: fmt.Sprintf("cycle detected among nodes [%s]", strings.Join(nodes, ", ")),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"node": node, "cycle": nodes},
	}
}

// UndeclaredParameter reports a reference to a parameter that was never declared.
func UndeclaredParameter(name string) *AppError {
	return &AppError{
		Code: ErrCodeUndeclaredParameter, Message: fmt.Sprintf("parameter %q is not declared", name),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"parameter": name},
	}
}

// InvalidDefinition reports a structurally malformed pipeline definition.
func InvalidDefinition(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidDefinition, Message: message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// --- Resolution and report errors ---

// OutputNotReady reports a reference resolved before its producer succeeded.
func OutputNotReady(step, output string) *AppError {
	return &AppError{
		Code: ErrCodeOutputNotReady, Message: fmt.Sprintf("output %s.%s is not ready", step, output),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"step": step, "output": output},
	}
}

// MalformedReport reports a property file that is not valid JSON.
func MalformedReport(step, output string) *AppError {
	return &AppError{
		Code: ErrCodeMalformedReport, Message: fmt.Sprintf("property file %s.%s is not valid JSON", step, output),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"step": step, "output": output},
	}
}

// FieldNotFound reports a JSON path that does not resolve to a scalar.
func FieldNotFound(path string) *AppError {
	return &AppError{
		Code: ErrCodeFieldNotFound, Message: fmt.Sprintf("path %q does not resolve to a scalar", path),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"path": path},
	}
}

// IncomparableOperands reports two scalars of kinds that cannot be compared.
func IncomparableOperands(left, right string) *AppError {
	return &AppError{
		Code: ErrCodeIncomparableOperands, Message: fmt.Sprintf("cannot compare %s with %s", left, right),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"left": left, "right": right},
	}
}

// --- Execution errors ---

// StepExecutionFailed reports a failed step invocation.
func StepExecutionFailed(step string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeStepExecutionFailed, Message: fmt.Sprintf("step %q failed", step),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"node": step}, Cause: cause,
	}
}

// Cancelled reports a run that was cancelled before completing.
func Cancelled(runID string) *AppError {
	return &AppError{
		Code: ErrCodeCancelled, Message: fmt.Sprintf("run %s was cancelled", runID),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"run_id": runID},
	}
}

// --- Invocation errors ---

// InvalidParameter reports a parameter value that does not match its declared type.
func InvalidParameter(name, reason string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidParameter, Message: fmt.Sprintf("parameter %q: %s", name, reason),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"parameter": name},
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Details: details,
	}
}

// Validation creates a new AppError for struct validation errors.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Details: details,
	}
}

// --- Storage errors ---

// ArtifactNotFound reports a read of an artifact key that was never written.
func ArtifactNotFound(step, output string) *AppError {
	return &AppError{
		Code: ErrCodeArtifactNotFound, Message: fmt.Sprintf("artifact %s.%s does not exist", step, output),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"step": step, "output": output},
	}
}

// StorageError wraps a backend failure during op.
func StorageError(op string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeStorage, Message: fmt.Sprintf("storage %s failed", op),
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details:    map[string]any{"operation": op}, Cause: cause,
	}
}

// Internal creates a new AppError for an internal error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// IsCode reports whether err (or any error it wraps) is an AppError with code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
