package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Category groups error codes by where in a pipeline's life they arise.
type Category string

const (
	CategoryConstruction Category = "construction"
	CategoryResolution   Category = "resolution"
	CategoryReport       Category = "report"
	CategoryExecution    Category = "execution"
	CategoryCancelled    Category = "cancelled"
	CategoryInvocation   Category = "invocation"
	CategoryStorage      Category = "storage"
	CategoryInternal     Category = "internal"
)

// Construction errors (fatal at build time, never retryable)
const (
	// ErrCodeDuplicateNodeID indicates two nodes share an id anywhere in the graph.
	ErrCodeDuplicateNodeID ErrorCode = "DUPLICATE_NODE_ID"
	// ErrCodeDanglingReference indicates a reference to a missing node/output or
	// to a node that is not executed on every path reaching the referrer.
	ErrCodeDanglingReference ErrorCode = "DANGLING_REFERENCE"
	// ErrCodeCycleDetected indicates the expanded graph is not acyclic.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"
	// ErrCodeUndeclaredParameter indicates a placeholder or override names an unknown parameter.
	ErrCodeUndeclaredParameter ErrorCode = "UNDECLARED_PARAMETER"
	// ErrCodeInvalidDefinition indicates a structurally malformed definition.
	ErrCodeInvalidDefinition ErrorCode = "INVALID_DEFINITION"
)

// Resolution errors
const (
	// ErrCodeOutputNotReady indicates a reference was resolved before its producer succeeded.
	ErrCodeOutputNotReady ErrorCode = "OUTPUT_NOT_READY"
)

// Report errors (fatal to the owning ConditionStep)
const (
	// ErrCodeMalformedReport indicates a property file is not valid JSON.
	ErrCodeMalformedReport ErrorCode = "MALFORMED_REPORT"
	// ErrCodeFieldNotFound indicates a JSON path does not resolve to a scalar.
	ErrCodeFieldNotFound ErrorCode = "FIELD_NOT_FOUND"
	// ErrCodeIncomparableOperands indicates the operands of a condition cannot be compared.
	ErrCodeIncomparableOperands ErrorCode = "INCOMPARABLE_OPERANDS"
)

// Execution and cancellation errors
const (
	// ErrCodeStepExecutionFailed indicates a step executable failed, timed out or
	// did not produce its declared outputs.
	ErrCodeStepExecutionFailed ErrorCode = "STEP_EXECUTION_FAILED"
	// ErrCodeCancelled indicates a run was cancelled by an operator.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// Invocation, storage and generic errors
const (
	// ErrCodeInvalidParameter indicates a parameter value does not match its declared type.
	ErrCodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeArtifactNotFound indicates an artifact key has never been written.
	ErrCodeArtifactNotFound ErrorCode = "ARTIFACT_NOT_FOUND"
	// ErrCodeStorage indicates the artifact backend failed.
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var categories = map[ErrorCode]Category{
	ErrCodeDuplicateNodeID:      CategoryConstruction,
	ErrCodeDanglingReference:    CategoryConstruction,
	ErrCodeCycleDetected:        CategoryConstruction,
	ErrCodeUndeclaredParameter:  CategoryConstruction,
	ErrCodeInvalidDefinition:    CategoryConstruction,
	ErrCodeOutputNotReady:       CategoryResolution,
	ErrCodeMalformedReport:      CategoryReport,
	ErrCodeFieldNotFound:        CategoryReport,
	ErrCodeIncomparableOperands: CategoryReport,
	ErrCodeStepExecutionFailed:  CategoryExecution,
	ErrCodeCancelled:            CategoryCancelled,
	ErrCodeInvalidParameter:     CategoryInvocation,
	ErrCodeInvalidInput:         CategoryInvocation,
	ErrCodeNotFound:             CategoryInvocation,
	ErrCodeArtifactNotFound:     CategoryStorage,
	ErrCodeStorage:              CategoryStorage,
	ErrCodeInternal:             CategoryInternal,
}

// Category returns the error category of the code. Unknown codes are internal.
func (c ErrorCode) Category() Category {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return CategoryInternal
}

var retryableCodes = map[ErrorCode]bool{
	ErrCodeStorage: true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
// STEP_EXECUTION_FAILED is retryable only per step policy, not by code.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
