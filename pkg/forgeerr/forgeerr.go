// Package forgeerr defines the engine's error taxonomy: stable, typed error
// variants that cross package boundaries without losing their code.
package forgeerr

import "fmt"

// Code is a stable, machine-checkable error identifier.
type Code string

const (
	// Validation
	CodeBlueprintValidationFailed Code = "BLUEPRINT_VALIDATION_FAILED"
	CodeMissingRequiredInput      Code = "MISSING_REQUIRED_INPUT"
	CodeInvalidConfig             Code = "INVALID_CONFIG"
	CodeUnknownDimension          Code = "UNKNOWN_DIMENSION"

	// Resolution
	CodeMissingProducerCatalogEntry Code = "MISSING_PRODUCER_CATALOG_ENTRY"
	CodeNoProducerOptions           Code = "NO_PRODUCER_OPTIONS"
	CodeArtifactResolutionFailed    Code = "ARTIFACT_RESOLUTION_FAILED"
	CodeMissingBlobPayload          Code = "MISSING_BLOB_PAYLOAD"

	// Runtime
	CodeStageStartRequiresPredecessor Code = "STAGE_START_REQUIRES_PREDECESSOR"
	CodeUpstreamFailure               Code = "UPSTREAM_FAILURE"
	CodeMissingStorageRoot            Code = "MISSING_STORAGE_ROOT"
	CodeMissingManifest               Code = "MISSING_MANIFEST"
	CodeMissingTimeline               Code = "MISSING_TIMELINE"
	CodeMissingTimelineBlob           Code = "MISSING_TIMELINE_BLOB"
	CodeRenderFailed                  Code = "RENDER_FAILED"
	CodeCancelled                     Code = "CANCELLED"

	// Manifest build
	CodeManifestBuildFailed Code = "MANIFEST_BUILD_FAILED"
)

// Category distinguishes the four taxonomy branches in spec §7.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryResolution Category = "resolution"
	CategoryRuntime    Category = "runtime"
	CategoryProvider   Category = "provider"
)

// Error is the single concrete error type used across the engine. Every
// exported constructor returns one of these (wrapped with %w where a cause
// exists) so callers can type-assert via errors.As and inspect Code.
type Error struct {
	Category   Category
	Code       Code
	Message    string
	Suggestion string
	Cause      error

	// Provider-specific fields, populated only for CategoryProvider.
	Provider         string
	Model            string
	ProviderRequestID string
	Recoverable      bool
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (suggestion: %s)", e.Code, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(cat Category, code Code, msg string, cause error) *Error {
	return &Error{Category: cat, Code: code, Message: msg, Cause: cause}
}

func Validation(code Code, msg string) *Error {
	return newErr(CategoryValidation, code, msg, nil)
}

func Resolution(code Code, msg string) *Error {
	return newErr(CategoryResolution, code, msg, nil)
}

func Runtime(code Code, msg string) *Error {
	return newErr(CategoryRuntime, code, msg, nil)
}

func Runtimef(code Code, cause error, format string, args ...any) *Error {
	e := newErr(CategoryRuntime, code, fmt.Sprintf(format, args...), cause)
	return e
}

// Provider wraps a handler-originated error, preserving its identifying
// fields without interpreting them, per spec §7.
func Provider(provider, model, requestID string, recoverable bool, cause error) *Error {
	return &Error{
		Category:          CategoryProvider,
		Code:              "PROVIDER_ERROR",
		Message:           cause.Error(),
		Cause:             cause,
		Provider:          provider,
		Model:             model,
		ProviderRequestID: requestID,
		Recoverable:       recoverable,
	}
}

// WithSuggestion returns a copy of e with Suggestion set.
func (e *Error) WithSuggestion(s string) *Error {
	cp := *e
	cp.Suggestion = s
	return &cp
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if asError(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
