package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an application error so callers can branch on it.
type Code string

const (
	ErrCodeInvalidInput              Code = "INVALID_INPUT"
	ErrCodeNotFound                  Code = "NOT_FOUND"
	ErrCodeUnauthenticated           Code = "UNAUTHENTICATED"
	ErrCodeUnauthorized              Code = "UNAUTHORIZED"
	ErrCodeForbidden                 Code = "FORBIDDEN"
	ErrCodeConflict                  Code = "CONFLICT"
	ErrCodeInternal                  Code = "INTERNAL"
	ErrCodeNotConfigured             Code = "NOT_CONFIGURED"
	ErrCodeUnresolvedApprover        Code = "UNRESOLVED_APPROVER"
	ErrCodeUnsupportedHierarchyDepth Code = "UNSUPPORTED_HIERARCHY_DEPTH"
)

// AppError is an error carrying a Code and an optional cause.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the API returns for it.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeUnauthorized, ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotConfigured, ErrCodeUnresolvedApprover, ErrCodeUnsupportedHierarchyDepth:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeUnauthenticated:
		return codes.Unauthenticated
	case ErrCodeUnauthorized, ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeConflict:
		return codes.Aborted
	case ErrCodeNotConfigured, ErrCodeUnresolvedApprover, ErrCodeUnsupportedHierarchyDepth:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
