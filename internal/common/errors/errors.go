package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	// 400 errors
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"

	// 403 errors
	ErrVaultLocked ErrorCode = "VAULT_LOCKED"

	// 404 errors
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrTaskNotFound ErrorCode = "TASK_NOT_FOUND"
	ErrPathNotFound ErrorCode = "PATH_NOT_FOUND"

	// 409 errors
	ErrConflict     ErrorCode = "CONFLICT"
	ErrInvalidState ErrorCode = "INVALID_STATE"

	// 429 errors
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// 413, 507 errors
	ErrFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrStorageFull       ErrorCode = "STORAGE_FULL"
	ErrInsufficientSpace ErrorCode = "INSUFFICIENT_SPACE"
	ErrNoSuitableDrive   ErrorCode = "NO_SUITABLE_DRIVE"

	// 500 errors
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
	ErrAdapterNotFound ErrorCode = "ADAPTER_NOT_FOUND"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavail  ErrorCode = "SERVICE_UNAVAIL"
)

// AppError represents an application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HTTPStatusCode exposes the status for retry classification
func (e *AppError) HTTPStatusCode() int {
	return e.HTTPStatus
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Details:    make(map[string]interface{}),
	}
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	e.Details[key] = value
	return e
}

// Common error constructors
func InvalidRequest(message string) *AppError {
	return NewAppError(ErrInvalidRequest, message, http.StatusBadRequest)
}

func PathNotFound(path string) *AppError {
	return NewAppError(ErrPathNotFound, "Path not found", http.StatusNotFound).
		WithDetails("path", path)
}

func TaskNotFound(id string) *AppError {
	return NewAppError(ErrTaskNotFound, "Task not found", http.StatusNotFound).
		WithDetails("task_id", id)
}

// InvalidState reports a transition the task state machine does not allow
func InvalidState(id, status, action string) *AppError {
	return NewAppError(ErrInvalidState, fmt.Sprintf("Cannot %s a task that is %s", action, status), http.StatusConflict).
		WithDetails("task_id", id).
		WithDetails("status", status)
}

func FileTooLarge(size, maxSize int64) *AppError {
	return NewAppError(ErrFileTooLarge, "File exceeds size limit", http.StatusRequestEntityTooLarge).
		WithDetails("size", size).
		WithDetails("max_size", maxSize)
}

func StorageFull() *AppError {
	return NewAppError(ErrStorageFull, "Insufficient storage space", http.StatusInsufficientStorage)
}

// InsufficientSpace lists every account that cannot hold the requested size
func InsufficientSpace(size int64, accounts []string) *AppError {
	return NewAppError(ErrInsufficientSpace,
		fmt.Sprintf("Insufficient space on: %s", strings.Join(accounts, ", ")),
		http.StatusInsufficientStorage).
		WithDetails("size", size).
		WithDetails("accounts", accounts)
}

// NoSuitableDrive is returned when no backing account of a virtual drive fits the file
func NoSuitableDrive(driveID string, size int64) *AppError {
	return NewAppError(ErrNoSuitableDrive, "No drive has enough free space", http.StatusInsufficientStorage).
		WithDetails("drive_id", driveID).
		WithDetails("size", size)
}

// AdapterNotFound means no remote adapter is configured for the account
func AdapterNotFound(accountID string) *AppError {
	return NewAppError(ErrAdapterNotFound, "No adapter registered for account", http.StatusInternalServerError).
		WithDetails("account_id", accountID)
}

// VaultLocked means an encrypted transfer was requested while the vault is locked
// RateLimited is returned to clients exceeding the request rate
func RateLimited() *AppError {
	return NewAppError(ErrRateLimited, "Too many requests", http.StatusTooManyRequests)
}

func VaultLocked() *AppError {
	return NewAppError(ErrVaultLocked, "Vault is locked, unlock it to transfer encrypted files", http.StatusForbidden)
}

func InternalError(message string) *AppError {
	return NewAppError(ErrInternal, message, http.StatusInternalServerError)
}

func UpstreamError(message string) *AppError {
	return NewAppError(ErrUpstreamError, message, http.StatusBadGateway)
}

func ServiceUnavailable(message string) *AppError {
	return NewAppError(ErrServiceUnavail, message, http.StatusServiceUnavailable)
}

// NewNotFoundError creates a generic not-found error for a resource
func NewNotFoundError(resource, id string) *AppError {
	return NewAppError(ErrNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("id", id)
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *AppError {
	return NewAppError(ErrConflict, message, http.StatusConflict)
}

// AsAppError finds the first AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err wraps an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsPermanent reports whether err is a configuration, authorization, capacity
// or validation failure that retrying cannot fix.
func IsPermanent(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case ErrUpstreamError, ErrServiceUnavail, ErrInternal:
		return false
	default:
		return true
	}
}

// errorResponse is the JSON envelope written by WriteError
type errorResponse struct {
	Error *AppError `json:"error"`
}

// WriteError writes err as a JSON error response. Errors that are not
// AppErrors are reported as internal errors.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		appErr = InternalError(err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: appErr})
}
