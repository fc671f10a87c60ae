package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrInvalidRequest, "test message", http.StatusBadRequest)

	expected := "[INVALID_REQUEST] test message"
	if err.Error() != expected {
		t.Errorf("AppError.Error() = %q, want %q", err.Error(), expected)
	}
}

func TestAppError_WithDetails(t *testing.T) {
	err := NewAppError(ErrNotFound, "not found", http.StatusNotFound).
		WithDetails("account", "acc-1").
		WithDetails("provider", "onedrive")

	if err.Details["account"] != "acc-1" {
		t.Errorf("Details[account] = %v, want 'acc-1'", err.Details["account"])
	}
	if err.Details["provider"] != "onedrive" {
		t.Errorf("Details[provider] = %v, want 'onedrive'", err.Details["provider"])
	}
}

func TestInsufficientSpace(t *testing.T) {
	err := InsufficientSpace(20<<20, []string{"Work", "Backup"})

	if err.Code != ErrInsufficientSpace {
		t.Errorf("Code = %v, want %v", err.Code, ErrInsufficientSpace)
	}
	if err.HTTPStatus != http.StatusInsufficientStorage {
		t.Errorf("HTTPStatus = %v, want %v", err.HTTPStatus, http.StatusInsufficientStorage)
	}
	if !strings.Contains(err.Message, "Work, Backup") {
		t.Errorf("Message = %q, should list both accounts", err.Message)
	}
}

func TestAdapterNotFound(t *testing.T) {
	err := AdapterNotFound("acc-9")

	if err.Code != ErrAdapterNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrAdapterNotFound)
	}
	if err.Details["account_id"] != "acc-9" {
		t.Errorf("Details[account_id] = %v, want 'acc-9'", err.Details["account_id"])
	}
}

func TestFileTooLarge(t *testing.T) {
	err := FileTooLarge(1000, 500)

	if err.Code != ErrFileTooLarge {
		t.Errorf("Code = %v, want %v", err.Code, ErrFileTooLarge)
	}
	if err.HTTPStatus != http.StatusRequestEntityTooLarge {
		t.Errorf("HTTPStatus = %v, want %v", err.HTTPStatus, http.StatusRequestEntityTooLarge)
	}
	if err.Details["size"] != int64(1000) {
		t.Errorf("Details[size] = %v, want 1000", err.Details["size"])
	}
	if err.Details["max_size"] != int64(500) {
		t.Errorf("Details[max_size] = %v, want 500", err.Details["max_size"])
	}
}

func TestHasCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("upload: %w", VaultLocked())

	if !HasCode(err, ErrVaultLocked) {
		t.Errorf("HasCode(wrapped, VAULT_LOCKED) = false, want true")
	}
	if HasCode(err, ErrStorageFull) {
		t.Errorf("HasCode(wrapped, STORAGE_FULL) = true, want false")
	}
	if HasCode(fmt.Errorf("plain"), ErrInternal) {
		t.Errorf("HasCode(plain) = true, want false")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"adapter not found", AdapterNotFound("a"), true},
		{"vault locked", VaultLocked(), true},
		{"no suitable drive", NoSuitableDrive("d", 1), true},
		{"upstream", UpstreamError("bad gateway"), false},
		{"internal", InternalError("boom"), false},
		{"plain error", fmt.Errorf("EOF"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "AppError",
			err:            TaskNotFound("t-1"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "TASK_NOT_FOUND",
		},
		{
			name:           "wrapped AppError",
			err:            fmt.Errorf("select: %w", NoSuitableDrive("d-1", 10)),
			expectedStatus: http.StatusInsufficientStorage,
			expectedCode:   "NO_SUITABLE_DRIVE",
		},
		{
			name:           "generic error",
			err:            &testError{msg: "generic error"},
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.expectedStatus {
				t.Errorf("status code = %v, want %v", w.Code, tt.expectedStatus)
			}

			body := w.Body.String()
			if !strings.Contains(body, tt.expectedCode) {
				t.Errorf("body = %v, should contain %v", body, tt.expectedCode)
			}

			contentType := w.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("Content-Type = %v, want application/json", contentType)
			}
		})
	}
}

// testError is a simple error type for testing
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
