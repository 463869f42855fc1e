package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op and cause",
			err:  Wrap(CodeStoreUnavailable, "store.create_upload_record", "insert failed", errors.New("connection refused")),
			want: "store.create_upload_record: insert failed: connection refused",
		},
		{
			name: "op only",
			err:  New(CodeNotFound, "store.get_upload", "no such upload"),
			want: "store.get_upload: no such upload",
		},
		{
			name: "message only",
			err:  &Error{Code: CodeInvalidInput, Message: "employee_id is required"},
			want: "employee_id is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := New(CodeAlreadyDeleted, "store.soft_delete", "record already deleted")
	wrapped := fmt.Errorf("handling request: %w", base)

	if got := CodeOf(wrapped); got != CodeAlreadyDeleted {
		t.Errorf("CodeOf(wrapped) = %v, want CodeAlreadyDeleted", got)
	}
	if !IsCode(wrapped, CodeAlreadyDeleted) {
		t.Error("IsCode(wrapped, CodeAlreadyDeleted) = false, want true")
	}
	if IsCode(wrapped, CodeNotFound) {
		t.Error("IsCode(wrapped, CodeNotFound) = true, want false")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %v, want CodeInternal", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(CodeOcrFailure, "ocr.extract", "all pages failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}

func TestCodeString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeInternal, "internal"},
		{CodeInvalidInput, "invalid_input"},
		{CodeInvalidEdit, "invalid_edit"},
		{CodeNotFound, "not_found"},
		{CodeNotReady, "not_ready"},
		{CodeAlreadyDeleted, "already_deleted"},
		{CodeNotDeleted, "not_deleted"},
		{CodeCatalogLoad, "catalog_load"},
		{CodeHospitalNotFound, "hospital_not_found"},
		{CodeOcrFailure, "ocr_failure"},
		{CodeStoreUnavailable, "store_unavailable"},
		{Code(99), "internal"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("Code(%d).String() = %q, want %q", int(tt.code), got, tt.want)
		}
	}
}
