package model

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// NewUploadID returns a fresh random 128-bit identifier rendered as 32
// lowercase hex characters.
func NewUploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValidUploadID accepts the canonical 32-hex form and, for records
// imported from older deployments, the dashed UUID form.
func IsValidUploadID(id string) bool {
	if len(id) == 32 {
		for _, c := range id {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				return false
			}
		}
		return true
	}
	if len(id) == 36 {
		_, err := uuid.Parse(id)
		return err == nil
	}
	return false
}

// ValidateEmployeeID enforces the employee id format: exactly 8 decimal
// digits. The error strings are part of the API contract.
func ValidateEmployeeID(id string) error {
	if id == "" {
		return errors.New("employee_id is required")
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return errors.New("employee_id must be numeric only")
		}
	}
	if len(id) != 8 {
		return errors.New("employee_id must contain exactly 8 digits")
	}
	return nil
}
