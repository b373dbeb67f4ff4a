package app

import (
	"fmt"
	"net/http"
)

// DomainError is the HTTP-facing error shape. Package-level errors
// (changes.FieldError, collab.ErrProtectedRole, sql.ErrNoRows) are mapped
// into it at the boundary by mapError.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// invalidField rejects a write or read of a field outside the tracked
// whitelist for its container type.
func invalidField(containerType, field string) *DomainError {
	return &DomainError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_FIELD",
		Message: fmt.Sprintf("field %q is not tracked for %s", field, containerType),
	}
}
