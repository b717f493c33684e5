package app

import (
	"fmt"
	"net/http"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errSectionLocked carries the stored section so the client can show it.
func errSectionLocked(current map[string]any) *DomainError {
	return domainError(http.StatusLocked, "SECTION_LOCKED", "Section is locked", map[string]any{"section": current})
}

// errStaleWrite carries the stored section as the remote side of a merge.
func errStaleWrite(current map[string]any) *DomainError {
	return domainError(http.StatusConflict, "STALE_WRITE", "Section changed since it was read", map[string]any{"section": current})
}
