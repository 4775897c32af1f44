package app

import (
	"fmt"
	"net/http"
)

// Error codes exposed to clients. Each code pins one HTTP status; mapError
// relies on that when translating errors at the transport boundary.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeForbidden    = "FORBIDDEN"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidBody  = "INVALID_BODY"
	CodeServerError  = "SERVER_ERROR"
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

func validationError(message string) *DomainError {
	return &DomainError{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: message}
}

func notFoundError(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func conflictError(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

func forbiddenError() *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: CodeForbidden, Message: "Forbidden"}
}

func unauthorizedError(message string) *DomainError {
	return &DomainError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}
