// Пакет service — бизнес-логика JSON Archive Service.
package service

import (
	"fmt"
	"net/http"

	apierrors "github.com/bigkaa/jsonarchive/internal/api/errors"
)

// Error — ошибка операции с HTTP-кодом.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Err — исходная причина (только для логов)
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) *Error {
	return &Error{
		StatusCode: http.StatusBadRequest,
		Code:       apierrors.CodeValidationError,
		Message:    fmt.Sprintf(format, args...),
	}
}

func notFoundError(message string) *Error {
	return &Error{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    message,
	}
}

func modeNotAllowedError(tenantID string) *Error {
	return &Error{
		StatusCode: http.StatusMethodNotAllowed,
		Code:       apierrors.CodeModeNotAllowed,
		Message:    fmt.Sprintf("Тенант %s не ведёт индекс метаданных", tenantID),
	}
}

func storageError(message string, err error) *Error {
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeStorageError,
		Message:    message,
		Err:        err,
	}
}

func queryError(err error) *Error {
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeQueryError,
		Message:    "Ошибка выполнения запроса к индексу",
		Err:        err,
	}
}
