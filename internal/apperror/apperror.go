package apperror

import "net/http"

type Code string

const (
	BadRequest    Code = "BAD_REQUEST"
	Unauthorized  Code = "UNAUTHORIZED"
	Forbidden     Code = "FORBIDDEN"
	NotFound      Code = "NOT_FOUND"
	Conflict      Code = "CONFLICT"
	Unprocessable Code = "UNPROCESSABLE"
	Unavailable   Code = "UNAVAILABLE"
	Internal      Code = "INTERNAL"
)

type AppError struct {
	code    Code
	message string
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unprocessable:
		return http.StatusUnprocessableEntity
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
