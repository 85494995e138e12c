package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage is used when a Redis key does not exist.
	RedisNotFoundMessage = "redis key not found"
	// DatabaseErrorMessage describes relational store failures.
	DatabaseErrorMessage = "database operation failed"
	// DatabaseNotFoundMessage is used when a row lookup misses.
	DatabaseNotFoundMessage = "record not found"
)

// Code is a stable, client-visible error classification.
type Code string

const (
	CodeIntent          Code = "INTENT_ERROR"
	CodePlanner         Code = "PLANNER_ERROR"
	CodeExecutor        Code = "EXECUTOR_ERROR"
	CodeAnalyzer        Code = "ANALYZER_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeConcurrentLimit Code = "CONCURRENT_LIMIT"
	CodeCancelled       Code = "CANCELLED"
)

var userMessages = map[Code]string{
	CodeIntent:          "Sorry, I could not understand the question. Please try rephrasing it.",
	CodePlanner:         "Sorry, I could not build a query for that question.",
	CodeExecutor:        "The query could not be executed. Please try again later.",
	CodeAnalyzer:        "The data was fetched but could not be analysed.",
	CodeInternal:        "Something went wrong on our side. Please try again.",
	CodeValidation:      "The message is invalid.",
	CodeConcurrentLimit: "Too many requests are running right now. Please wait a moment.",
	CodeCancelled:       "The request was cancelled.",
}

// UserMessage returns the user-facing text for a code.
func UserMessage(code Code) string {
	if m, ok := userMessages[code]; ok {
		return m
	}
	return userMessages[CodeInternal]
}

var (
	ErrEmptyMessage    = New(errors.New("empty message"), http.StatusBadRequest, "message content is empty").WithCode(CodeValidation)
	ErrMessageTooLong  = New(errors.New("message too long"), http.StatusBadRequest, "message content is too long").WithCode(CodeValidation)
	ErrConcurrentLimit = New(errors.New("concurrent limit reached"), http.StatusTooManyRequests, "too many concurrent requests").WithCode(CodeConcurrentLimit)
	ErrSessionNotFound = New(errors.New("session not found"), http.StatusNotFound, "session not found").WithCode(CodeValidation)
	ErrCancelled       = New(errors.New("task cancelled"), 499, "request cancelled").WithCode(CodeCancelled)
)

// AppError wraps an underlying error with an HTTP status, a stable code and a safe message.
type AppError struct {
	Err     error
	Status  int
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Code:    CodeInternal,
		Message: message,
	}
}

// WithCode returns a copy of e carrying code.
func (e *AppError) WithCode(code Code) *AppError {
	c := *e
	c.Code = code
	return &c
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok && t == e {
		return true
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeInternal
}

// Wrap attaches a code to err while keeping it matchable.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Err:     err,
		Status:  http.StatusInternalServerError,
		Code:    code,
		Message: message,
	}
}
