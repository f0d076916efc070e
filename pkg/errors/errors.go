// Package errors provides structured error handling for dynabot
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/memtensor/dynabot/pkg/types"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField    ErrorCode = "MISSING_FIELD"
	ErrCodeEmptyMessage    ErrorCode = "EMPTY_MESSAGE"
	ErrCodeMessageTooLong  ErrorCode = "MESSAGE_TOO_LONG"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Resource errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired  ErrorCode = "SESSION_EXPIRED"

	// System errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Database errors
	ErrCodeDatabaseError    ErrorCode = "DATABASE_ERROR"
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeQueryFailed      ErrorCode = "QUERY_FAILED"

	// LLM errors
	ErrCodeLLMError       ErrorCode = "LLM_ERROR"
	ErrCodeLLMTimeout     ErrorCode = "LLM_TIMEOUT"
	ErrCodeLLMAPIError    ErrorCode = "LLM_API_ERROR"
	ErrCodeLLMRateLimited ErrorCode = "LLM_RATE_LIMITED"

	// Configuration errors
	ErrCodeConfigError    ErrorCode = "CONFIG_ERROR"
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
)

// ChatbotError represents a structured error in dynabot
type ChatbotError struct {
	Type       types.ErrorType        `json:"type"`
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *ChatbotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *ChatbotError) Unwrap() error {
	return e.Cause
}

// Is matches another ChatbotError by code so sentinel values work with errors.Is
func (e *ChatbotError) Is(target error) bool {
	t, ok := target.(*ChatbotError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a detail to the error
func (e *ChatbotError) WithDetail(key string, value interface{}) *ChatbotError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *ChatbotError) WithRequestID(requestID string) *ChatbotError {
	e.RequestID = requestID
	return e
}

// NewChatbotError creates a new structured error
func NewChatbotError(errType types.ErrorType, code ErrorCode, message string) *ChatbotError {
	return &ChatbotError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// NewChatbotErrorWithCause creates a new structured error with a cause
func NewChatbotErrorWithCause(errType types.ErrorType, code ErrorCode, message string, cause error) *ChatbotError {
	return &ChatbotError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Validation error constructors
func NewValidationError(message string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeValidation, message)
}

func NewInvalidInputError(message string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeInvalidInput, message)
}

func NewMissingFieldError(field string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeMissingField,
		fmt.Sprintf("missing required field: %s", field)).WithDetail("field", field)
}

func NewEmptyMessageError() *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeEmptyMessage, "message must not be empty")
}

func NewMessageTooLongError(length, max int) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeMessageTooLong,
		fmt.Sprintf("message length %d exceeds maximum of %d", length, max)).
		WithDetail("length", length).WithDetail("max_length", max)
}

func NewInvalidArgumentError(name string, value interface{}) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeInvalidArgument,
		fmt.Sprintf("invalid value for %s: %v", name, value)).WithDetail("argument", name)
}

// Resource error constructors
func NewNotFoundError(resource string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeNotFound, ErrCodeNotFound,
		fmt.Sprintf("%s not found", resource)).WithDetail("resource", resource)
}

func NewSessionNotFoundError(sessionID string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeNotFound, ErrCodeSessionNotFound,
		"no active conversation").WithDetail("session_id", sessionID)
}

func NewSessionExpiredError(sessionID string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeNotFound, ErrCodeSessionExpired,
		fmt.Sprintf("session expired: %s", sessionID)).WithDetail("session_id", sessionID)
}

// System error constructors
func NewInternalErrorWithCause(message string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeInternal, ErrCodeInternal, message, cause)
}

func NewServiceUnavailableError(service string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeInternal, ErrCodeServiceUnavailable,
		fmt.Sprintf("%s service is unavailable", service)).WithDetail("service", service)
}

// Database error constructors
func NewDatabaseErrorWithCause(message string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeInternal, ErrCodeDatabaseError, message, cause)
}

func NewConnectionFailedError(target string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeInternal, ErrCodeConnectionFailed,
		fmt.Sprintf("failed to connect to %s", target), cause).WithDetail("target", target)
}

func NewQueryFailedError(query string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeInternal, ErrCodeQueryFailed,
		"query execution failed", cause).WithDetail("query", query)
}

// LLM error constructors
func NewLLMError(message string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeExternal, ErrCodeLLMError, message)
}

func NewLLMTimeoutError(model string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeExternal, ErrCodeLLMTimeout,
		fmt.Sprintf("LLM request timed out: %s", model)).WithDetail("model", model)
}

func NewLLMAPIError(message string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeExternal, ErrCodeLLMAPIError, message, cause)
}

func NewLLMRateLimitedError(model string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeExternal, ErrCodeLLMRateLimited,
		fmt.Sprintf("LLM rate limited: %s", model)).WithDetail("model", model)
}

// Configuration error constructors
func NewConfigError(message string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeValidation, ErrCodeConfigError, message)
}

func NewConfigNotFoundError(configPath string) *ChatbotError {
	return NewChatbotError(types.ErrorTypeNotFound, ErrCodeConfigNotFound,
		fmt.Sprintf("configuration file not found: %s", configPath)).WithDetail("config_path", configPath)
}

func NewConfigInvalidError(message string, cause error) *ChatbotError {
	return NewChatbotErrorWithCause(types.ErrorTypeValidation, ErrCodeConfigInvalid, message, cause)
}

// GetChatbotError extracts a ChatbotError from an error chain
func GetChatbotError(err error) *ChatbotError {
	var target *ChatbotError
	if stderrors.As(err, &target) {
		return target
	}
	return nil
}

// IsValidation reports whether err is a caller-facing validation rejection
func IsValidation(err error) bool {
	e := GetChatbotError(err)
	return e != nil && e.Type == types.ErrorTypeValidation
}

// IsNotFound reports whether err signals a missing resource
func IsNotFound(err error) bool {
	e := GetChatbotError(err)
	return e != nil && e.Type == types.ErrorTypeNotFound
}

// ErrorList represents a list of errors
type ErrorList struct {
	Errors []*ChatbotError `json:"errors"`
}

// Error implements the error interface
func (el *ErrorList) Error() string {
	var messages []string
	for _, err := range el.Errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (el *ErrorList) Unwrap() []error {
	errs := make([]error, len(el.Errors))
	for i, err := range el.Errors {
		errs[i] = err
	}
	return errs
}

// Add adds an error to the list
func (el *ErrorList) Add(err *ChatbotError) {
	el.Errors = append(el.Errors, err)
}

// HasErrors returns true if there are errors
func (el *ErrorList) HasErrors() bool {
	return len(el.Errors) > 0
}

// ToError returns the ErrorList as an error if it has errors, otherwise nil
func (el *ErrorList) ToError() error {
	if el.HasErrors() {
		return el
	}
	return nil
}

// NewErrorList creates a new error list
func NewErrorList() *ErrorList {
	return &ErrorList{
		Errors: make([]*ChatbotError, 0),
	}
}
