package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized  ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden     ErrorType = "FORBIDDEN"
	ErrorTypeConflict      ErrorType = "CONFLICT"
	ErrorTypeInvalidState  ErrorType = "INVALID_STATE"
	ErrorTypeUnprocessable ErrorType = "UNPROCESSABLE"
	ErrorTypeInternal      ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal      ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidColor     ErrorCode = "INVALID_COLOR"
	ErrCodeInvalidQuantity  ErrorCode = "INVALID_QUANTITY"
	ErrCodeInvalidDate      ErrorCode = "INVALID_DATE"
	ErrCodeInvalidMethod    ErrorCode = "INVALID_PAYMENT_METHOD"

	ErrCodeLocationNotFound    ErrorCode = "LOCATION_NOT_FOUND"
	ErrCodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"
	ErrCodePaymentNotFound     ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeUserNotFound        ErrorCode = "USER_NOT_FOUND"

	ErrCodeForbiddenRole ErrorCode = "FORBIDDEN_ROLE"
	ErrCodeLocationScope ErrorCode = "LOCATION_SCOPE"

	ErrCodeInvalidState         ErrorCode = "INVALID_STATE"
	ErrCodeAlreadyReturned      ErrorCode = "ALREADY_RETURNED"
	ErrCodeInsufficientStock    ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeUnsupportedMethod    ErrorCode = "UNSUPPORTED_METHOD"
	ErrCodeLocationInactive     ErrorCode = "LOCATION_INACTIVE"
	ErrCodeRefundExceedsDeposit ErrorCode = "REFUND_EXCEEDS_DEPOSIT"
	ErrCodeNoChargeToRefund     ErrorCode = "NO_CHARGE_TO_REFUND"
	ErrCodeDuplicateLocation    ErrorCode = "DUPLICATE_LOCATION"

	ErrCodeProviderError ErrorCode = "PROVIDER_ERROR"

	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeUserInactive       ErrorCode = "USER_INACTIVE"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInvalidStateError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidState,
		Code:       ErrCodeInvalidState,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewAlreadyReturnedError(transactionID int64) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidState,
		Code:       ErrCodeAlreadyReturned,
		Message:    fmt.Sprintf("transaction %d has already been returned", transactionID),
		StatusCode: http.StatusConflict,
	}
}

func NewInsufficientStockError(color string, available int) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       ErrCodeInsufficientStock,
		Message:    fmt.Sprintf("insufficient stock for color %s", color),
		Details:    map[string]interface{}{"color": color, "available": available},
		StatusCode: http.StatusConflict,
	}
}

func NewUnsupportedMethodError(method string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnprocessable,
		Code:       ErrCodeUnsupportedMethod,
		Message:    fmt.Sprintf("payment method %q is not enabled for this location", method),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewLocationInactiveError(locationID int64) *AppError {
	return &AppError{
		Type:       ErrorTypeUnprocessable,
		Code:       ErrCodeLocationInactive,
		Message:    fmt.Sprintf("location %d is not active", locationID),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewRefundExceedsDepositError(requested, refundable string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeRefundExceedsDeposit,
		Message:    "refund amount exceeds the deposit",
		Details:    map[string]string{"requested": requested, "refundable": refundable},
		StatusCode: http.StatusBadRequest,
	}
}

func NewNoChargeToRefundError(transactionID int64) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       ErrCodeNoChargeToRefund,
		Message:    fmt.Sprintf("transaction %d has no completed charge to refund", transactionID),
		StatusCode: http.StatusConflict,
	}
}

// NewProviderError wraps a payment processor failure. The cause is kept for
// logging; the message is the only part that reaches API callers.
func NewProviderError(provider string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeProviderError,
		Message:    "payment provider request failed",
		Details:    map[string]string{"provider": provider},
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorCodeOf returns the code of the first AppError in err's chain, or "".
func ErrorCodeOf(err error) ErrorCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return ""
}

func HasCode(err error, code ErrorCode) bool {
	return ErrorCodeOf(err) == code
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	details := e.Details
	if e.Type == ErrorTypeExternal {
		details = nil
	}
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: details,
	})
}
