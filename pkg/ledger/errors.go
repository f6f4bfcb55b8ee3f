package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is matched by every input validation failure.
var ErrValidation = errors.New("validation failed")

// Validation errors returned when caller input is rejected.
var (
	ErrInvalidAccountID         = newValidationError("invalid account id")
	ErrInvalidPaymentID         = newValidationError("invalid payment id")
	ErrInvalidPackageID         = newValidationError("invalid package id")
	ErrInvalidInvoiceID         = newValidationError("invalid invoice id")
	ErrInvalidEntryID           = newValidationError("invalid entry id")
	ErrInvalidProviderReference = newValidationError("invalid provider reference")
	ErrInvalidAmount            = newValidationError("invalid amount")
	ErrInvalidCurrency          = newValidationError("invalid currency")
	ErrInvalidMode              = newValidationError("invalid mode")
	ErrInvalidFlow              = newValidationError("invalid flow")
	ErrInvalidEntryKind         = newValidationError("invalid entry kind")
	ErrInvalidPaymentStatus     = newValidationError("invalid payment status")
	ErrInvalidMetadata          = newValidationError("invalid payment metadata")
	ErrInvalidEmail             = newValidationError("invalid email")
	ErrInvalidReference         = newValidationError("invalid entry reference")
	ErrInvalidPurchaseRequest   = newValidationError("invalid purchase request")
	ErrUnknownPackage           = newValidationError("unknown package")
	ErrInactivePackage          = newValidationError("package is not active")
)

// Domain-level error values returned by the ledger services.
var (
	ErrGateway              = errors.New("payment gateway failure")
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrAlreadySettled       = errors.New("payment already settled")
	ErrInconsistentState    = errors.New("inconsistent ledger state")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrUnknownPayment       = errors.New("unknown payment")
	ErrUnknownInvoice       = errors.New("unknown invoice")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateEntry       = errors.New("duplicate ledger entry")
	ErrPaymentNotSucceeded  = errors.New("payment has not succeeded")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (validation *validationError) Error() string {
	return validation.message
}

// Is reports every validation error as ErrValidation.
func (validation *validationError) Is(target error) bool {
	return target == ErrValidation
}

// GatewayError carries a failed payment gateway call together with the provider payload.
type GatewayError struct {
	Operation  string
	Mode       Mode
	StatusCode int
	Type       string
	Code       string
	Message    string
	Payload    string
	Timeout    bool
	Err        error
}

// Error returns the formatted error message.
func (gatewayError *GatewayError) Error() string {
	parts := []string{"gateway", gatewayError.Operation}
	if gatewayError.Mode != "" {
		parts = append(parts, string(gatewayError.Mode))
	}
	detail := gatewayError.Message
	if gatewayError.Timeout {
		detail = "timeout"
	}
	if detail == "" && gatewayError.Err != nil {
		detail = gatewayError.Err.Error()
	}
	if gatewayError.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", strings.Join(parts, "."), gatewayError.StatusCode, detail)
	}
	return fmt.Sprintf("%s: %s", strings.Join(parts, "."), detail)
}

// Unwrap returns the transport error, if any.
func (gatewayError *GatewayError) Unwrap() error {
	return gatewayError.Err
}

// Is matches ErrGateway.
func (gatewayError *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
