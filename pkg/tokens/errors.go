package tokens

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the token services.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrPackageNotFound        = errors.New("package not found")
	ErrPackageNotPurchasable  = errors.New("package not purchasable")
	ErrRequestNotFound        = errors.New("purchase request not found")
	ErrRequestNotApproved     = errors.New("purchase request not approved")
	ErrAlreadyProcessed       = errors.New("request already processed")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrCheckoutFailed         = errors.New("checkout session failed")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrInvalidPayload         = errors.New("invalid webhook payload")
	ErrEventAlreadyRecorded   = errors.New("webhook event already recorded")
	ErrInvalidOwnerKind       = errors.New("invalid owner kind")
	ErrInvalidOwnerID         = errors.New("invalid owner id")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidPackageID       = errors.New("invalid package id")
	ErrInvalidRequestID       = errors.New("invalid request id")
	ErrInvalidPool            = errors.New("invalid balance pool")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidRequestStatus   = errors.New("invalid request status")
	ErrInvalidOutcome         = errors.New("invalid webhook outcome")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

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
