package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the outcome code carried by gateway responses and transaction
// responses
type Status int32

const (
	Success          Status = 0
	InternalError    Status = 100
	ResourceNotFound Status = 101
	// ResourceBusy means the worker pool refused the task
	ResourceBusy Status = 102

	// ExecuteChaincodeFailed means the ledger ran the transaction and rejected
	// it. The validation code travels in the first data byte.
	ExecuteChaincodeFailed Status = 2001
	// CommitTimeout is ambiguous: the transaction may or may not be committed
	CommitTimeout       Status = 2002
	OnChainVerifyFailed Status = 2003
)

var statusName = map[Status]string{
	Success:                "SUCCESS",
	InternalError:          "INTERNAL_ERROR",
	ResourceNotFound:       "RESOURCE_NOT_FOUND",
	ResourceBusy:           "RESOURCE_BUSY",
	ExecuteChaincodeFailed: "EXECUTE_CHAINCODE_FAILED",
	CommitTimeout:          "COMMIT_TIMEOUT",
	OnChainVerifyFailed:    "ON_CHAIN_VERIFY_FAILED",
}

func (s Status) String() string {
	if name, ok := statusName[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// TransactionError is the structured outcome of a pipeline phase
type TransactionError struct {
	Code    Status
	Message string
}

// NewTransactionError returns a TransactionError with the given code
func NewTransactionError(code Status, format string, args ...interface{}) *TransactionError {
	return &TransactionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError returns an INTERNAL_ERROR TransactionError
func NewInternalError(format string, args ...interface{}) *TransactionError {
	return NewTransactionError(InternalError, format, args...)
}

// SuccessError is the outcome of a phase that went through
func SuccessError() *TransactionError {
	return &TransactionError{Code: Success, Message: "Success"}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsSuccess reports whether the outcome is SUCCESS
func (e *TransactionError) IsSuccess() bool {
	return e == nil || e.Code == Success
}

// Retryable reports whether resubmitting may change the outcome. Execution
// rejections repeat unless the input changes, and a commit timeout must be
// looked up before anything is resubmitted.
func (e *TransactionError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case InternalError, ResourceNotFound, ResourceBusy:
		return true
	}
	return false
}

// lookupError is a verified-transaction lookup failure. Every lookup failure
// is a "not found" for callers that do not care why.
type lookupError string

func (e lookupError) Error() string { return string(e) }

func (e lookupError) Is(target error) bool {
	return target == ErrNotFound
}

var (
	ErrNotFound = errors.New("verified transaction not found")
	// ErrTxIDMismatch means the transport returned a different transaction than requested
	ErrTxIDMismatch error = lookupError("transaction id mismatch")
	// ErrNotOnChain means membership could not be proven for the claimed block
	ErrNotOnChain error = lookupError("transaction not proven on chain")
)
