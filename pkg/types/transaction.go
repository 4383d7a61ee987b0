package types

import (
	"fmt"
	"strings"
)

// TransactionRequest is a chaincode invocation: a method name and its ordered arguments
type TransactionRequest struct {
	Method string
	Args   []string
}

// NewTransactionRequest builds a request whose Args is never nil
func NewTransactionRequest(method string, args ...string) *TransactionRequest {
	r := &TransactionRequest{Method: method, Args: args}
	r.Normalize()
	return r
}

// Normalize replaces a nil argument list with an empty one
func (r *TransactionRequest) Normalize() {
	if r.Args == nil {
		r.Args = []string{}
	}
}

func (r *TransactionRequest) String() string {
	return fmt.Sprintf("%s(%s)", r.Method, strings.Join(r.Args, ", "))
}

// TransactionResponse is populated progressively while a transaction moves
// through the pipeline phases.
type TransactionResponse struct {
	Result       []string
	Hash         string
	BlockNumber  int64
	ErrorCode    Status
	ErrorMessage string

	// ValidationCode is the ledger's own validation code when ErrorCode is
	// ExecuteChaincodeFailed.
	ValidationCode int32
}

func (r *TransactionResponse) String() string {
	return fmt.Sprintf("TransactionResponse{result: %v, hash: %s, blockNumber: %d, errorCode: %s, errorMessage: %s}",
		r.Result, r.Hash, r.BlockNumber, r.ErrorCode, r.ErrorMessage)
}

// Account is an identity the pipeline signs with. Only the type tag is
// inspected outside of the chain codec.
type Account interface {
	Name() string
	Type() string
}

// ResourceInfo identifies the chaincode a request targets
type ResourceInfo struct {
	Name       string
	Stub       string
	Properties map[string]interface{}
}

// BlockHeaderManager fetches blocks from a source the relay trusts more than
// the peer it submits through.
type BlockHeaderManager interface {
	GetBlockNumber() (int64, error)
	GetBlockHeader(number int64) ([]byte, error)
	// AsyncGetBlockHeader invokes callback exactly once, with no timing bound.
	AsyncGetBlockHeader(number int64, callback func(header []byte, err error))
}

// TransactionContext carries everything one call needs. It belongs to the
// calling goroutine for the duration of the call.
type TransactionContext struct {
	Request            *TransactionRequest
	Account            Account
	ResourceInfo       *ResourceInfo
	BlockHeaderManager BlockHeaderManager
}

// VerifiedTransaction is only built once block membership has been proven
type VerifiedTransaction struct {
	BlockNumber  int64
	TxID         string
	ResourceName string
	Request      *TransactionRequest
	Response     *TransactionResponse
}

// BlockHeader is the chain-neutral view of a decoded block
type BlockHeader struct {
	Number         int64
	PrevHash       []byte
	DataHash       []byte
	Hash           []byte
	TransactionIDs []string
}

// Transaction is a committed transaction decoded from its envelope
type Transaction struct {
	TxID          string
	ChaincodeName string
	Request       *TransactionRequest
	Output        []byte
}
