package pipeline

import (
	"context"

	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/verifier"
)

// Codec is the chain specific half of the pipeline
type Codec interface {
	verifier.BlockDecoder

	// EncodeTransactionRequest builds the signed envelope sent for endorsement
	EncodeTransactionRequest(tc *types.TransactionContext) ([]byte, error)
	DecodeTransactionRequest(data []byte) (*types.TransactionContext, error)
	// TxIDFromEnvelope extracts the transaction id from an encoded request
	TxIDFromEnvelope(envelope []byte) (string, error)
	// BuildOrdererRequest signs the ordering payload returned by endorsement
	BuildOrdererRequest(account types.Account, payload []byte) ([]byte, error)
	// OutputFromPayload reads the chaincode output out of an ordering payload
	OutputFromPayload(payload []byte) ([]byte, error)
	DecodeTransaction(envelope []byte) (*types.Transaction, error)
}

// Connection is the gateway as seen by the pipeline
type Connection interface {
	Send(ctx context.Context, request *types.Request) *types.Response
	AsyncSend(ctx context.Context, request *types.Request, callback func(*types.Response))
}
