package pipeline

import (
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/pkg/errors"
)

func (d *Driver) EncodeTransactionRequest(tc *types.TransactionContext) ([]byte, error) {
	return d.codec.EncodeTransactionRequest(tc)
}

func (d *Driver) DecodeTransactionRequest(data []byte) (*types.TransactionContext, error) {
	return d.codec.DecodeTransactionRequest(data)
}

// EncodeTransactionResponse encodes the single result of a response. A
// response without a result encodes to an empty slice.
func (d *Driver) EncodeTransactionResponse(response *types.TransactionResponse) ([]byte, error) {
	switch len(response.Result) {
	case 0:
		return []byte{}, nil
	case 1:
		return []byte(response.Result[0]), nil
	default:
		return nil, errors.Errorf("illegal result size: %d", len(response.Result))
	}
}

// DecodeTransactionResponse wraps the chaincode output as the single result
func (d *Driver) DecodeTransactionResponse(data []byte) *types.TransactionResponse {
	return &types.TransactionResponse{Result: []string{string(data)}}
}

// IsTransaction reports whether request carries an encoded transaction
func (d *Driver) IsTransaction(request *types.Request) bool {
	switch request.Type {
	case types.Call, types.SendTxEndorser:
		return true
	}
	return false
}

// DecodeBlockHeader dumps the header of an encoded block
func (d *Driver) DecodeBlockHeader(data []byte) (*types.BlockHeader, error) {
	block, err := d.codec.DecodeBlock(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode block header")
	}
	header := block.Header()
	if header == nil {
		return nil, errors.New("block has no header")
	}
	return header, nil
}
