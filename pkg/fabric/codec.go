package fabric

import (
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/verifier"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Codec converts between relay requests and Fabric messages of one channel
type Codec struct {
	// Channel is used when a resource does not name its own channel
	Channel string
}

// NewCodec returns a Codec for channel
func NewCodec(channel string) *Codec {
	return &Codec{Channel: channel}
}

// EncodeTransactionRequest builds the signed proposal of tc
func (c *Codec) EncodeTransactionRequest(tc *types.TransactionContext) ([]byte, error) {
	if tc == nil || tc.Request == nil {
		return nil, errors.New("transaction request is nil")
	}
	signer, err := signerOf(tc.Account)
	if err != nil {
		return nil, err
	}
	props, err := DecodeProperties(tc.ResourceInfo)
	if err != nil {
		return nil, err
	}
	channel := props.ChannelName
	if channel == "" {
		channel = c.Channel
	}

	args := make([][]byte, 0, len(tc.Request.Args)+1)
	args = append(args, []byte(tc.Request.Method))
	for _, arg := range tc.Request.Args {
		args = append(args, []byte(arg))
	}

	signed, _, err := CreateSignedProposal(signer, channel, props.ChaincodeName, args)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(signed)
}

// DecodeTransactionRequest recovers the request and resource of a signed
// proposal. The account and header manager are left empty.
func (c *Codec) DecodeTransactionRequest(data []byte) (*types.TransactionContext, error) {
	parts, err := unpackSignedProposal(data)
	if err != nil {
		return nil, err
	}

	request := types.NewTransactionRequest("")
	if len(parts.args) > 0 {
		request.Method = string(parts.args[0])
		for _, arg := range parts.args[1:] {
			request.Args = append(request.Args, string(arg))
		}
	}

	props := ChaincodeProperties{ChannelName: parts.channelHeader.ChannelId, ChaincodeName: parts.chaincodeName}
	return &types.TransactionContext{
		Request:      request,
		ResourceInfo: &types.ResourceInfo{Name: parts.chaincodeName, Stub: AccountType, Properties: props.Properties()},
	}, nil
}

// TxIDFromEnvelope reads the transaction id of a signed proposal
func (c *Codec) TxIDFromEnvelope(data []byte) (string, error) {
	parts, err := unpackSignedProposal(data)
	if err != nil {
		return "", err
	}
	return parts.channelHeader.TxId, nil
}

// BuildOrdererRequest signs payload with account into an envelope
func (c *Codec) BuildOrdererRequest(account types.Account, payload []byte) ([]byte, error) {
	signer, err := signerOf(account)
	if err != nil {
		return nil, err
	}
	env, err := SignEnvelope(signer, payload)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(env)
}

func (c *Codec) OutputFromPayload(payload []byte) ([]byte, error) {
	return OutputFromPayload(payload)
}

// DecodeTransaction decodes an envelope returned by a ledger query
func (c *Codec) DecodeTransaction(envelope []byte) (*types.Transaction, error) {
	tx, err := DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	return &types.Transaction{
		TxID:          tx.TxID,
		ChaincodeName: tx.ChaincodeName,
		Request:       types.NewTransactionRequest(tx.Method(), tx.Params()...),
		Output:        tx.Output,
	}, nil
}

func (c *Codec) DecodeBlock(data []byte) (verifier.Block, error) {
	return DecodeBlock(data)
}
