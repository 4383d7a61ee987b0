package fabric

import (
	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Transaction is an endorser transaction decoded from its ordering payload
type Transaction struct {
	TxID          string
	ChannelID     string
	ChaincodeName string
	Args          [][]byte
	Output        []byte
	Status        int32
}

// Method is the first invocation argument
func (t *Transaction) Method() string {
	if len(t.Args) == 0 {
		return ""
	}
	return string(t.Args[0])
}

// Params are the invocation arguments after the method
func (t *Transaction) Params() []string {
	params := []string{}
	for i := 1; i < len(t.Args); i++ {
		params = append(params, string(t.Args[i]))
	}
	return params
}

// DecodeEnvelope decodes a signed transaction envelope
func DecodeEnvelope(data []byte) (*Transaction, error) {
	env := &common.Envelope{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	return DecodePayload(env.Payload)
}

// DecodePayload decodes an ordering payload. The transaction id must be the
// one derived from the signature header.
func DecodePayload(data []byte) (*Transaction, error) {
	payload := &common.Payload{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal payload")
	}
	if payload.Header == nil {
		return nil, errors.New("payload has no header")
	}

	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
		return nil, errors.Wrap(err, "unmarshal channel header")
	}
	if chdr.Type != int32(common.HeaderType_ENDORSER_TRANSACTION) {
		return nil, errors.Errorf("not an endorser transaction: header type %d", chdr.Type)
	}

	shdr := &common.SignatureHeader{}
	if err := proto.Unmarshal(payload.Header.SignatureHeader, shdr); err != nil {
		return nil, errors.Wrap(err, "unmarshal signature header")
	}
	if derived := ComputeTxID(shdr.Nonce, shdr.Creator); derived != chdr.TxId {
		return nil, errors.Errorf("transaction id %s does not match nonce and creator (%s)", chdr.TxId, derived)
	}

	tx := &Transaction{TxID: chdr.TxId, ChannelID: chdr.ChannelId}

	ext := &peer.ChaincodeHeaderExtension{}
	if err := proto.Unmarshal(chdr.Extension, ext); err != nil {
		return nil, errors.Wrap(err, "unmarshal chaincode header extension")
	}
	if ext.ChaincodeId != nil {
		tx.ChaincodeName = ext.ChaincodeId.Name
	}

	actionPayload, action, err := chaincodeAction(payload.Data)
	if err != nil {
		return nil, err
	}

	cpp := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(actionPayload.ChaincodeProposalPayload, cpp); err != nil {
		return nil, errors.Wrap(err, "unmarshal chaincode proposal payload")
	}
	if tx.Args, err = invocationArgs(cpp.Input); err != nil {
		return nil, err
	}

	if action.Response != nil {
		tx.Output = action.Response.Payload
		tx.Status = action.Response.Status
	}
	return tx, nil
}

// OutputFromPayload reads the chaincode response payload out of an ordering
// payload without decoding the rest of the transaction
func OutputFromPayload(data []byte) ([]byte, error) {
	payload := &common.Payload{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal payload")
	}
	_, action, err := chaincodeAction(payload.Data)
	if err != nil {
		return nil, err
	}
	if action.Response == nil {
		return []byte{}, nil
	}
	return action.Response.Payload, nil
}

func chaincodeAction(txData []byte) (*peer.ChaincodeActionPayload, *peer.ChaincodeAction, error) {
	tx := &peer.Transaction{}
	if err := proto.Unmarshal(txData, tx); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal transaction")
	}
	if len(tx.Actions) == 0 {
		return nil, nil, errors.New("transaction has no actions")
	}

	ccap := &peer.ChaincodeActionPayload{}
	if err := proto.Unmarshal(tx.Actions[0].Payload, ccap); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal chaincode action payload")
	}
	if ccap.Action == nil {
		return nil, nil, errors.New("chaincode action payload has no endorsed action")
	}

	prp := &peer.ProposalResponsePayload{}
	if err := proto.Unmarshal(ccap.Action.ProposalResponsePayload, prp); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal proposal response payload")
	}

	action := &peer.ChaincodeAction{}
	if err := proto.Unmarshal(prp.Extension, action); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal chaincode action")
	}
	return ccap, action, nil
}
