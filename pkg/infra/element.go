package infra

import (
	"sync"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Element contains the data for the lifecycle of one transaction on one
// chaincode connection
type Element struct {
	Proposal   *peer.Proposal
	SignedProp *peer.SignedProposal
	Responses  []*peer.ProposalResponse
	lock       sync.Mutex
	Envelope   *common.Envelope
	Txid       string
	Time       TimeKeeper
}

// NewProposalElement starts an element from a signed proposal
func NewProposalElement(data []byte) (*Element, error) {
	signed, prop, txid, err := fabric.UnpackSignedProposal(data)
	if err != nil {
		return nil, err
	}
	return &Element{Proposal: prop, SignedProp: signed, Txid: txid}, nil
}

// NewEnvelopeElement starts an element from a signed ordering envelope. The
// payload must be a well formed endorser transaction.
func NewEnvelopeElement(data []byte) (*Element, error) {
	env := &common.Envelope{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	tx, err := fabric.DecodePayload(env.Payload)
	if err != nil {
		return nil, err
	}
	return &Element{Envelope: env, Txid: tx.TxID}, nil
}

// addResponse collects an endorsement and returns how many are collected
func (e *Element) addResponse(resp *peer.ProposalResponse) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.Responses = append(e.Responses, resp)
	return len(e.Responses)
}
