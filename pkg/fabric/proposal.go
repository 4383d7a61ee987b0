package fabric

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

const nonceSize = 24

// ComputeTxID derives a transaction id from the nonce and creator of its
// signature header
func ComputeTxID(nonce, creator []byte) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write(creator)
	return hex.EncodeToString(h.Sum(nil))
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return nonce, nil
}

// CreateSignedProposal builds and signs an endorser transaction proposal
func CreateSignedProposal(signer SigningIdentity, channel, chaincode string, args [][]byte) (*peer.SignedProposal, string, error) {
	creator, err := signer.Serialize()
	if err != nil {
		return nil, "", errors.Wrap(err, "serialize identity")
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, "", err
	}
	txID := ComputeTxID(nonce, creator)

	spec := &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: &peer.ChaincodeID{Name: chaincode},
			Input:       &peer.ChaincodeInput{Args: args},
		},
	}

	prop, _, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(
		txID, common.HeaderType_ENDORSER_TRANSACTION, channel, spec, nonce, creator, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "create proposal")
	}

	signed, err := protoutil.GetSignedProposal(prop, signer)
	if err != nil {
		return nil, "", errors.Wrap(err, "sign proposal")
	}
	return signed, txID, nil
}

// proposalParts is a signed proposal taken apart
type proposalParts struct {
	proposal      *peer.Proposal
	header        *common.Header
	channelHeader *common.ChannelHeader
	chaincodeName string
	args          [][]byte
}

// UnpackSignedProposal decodes a signed proposal and returns it together
// with its proposal and transaction id
func UnpackSignedProposal(data []byte) (*peer.SignedProposal, *peer.Proposal, string, error) {
	signed := &peer.SignedProposal{}
	if err := proto.Unmarshal(data, signed); err != nil {
		return nil, nil, "", errors.Wrap(err, "unmarshal signed proposal")
	}
	parts, err := unpackProposal(signed.ProposalBytes)
	if err != nil {
		return nil, nil, "", err
	}
	return signed, parts.proposal, parts.channelHeader.TxId, nil
}

func unpackSignedProposal(data []byte) (*proposalParts, error) {
	signed := &peer.SignedProposal{}
	if err := proto.Unmarshal(data, signed); err != nil {
		return nil, errors.Wrap(err, "unmarshal signed proposal")
	}
	return unpackProposal(signed.ProposalBytes)
}

func unpackProposal(data []byte) (*proposalParts, error) {
	parts := &proposalParts{proposal: &peer.Proposal{}, header: &common.Header{}, channelHeader: &common.ChannelHeader{}}
	if err := proto.Unmarshal(data, parts.proposal); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal")
	}
	if err := proto.Unmarshal(parts.proposal.Header, parts.header); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal header")
	}
	if err := proto.Unmarshal(parts.header.ChannelHeader, parts.channelHeader); err != nil {
		return nil, errors.Wrap(err, "unmarshal channel header")
	}

	ext := &peer.ChaincodeHeaderExtension{}
	if err := proto.Unmarshal(parts.channelHeader.Extension, ext); err != nil {
		return nil, errors.Wrap(err, "unmarshal chaincode header extension")
	}
	if ext.ChaincodeId != nil {
		parts.chaincodeName = ext.ChaincodeId.Name
	}

	payload := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(parts.proposal.Payload, payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal payload")
	}
	args, err := invocationArgs(payload.Input)
	if err != nil {
		return nil, err
	}
	parts.args = args
	return parts, nil
}

func invocationArgs(input []byte) ([][]byte, error) {
	spec := &peer.ChaincodeInvocationSpec{}
	if err := proto.Unmarshal(input, spec); err != nil {
		return nil, errors.Wrap(err, "unmarshal invocation spec")
	}
	if spec.ChaincodeSpec == nil || spec.ChaincodeSpec.Input == nil {
		return nil, nil
	}
	return spec.ChaincodeSpec.Input.Args, nil
}

// AssembleTransactionPayload builds the unsigned ordering payload from a
// proposal and its endorsements. Every endorsement must be successful and
// agree on the response payload.
func AssembleTransactionPayload(proposal *peer.Proposal, responses []*peer.ProposalResponse) ([]byte, error) {
	if len(responses) == 0 {
		return nil, errors.New("at least one proposal response is necessary")
	}

	hdr := &common.Header{}
	if err := proto.Unmarshal(proposal.Header, hdr); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal header failed")
	}
	cpp := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(proposal.Payload, cpp); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal payload failed")
	}

	responsePayload := responses[0].Payload
	endorsements := make([]*peer.Endorsement, 0, len(responses))
	for _, r := range responses {
		if r.Response == nil || r.Response.Status < 200 || r.Response.Status >= 400 {
			return nil, errors.Errorf("proposal response was not successful: %v", r.Response)
		}
		if !bytes.Equal(responsePayload, r.Payload) {
			return nil, errors.New("proposal response payloads do not match")
		}
		endorsements = append(endorsements, r.Endorsement)
	}

	// the transient map never goes to the ledger
	txProposalPayload, err := proto.Marshal(&peer.ChaincodeProposalPayload{Input: cpp.Input})
	if err != nil {
		return nil, errors.Wrap(err, "marshal proposal payload")
	}

	actionPayload, err := proto.Marshal(&peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: txProposalPayload,
		Action: &peer.ChaincodeEndorsedAction{
			ProposalResponsePayload: responsePayload,
			Endorsements:            endorsements,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal chaincode action payload")
	}

	tx, err := proto.Marshal(&peer.Transaction{
		Actions: []*peer.TransactionAction{{Header: hdr.SignatureHeader, Payload: actionPayload}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal transaction")
	}

	return proto.Marshal(&common.Payload{Header: hdr, Data: tx})
}

// SignEnvelope signs payload into an envelope for the orderer
func SignEnvelope(signer SigningIdentity, payload []byte) (*common.Envelope, error) {
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, errors.Wrap(err, "sign payload")
	}
	return &common.Envelope{Payload: payload, Signature: sig}, nil
}
