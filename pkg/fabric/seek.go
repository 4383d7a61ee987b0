package fabric

import (
	"math"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/orderer"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
)

// NewSignedSeekEnvelope asks a deliver service for every block from the
// newest one on, blocking until each is ready
func NewSignedSeekEnvelope(signer SigningIdentity, channel string) (*common.Envelope, error) {
	seekInfo := &orderer.SeekInfo{
		Start: &orderer.SeekPosition{
			Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}},
		},
		Stop: &orderer.SeekPosition{
			Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: math.MaxUint64}},
		},
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}
	data, err := proto.Marshal(seekInfo)
	if err != nil {
		return nil, errors.Wrap(err, "marshal seek info")
	}

	creator, err := signer.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "serialize identity")
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	chdr, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_DELIVER_SEEK_INFO),
		ChannelId: channel,
		TxId:      ComputeTxID(nonce, creator),
		Timestamp: ptypes.TimestampNow(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal channel header")
	}
	shdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, errors.Wrap(err, "marshal signature header")
	}

	payload, err := proto.Marshal(&common.Payload{
		Header: &common.Header{ChannelHeader: chdr, SignatureHeader: shdr},
		Data:   data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return SignEnvelope(signer, payload)
}
