package fabric

import (
	"bytes"

	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Block is a committed block with the validation flags of its transactions
type Block struct {
	header *common.BlockHeader
	txIDs  []string
	codes  map[string]peer.TxValidationCode
}

// DecodeBlock decodes a block and checks its data hash
func DecodeBlock(data []byte) (*Block, error) {
	block := &common.Block{}
	if err := proto.Unmarshal(data, block); err != nil {
		return nil, errors.Wrap(err, "unmarshal block")
	}
	if block.Header == nil {
		return nil, errors.New("block has no header")
	}
	if block.Data == nil {
		block.Data = &common.BlockData{}
	}

	if !bytes.Equal(protoutil.BlockDataHash(block.Data), block.Header.DataHash) {
		return nil, errors.Errorf("data hash of block %d does not match its header", block.Header.Number)
	}

	var flags []byte
	if block.Metadata != nil && len(block.Metadata.Metadata) > int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		flags = block.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	b := &Block{
		header: block.Header,
		codes:  make(map[string]peer.TxValidationCode, len(block.Data.Data)),
	}
	for i, envBytes := range block.Data.Data {
		txID, err := envelopeTxID(envBytes)
		if err != nil {
			return nil, errors.WithMessagef(err, "transaction %d of block %d", i, block.Header.Number)
		}
		if txID == "" {
			continue
		}

		code := peer.TxValidationCode_NOT_VALIDATED
		if i < len(flags) {
			code = peer.TxValidationCode(flags[i])
		}
		b.txIDs = append(b.txIDs, txID)
		// the first occurrence decides, later duplicates are flagged invalid by the committer
		if _, ok := b.codes[txID]; !ok {
			b.codes[txID] = code
		}
	}
	return b, nil
}

func envelopeTxID(data []byte) (string, error) {
	env, err := protoutil.GetEnvelopeFromBlock(data)
	if err != nil {
		return "", err
	}
	payload := &common.Payload{}
	if err := proto.Unmarshal(env.Payload, payload); err != nil {
		return "", errors.Wrap(err, "unmarshal payload")
	}
	if payload.Header == nil {
		return "", errors.New("payload has no header")
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
		return "", errors.Wrap(err, "unmarshal channel header")
	}
	return chdr.TxId, nil
}

// HasTransaction reports whether txID is in the block and was validated
func (b *Block) HasTransaction(txID string) bool {
	code, ok := b.codes[txID]
	return ok && code == peer.TxValidationCode_VALID
}

// ValidationCode is the committer's verdict on txID
func (b *Block) ValidationCode(txID string) (peer.TxValidationCode, bool) {
	code, ok := b.codes[txID]
	return code, ok
}

// Header dumps the block header
func (b *Block) Header() *types.BlockHeader {
	return &types.BlockHeader{
		Number:         int64(b.header.Number),
		PrevHash:       b.header.PreviousHash,
		DataHash:       b.header.DataHash,
		Hash:           protoutil.BlockHeaderHash(b.header),
		TransactionIDs: b.txIDs,
	}
}
