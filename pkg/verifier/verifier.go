// Package verifier proves that a transaction is part of a block, using a
// header source that is independent of the peer the transaction went through.
package verifier

import (
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Block is a decoded block that can answer membership questions
type Block interface {
	HasTransaction(txID string) bool
	Header() *types.BlockHeader
}

// BlockDecoder decodes a block from its binary form
type BlockDecoder interface {
	DecodeBlock(data []byte) (Block, error)
}

// Verifier checks transaction membership
type Verifier struct {
	decoder BlockDecoder
	logger  *log.Logger
	metrics *metrics.Metrics
}

// New returns a Verifier. A nil logger falls back to the standard logger.
func New(decoder BlockDecoder, logger *log.Logger, m *metrics.Metrics) *Verifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Verifier{
		decoder: decoder,
		logger:  logger,
		metrics: metrics.OrDisabled(m),
	}
}

// Verify fetches block blockNumber from source and reports whether txID is in
// it. A false result always comes with the reason.
func (v *Verifier) Verify(txID string, blockNumber int64, source types.BlockHeaderManager) (bool, error) {
	if source == nil {
		return v.record(txID, blockNumber, false, errors.New("block header manager is nil"))
	}

	v.logger.Debugf("To verify transaction %s, waiting for block %d", txID, blockNumber)
	data, err := source.GetBlockHeader(blockNumber)
	if err != nil {
		return v.record(txID, blockNumber, false, errors.Wrapf(err, "get block %d failed", blockNumber))
	}
	return v.check(txID, blockNumber, data)
}

// VerifyAsync is Verify over the asynchronous header fetch. callback is
// invoked once, from whichever goroutine the source delivers on.
func (v *Verifier) VerifyAsync(txID string, blockNumber int64, source types.BlockHeaderManager, callback func(bool, error)) {
	if source == nil {
		callback(v.record(txID, blockNumber, false, errors.New("block header manager is nil")))
		return
	}

	v.logger.Debugf("To verify transaction %s, waiting for block %d", txID, blockNumber)
	source.AsyncGetBlockHeader(blockNumber, func(data []byte, err error) {
		if err != nil {
			callback(v.record(txID, blockNumber, false, errors.Wrapf(err, "get block %d failed", blockNumber)))
			return
		}
		callback(v.check(txID, blockNumber, data))
	})
}

func (v *Verifier) check(txID string, blockNumber int64, data []byte) (bool, error) {
	if len(data) == 0 {
		return v.record(txID, blockNumber, false, errors.Errorf("block %d is empty", blockNumber))
	}

	block, err := v.decoder.DecodeBlock(data)
	if err != nil {
		return v.record(txID, blockNumber, false, errors.Wrapf(err, "decode block %d failed", blockNumber))
	}

	if header := block.Header(); header != nil && header.Number != blockNumber {
		return v.record(txID, blockNumber, false,
			errors.Errorf("source returned block %d for block %d", header.Number, blockNumber))
	}

	if !block.HasTransaction(txID) {
		return v.record(txID, blockNumber, false,
			errors.Errorf("tx %s is invalid or not on block %d", txID, blockNumber))
	}
	return v.record(txID, blockNumber, true, nil)
}

func (v *Verifier) record(txID string, blockNumber int64, ok bool, err error) (bool, error) {
	result := "verified"
	if !ok {
		result = "failed"
	}
	v.metrics.Verifications.With("result", result).Add(1)
	v.logger.WithFields(log.Fields{"txid": txID, "block": blockNumber}).Debugf("verify: %v %v", ok, err)
	return ok, err
}
