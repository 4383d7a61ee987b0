package infra

import (
	"context"
	"strconv"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	qscc = "qscc"

	qsccGetChainInfo       = "GetChainInfo"
	qsccGetBlockByNumber   = "GetBlockByNumber"
	qsccGetTransactionByID = "GetTransactionByID"
)

// Ledger reads a channel through the query system chaincode of one peer
type Ledger struct {
	proposer *Proposer
	signer   fabric.SigningIdentity
	channel  string
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewLedger(proposer *Proposer, signer fabric.SigningIdentity, channel string, logger *log.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		proposer: proposer,
		signer:   signer,
		channel:  channel,
		logger:   logger,
		metrics:  metrics.OrDisabled(m),
	}
}

func (l *Ledger) query(ctx context.Context, function string, args ...string) ([]byte, error) {
	input := [][]byte{[]byte(function), []byte(l.channel)}
	for _, a := range args {
		input = append(input, []byte(a))
	}

	// system chaincode proposals are not bound to a channel
	sp, _, err := fabric.CreateSignedProposal(l.signer, "", qscc, input)
	if err != nil {
		return nil, errors.WithMessagef(err, "create %s proposal", function)
	}

	resp, err := l.proposer.ProcessProposal(ctx, sp)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s on channel %s", function, l.channel)
	}
	return resp.Response.Payload, nil
}

// BlockNumber is the number of the last block of the channel
func (l *Ledger) BlockNumber(ctx context.Context) (int64, error) {
	payload, err := l.query(ctx, qsccGetChainInfo)
	if err != nil {
		return 0, err
	}
	info := &common.BlockchainInfo{}
	if err := proto.Unmarshal(payload, info); err != nil {
		return 0, errors.Wrap(err, "unmarshal blockchain info")
	}
	if info.Height == 0 {
		return 0, errors.Errorf("channel %s has no block", l.channel)
	}
	number := int64(info.Height - 1)
	l.metrics.LatestBlock.Set(float64(number))
	return number, nil
}

// BlockByNumber returns the serialized block
func (l *Ledger) BlockByNumber(ctx context.Context, number int64) ([]byte, error) {
	if number < 0 {
		return nil, errors.Errorf("invalid block number %d", number)
	}
	return l.query(ctx, qsccGetBlockByNumber, strconv.FormatInt(number, 10))
}

// TransactionByID returns the serialized envelope of a committed transaction
func (l *Ledger) TransactionByID(ctx context.Context, txID string) ([]byte, error) {
	payload, err := l.query(ctx, qsccGetTransactionByID, txID)
	if err != nil {
		return nil, err
	}
	pt := &peer.ProcessedTransaction{}
	if err := proto.Unmarshal(payload, pt); err != nil {
		return nil, errors.Wrap(err, "unmarshal processed transaction")
	}
	if pt.TransactionEnvelope == nil {
		return nil, errors.Errorf("transaction %s has no envelope", txID)
	}
	l.logger.Debugf("Transaction %s was committed with validation code %s", txID, peer.TxValidationCode(pt.ValidationCode))
	return proto.Marshal(pt.TransactionEnvelope)
}
