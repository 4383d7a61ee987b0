package infra

import (
	"context"
	"time"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	log "github.com/sirupsen/logrus"
)

// Orderer accepts envelopes for ordering
type Orderer interface {
	Broadcast(ctx context.Context, env *common.Envelope) error
}

// CommitWaiter hands out the commit of a transaction
type CommitWaiter interface {
	Register(txid string) (<-chan Commit, func())
}

// ChaincodeConnection serves the gateway requests of one chaincode
type ChaincodeConnection struct {
	info      *types.ResourceInfo
	endorsers []*Proposer
	orderer   Orderer
	committer CommitWaiter
	keepers   *TimeKeepers
	// commitWait bounds how long a broadcast transaction is watched for
	commitWait time.Duration
	logger     *log.Logger
	metrics    *metrics.Metrics
}

// DefaultCommitWait is how long a commit is watched for when the caller's
// context has no deadline
const DefaultCommitWait = time.Minute

type ChaincodeOption func(*ChaincodeConnection)

func WithTimeKeepers(keepers *TimeKeepers) ChaincodeOption {
	return func(c *ChaincodeConnection) {
		c.keepers = keepers
	}
}

func WithCommitWait(d time.Duration) ChaincodeOption {
	return func(c *ChaincodeConnection) {
		c.commitWait = d
	}
}

func WithChaincodeMetrics(m *metrics.Metrics) ChaincodeOption {
	return func(c *ChaincodeConnection) {
		c.metrics = metrics.OrDisabled(m)
	}
}

func NewChaincodeConnection(info *types.ResourceInfo, endorsers []*Proposer, orderer Orderer, committer CommitWaiter,
	logger *log.Logger, opts ...ChaincodeOption) *ChaincodeConnection {
	c := &ChaincodeConnection{
		info:       info,
		endorsers:  endorsers,
		orderer:    orderer,
		committer:  committer,
		keepers:    NewTimeKeepers(0),
		commitWait: DefaultCommitWait,
		logger:     logger,
		metrics:    metrics.NewDisabled(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ChaincodeConnection) ResourceInfo() *types.ResourceInfo {
	return c.info
}

func (c *ChaincodeConnection) endorse(ctx context.Context, data []byte) (*Element, *types.Response) {
	e, err := NewProposalElement(data)
	if err != nil {
		return nil, types.NewResponse(types.InternalError, nil, "Decode proposal exception: %v", err)
	}

	e.Time.keepProposedTime()
	if err := Endorse(ctx, c.endorsers, e); err != nil {
		c.logger.WithField("txid", e.Txid).Warnf("Endorsement on %s failed: %v", c.info.Name, err)
		return nil, types.NewResponse(types.InternalError, nil, "Endorse exception: %v", err)
	}
	e.Time.keepEndorsedTime()
	e.Time.report(c.metrics)
	return e, nil
}

// Call evaluates a proposal without ordering it and answers the chaincode
// output
func (c *ChaincodeConnection) Call(ctx context.Context, request *types.Request) *types.Response {
	e, failed := c.endorse(ctx, request.Data)
	if failed != nil {
		return failed
	}
	return types.SuccessResponse(e.Responses[0].Response.Payload)
}

// SendTransactionEndorser collects the endorsements of a proposal and answers
// the ordering payload to be signed
func (c *ChaincodeConnection) SendTransactionEndorser(ctx context.Context, request *types.Request) *types.Response {
	e, failed := c.endorse(ctx, request.Data)
	if failed != nil {
		return failed
	}
	payload, err := fabric.AssembleTransactionPayload(e.Proposal, e.Responses)
	if err != nil {
		return types.NewResponse(types.InternalError, nil, "Assemble transaction exception: %v", err)
	}
	return types.SuccessResponse(payload)
}

// AsyncSendTransactionOrderer broadcasts a signed envelope and calls back
// once the committer has validated it. The broadcast and the commit share
// the commit wait. Nothing is called back if the commit is not observed in
// time or ctx ends first.
func (c *ChaincodeConnection) AsyncSendTransactionOrderer(ctx context.Context, request *types.Request, callback func(*types.Response)) {
	e, err := NewEnvelopeElement(request.Data)
	if err != nil {
		callback(types.NewResponse(types.InternalError, nil, "Decode envelope exception: %v", err))
		return
	}
	logger := c.logger.WithField("txid", e.Txid)

	commits, cancel := c.committer.Register(e.Txid)
	go func() {
		defer cancel()
		wctx, stop := context.WithTimeout(ctx, c.commitWait)
		defer stop()

		e.Time.keepBroadcastTime()
		if err := c.orderer.Broadcast(wctx, e.Envelope); err != nil {
			logger.Warnf("Broadcast failed: %v", err)
			callback(types.NewResponse(types.InternalError, nil, "Broadcast exception: %v", err))
			return
		}

		select {
		case commit := <-commits:
			e.Time.keepObservedTime()
			e.Time.report(c.metrics)
			c.keepers.keep(&e.Time)
			callback(commitResponse(commit))
		case <-wctx.Done():
			logger.Debugf("Stop waiting for commit: %v", wctx.Err())
		}
	}()
}

func commitResponse(commit Commit) *types.Response {
	if commit.Code != peer.TxValidationCode_VALID {
		return types.NewResponse(types.ExecuteChaincodeFailed, []byte{byte(commit.Code)},
			"Transaction %s invalidated on block %d: %s", commit.TxID, commit.BlockNumber, commit.Code)
	}
	return types.SuccessResponse(types.LongToBytes(int64(commit.BlockNumber)))
}
