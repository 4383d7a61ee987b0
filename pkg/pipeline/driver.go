// Package pipeline submits transactions through a gateway and only reports
// success once the transaction has been found in a block fetched from an
// independent header source.
//
// A submission goes through INIT, VALIDATED, ENDORSED, ORDERED and VERIFYING
// before it ends as VERIFIED or FAILED. Reads stop after endorsement.
package pipeline

import (
	"context"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/guard"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/verifier"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultAccountType   = "Fabric2.2"
	DefaultVerifyTimeout = 60 * time.Second
)

// Callback receives the outcome of an asynchronous call. The response is
// never nil.
type Callback func(*types.TransactionError, *types.TransactionResponse)

// Driver runs the submission pipeline. It keeps no per-call state and is safe
// for concurrent use.
type Driver struct {
	codec         Codec
	verifier      *verifier.Verifier
	accountType   string
	verifyTimeout time.Duration
	logger        *log.Logger
	metrics       *metrics.Metrics
}

// Option configures a Driver
type Option func(*Driver)

func WithLogger(logger *log.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithVerifyTimeout bounds the wait for the header source. Zero waits until
// the source answers or the context ends.
func WithVerifyTimeout(t time.Duration) Option {
	return func(d *Driver) {
		d.verifyTimeout = t
	}
}

// WithAccountType sets the account type tag accepted by the driver
func WithAccountType(t string) Option {
	return func(d *Driver) {
		d.accountType = t
	}
}

// NewDriver returns a Driver over codec
func NewDriver(codec Codec, opts ...Option) *Driver {
	d := &Driver{
		codec:         codec,
		accountType:   DefaultAccountType,
		verifyTimeout: DefaultVerifyTimeout,
		logger:        log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = metrics.OrDisabled(d.metrics)
	d.verifier = verifier.New(codec, d.logger, d.metrics)
	return d
}

// SendTransaction submits tc and waits until the transaction is verified or
// has failed. Execution rejections and verification failures come back as a
// response carrying the failure code with a nil error. Every other failure is
// returned as a *types.TransactionError.
func (d *Driver) SendTransaction(ctx context.Context, tc *types.TransactionContext, conn Connection) (*types.TransactionResponse, error) {
	s := newSubmission(tc, d.logger, d.metrics)

	endorserRequest, terr := d.prepare(s, tc, types.SendTxEndorser)
	if terr != nil {
		return nil, d.fail(s, terr)
	}

	terr, response := d.afterEndorse(ctx, s, tc, endorserRequest, conn.Send(ctx, endorserRequest), conn)
	return surface(terr, response)
}

// AsyncSendTransaction is SendTransaction with the endorsement running on the
// gateway's worker pool. The remaining phases continue on that worker.
func (d *Driver) AsyncSendTransaction(ctx context.Context, tc *types.TransactionContext, conn Connection, callback Callback) {
	s := newSubmission(tc, d.logger, d.metrics)

	endorserRequest, terr := d.prepare(s, tc, types.SendTxEndorser)
	if terr != nil {
		callback(d.fail(s, terr), &types.TransactionResponse{ErrorCode: terr.Code, ErrorMessage: terr.Message})
		return
	}

	conn.AsyncSend(ctx, endorserRequest, func(endorserResponse *types.Response) {
		callback(d.afterEndorse(ctx, s, tc, endorserRequest, endorserResponse, conn))
	})
}

// Call runs a read-only invocation. It stops after endorsement.
func (d *Driver) Call(ctx context.Context, tc *types.TransactionContext, conn Connection) (*types.TransactionResponse, error) {
	s := newSubmission(tc, d.logger, d.metrics)

	request, terr := d.prepare(s, tc, types.Call)
	if terr != nil {
		return nil, terr
	}

	terr, response := d.handleCallResponse(s, request, conn.Send(ctx, request))
	if !terr.IsSuccess() {
		return nil, terr
	}
	return response, nil
}

// AsyncCall is Call on the gateway's worker pool
func (d *Driver) AsyncCall(ctx context.Context, tc *types.TransactionContext, conn Connection, callback Callback) {
	s := newSubmission(tc, d.logger, d.metrics)

	request, terr := d.prepare(s, tc, types.Call)
	if terr != nil {
		callback(terr, &types.TransactionResponse{ErrorCode: terr.Code, ErrorMessage: terr.Message})
		return
	}

	conn.AsyncSend(ctx, request, func(response *types.Response) {
		callback(d.handleCallResponse(s, request, response))
	})
}

// prepare validates tc and encodes the gateway request
func (d *Driver) prepare(s *submission, tc *types.TransactionContext, requestType types.RequestType) (*types.Request, *types.TransactionError) {
	if err := d.checkRequest(tc, requestType); err != nil {
		return nil, types.NewInternalError("Fabric driver call exception: %v", err)
	}
	s.advance(Validated)

	data, err := d.codec.EncodeTransactionRequest(tc)
	if err != nil {
		return nil, types.NewInternalError("encode transaction request failed: %v", err)
	}
	txID, err := d.codec.TxIDFromEnvelope(data)
	if err != nil {
		return nil, types.NewInternalError("read transaction id failed: %v", err)
	}
	s.setTxID(txID)

	return &types.Request{Type: requestType, ResourceInfo: tc.ResourceInfo, Data: data}, nil
}

// checkRequest requires a header manager on the write path only, calls
// never verify anything
func (d *Driver) checkRequest(tc *types.TransactionContext, requestType types.RequestType) error {
	if tc == nil {
		return errors.New("transaction context is nil")
	}
	if tc.Account == nil {
		return errors.New("Unknown account")
	}
	if tc.Account.Type() != d.accountType {
		return errors.Errorf("Illegal account type for fabric call: %s", tc.Account.Type())
	}
	if requestType == types.SendTxEndorser && tc.BlockHeaderManager == nil {
		return errors.New("blockHeaderManager is null")
	}
	if tc.ResourceInfo == nil {
		return errors.New("resourceInfo is null")
	}
	if tc.Request == nil {
		return errors.New("TransactionRequest is null")
	}
	tc.Request.Normalize()
	return nil
}

func (d *Driver) handleCallResponse(s *submission, request *types.Request, response *types.Response) (*types.TransactionError, *types.TransactionResponse) {
	if !response.IsSuccess() {
		terr := gatewayError(response)
		s.logger.Warnf("Call failed: %v", terr)
		return terr, &types.TransactionResponse{ErrorCode: terr.Code, ErrorMessage: terr.Message}
	}
	s.advance(Endorsed)

	result := d.DecodeTransactionResponse(response.Data)
	result.Hash = s.txID
	result.ErrorCode = types.Success
	result.ErrorMessage = "Success"
	return types.SuccessError(), result
}

// afterEndorse runs ordering and verification. It blocks the calling
// goroutine for both.
func (d *Driver) afterEndorse(ctx context.Context, s *submission, tc *types.TransactionContext,
	endorserRequest *types.Request, endorserResponse *types.Response, conn Connection) (*types.TransactionError, *types.TransactionResponse) {

	if !endorserResponse.IsSuccess() {
		return d.failWith(s, gatewayError(endorserResponse))
	}
	s.advance(Endorsed)

	// the endorser answers with the ordering payload to sign
	payload := endorserResponse.Data
	envelope, err := d.codec.BuildOrdererRequest(tc.Account, payload)
	if err != nil {
		return d.failWith(s, types.NewInternalError("Fabric driver call orderer exception: %v", err))
	}

	ordererRequest := &types.Request{Type: types.SendTxOrderer, ResourceInfo: tc.ResourceInfo, Data: envelope}
	ordererResponse := conn.Send(ctx, ordererRequest)

	switch {
	case ordererResponse == nil:
		return d.failWith(s, types.NewInternalError("empty orderer response"))
	case ordererResponse.ErrorCode == types.ExecuteChaincodeFailed:
		terr := types.NewTransactionError(ordererResponse.ErrorCode, "%s", ordererResponse.ErrorMessage)
		response := &types.TransactionResponse{
			Hash:         s.txID,
			ErrorCode:    types.ExecuteChaincodeFailed,
			ErrorMessage: ordererResponse.ErrorMessage,
		}
		if len(ordererResponse.Data) > 0 {
			response.ValidationCode = int32(ordererResponse.Data[0])
		}
		s.logger.Infof("Execution rejected with validation code %d: %s", response.ValidationCode, ordererResponse.ErrorMessage)
		s.finish(terr.Code)
		return terr, response
	case !ordererResponse.IsSuccess():
		return d.failWith(s, gatewayError(ordererResponse))
	}

	blockNumber, err := types.BytesToLong(ordererResponse.Data)
	if err != nil {
		return d.failWith(s, types.NewInternalError("Fabric driver call handle orderer response exception: %v", err))
	}
	s.advance(Ordered)

	s.advance(Verifying)
	ok, err := d.verify(ctx, s.txID, blockNumber, tc.BlockHeaderManager)
	if !ok {
		return d.verifyFailed(s, blockNumber, err)
	}

	output, err := d.codec.OutputFromPayload(payload)
	if err != nil {
		return d.verifyFailed(s, blockNumber, err)
	}

	response := d.DecodeTransactionResponse(output)
	response.Hash = s.txID
	response.BlockNumber = blockNumber
	response.ErrorCode = types.Success
	response.ErrorMessage = "Success"
	s.logger.Debugf("Transaction verified on block %d", blockNumber)
	s.finish(types.Success)
	return types.SuccessError(), response
}

type verifyResult struct {
	ok  bool
	err error
}

// verify waits for the header source under the verify timeout
func (d *Driver) verify(ctx context.Context, txID string, blockNumber int64, source types.BlockHeaderManager) (bool, error) {
	done := make(chan verifyResult, 1)
	timeout := d.verifyTimeout
	vg := guard.New(func(r verifyResult) { done <- r },
		guard.WithTimeout(timeout, func() verifyResult {
			return verifyResult{err: errors.Errorf("block %d not available within %s", blockNumber, timeout)}
		}))

	d.verifier.VerifyAsync(txID, blockNumber, source, func(ok bool, err error) {
		vg.Complete(verifyResult{ok: ok, err: err})
	})

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		vg.Complete(verifyResult{err: errors.Wrap(ctx.Err(), "verification cancelled")})
		r := <-done
		return r.ok, r.err
	}
}

func (d *Driver) verifyFailed(s *submission, blockNumber int64, cause error) (*types.TransactionError, *types.TransactionResponse) {
	terr := types.NewTransactionError(types.OnChainVerifyFailed,
		"Verify failed. Tx(%s) is invalid or not on block(%d): %v", s.txID, blockNumber, cause)
	s.logger.Warn(terr.Message)
	s.finish(terr.Code)
	return terr, &types.TransactionResponse{
		Hash:         s.txID,
		BlockNumber:  blockNumber,
		ErrorCode:    terr.Code,
		ErrorMessage: terr.Message,
	}
}

func (d *Driver) fail(s *submission, terr *types.TransactionError) *types.TransactionError {
	s.logger.Errorf("Submission failed: %v", terr)
	s.finish(terr.Code)
	return terr
}

func (d *Driver) failWith(s *submission, terr *types.TransactionError) (*types.TransactionError, *types.TransactionResponse) {
	return d.fail(s, terr), &types.TransactionResponse{Hash: s.txID, ErrorCode: terr.Code, ErrorMessage: terr.Message}
}

// surface turns a phase outcome into the return values of SendTransaction
func surface(terr *types.TransactionError, response *types.TransactionResponse) (*types.TransactionResponse, error) {
	switch {
	case terr.IsSuccess():
		return response, nil
	case terr.Code == types.ExecuteChaincodeFailed, terr.Code == types.OnChainVerifyFailed:
		return response, nil
	default:
		return nil, terr
	}
}

// gatewayError keeps the gateway's code verbatim
func gatewayError(response *types.Response) *types.TransactionError {
	if response == nil {
		return types.NewInternalError("empty gateway response")
	}
	return types.NewTransactionError(response.ErrorCode, "%s", response.ErrorMessage)
}
