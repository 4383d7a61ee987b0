package pipeline

import (
	"context"

	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GetBlockNumber asks the gateway for the latest block number
func (d *Driver) GetBlockNumber(ctx context.Context, conn Connection) (int64, error) {
	response := conn.Send(ctx, &types.Request{Type: types.GetBlockNumber})
	if !response.IsSuccess() {
		return -1, errors.Errorf("get block number failed: %s", gatewayError(response))
	}
	number, err := types.BytesToLong(response.Data)
	if err != nil {
		return -1, errors.Wrap(err, "get block number failed")
	}
	d.logger.Debugf("Get block number: %d", number)
	return number, nil
}

// GetBlockHeader fetches block number through the gateway
func (d *Driver) GetBlockHeader(ctx context.Context, number int64, conn Connection) ([]byte, error) {
	response := conn.Send(ctx, &types.Request{Type: types.GetBlockHeader, Data: types.LongToBytes(number)})
	if !response.IsSuccess() {
		return nil, errors.Errorf("get block header failed: %s", gatewayError(response))
	}
	return response.Data, nil
}

// GetVerifiedTransaction reads txID back from the ledger and proves it is in
// block blockNumber of the header source. Every failure matches
// types.ErrNotFound. types.ErrTxIDMismatch and types.ErrNotOnChain tell a
// lying transport apart from a transaction that cannot be proven.
func (d *Driver) GetVerifiedTransaction(ctx context.Context, txID string, blockNumber int64,
	manager types.BlockHeaderManager, conn Connection) (*types.VerifiedTransaction, error) {

	logger := d.logger.WithFields(log.Fields{"txid": txID, "block": blockNumber})

	response := conn.Send(ctx, &types.Request{Type: types.GetTransaction, Data: []byte(txID)})
	if !response.IsSuccess() {
		err := errors.Wrapf(types.ErrNotFound, "get transaction: %s", gatewayError(response))
		logger.Errorf("Get transaction failed: %v", err)
		return nil, err
	}

	tx, err := d.codec.DecodeTransaction(response.Data)
	if err != nil {
		err = errors.Wrapf(types.ErrNotFound, "decode transaction: %v", err)
		logger.Errorf("Get transaction failed: %v", err)
		return nil, err
	}

	if tx.TxID != txID {
		err = errors.Wrapf(types.ErrTxIDMismatch, "request txHash: %s but response: %s", txID, tx.TxID)
		logger.Errorf("Get transaction failed: %v", err)
		return nil, err
	}

	ok, verr := d.verifier.Verify(txID, blockNumber, manager)
	if !ok {
		err = errors.Wrapf(types.ErrNotOnChain, "%v", verr)
		logger.Errorf("Get transaction failed: %v", err)
		return nil, err
	}

	request := tx.Request
	if request == nil {
		request = types.NewTransactionRequest("")
	}
	request.Normalize()

	result := d.DecodeTransactionResponse(tx.Output)
	result.Hash = txID
	result.BlockNumber = blockNumber
	result.ErrorCode = types.Success
	result.ErrorMessage = "Success"

	return &types.VerifiedTransaction{
		BlockNumber:  blockNumber,
		TxID:         txID,
		ResourceName: tx.ChaincodeName,
		Request:      request,
		Response:     result,
	}, nil
}
