// Package client runs the one-shot relay commands: a single verified invoke,
// a query, a transaction lookup and the channel height.
package client

import (
	"context"
	"strings"

	"github.com/GwanWingYan/fabric-relay/pkg/infra"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mode selects the path a single command takes through the pipeline
type Mode int

const (
	// Invoke endorses, orders and verifies
	Invoke Mode = iota
	// Query only endorses
	Query
)

func (m Mode) String() string {
	if m == Query {
		return "query"
	}
	return "invoke"
}

// RunSingleCmd sends txn, a method followed by its args, to resource
func RunSingleCmd(ctx context.Context, network *infra.Network, mode Mode, resource string, txn []string, logger *log.Logger) (*types.TransactionResponse, error) {
	if len(txn) == 0 || txn[0] == "" {
		return nil, errors.New("empty transaction, expected a method and its args")
	}
	tc, err := network.TransactionContext(resource, txn[0], txn[1:]...)
	if err != nil {
		return nil, err
	}

	fields := log.Fields{"resource": resource, "method": txn[0], "mode": mode.String()}
	logger.WithFields(fields).Debugf("Sending %s", strings.Join(txn, " "))

	var response *types.TransactionResponse
	switch mode {
	case Query:
		response, err = network.Driver.Call(ctx, tc, network.Gateway)
	default:
		response, err = network.Driver.SendTransaction(ctx, tc, network.Gateway)
	}
	if err != nil {
		return nil, err
	}

	if response.ErrorCode != types.Success {
		logger.WithFields(fields).Warnf("txn failed: %s", response)
		return response, errors.Errorf("%s failed with %s: %s", mode, response.ErrorCode, response.ErrorMessage)
	}
	logger.WithFields(fields).Infof("txn result: %s", response)
	return response, nil
}

// LookupTransaction fetches txID and proves it is on block blockNumber
func LookupTransaction(ctx context.Context, network *infra.Network, txID string, blockNumber int64, logger *log.Logger) (*types.VerifiedTransaction, error) {
	if txID == "" {
		return nil, errors.New("empty transaction id")
	}
	verified, err := network.Driver.GetVerifiedTransaction(ctx, txID, blockNumber, network.HeaderManager, network.Gateway)
	if err != nil {
		return nil, errors.WithMessagef(err, "lookup %s on block %d", txID, blockNumber)
	}
	logger.WithField("txid", txID).Infof("Verified on block %d: %s %s", verified.BlockNumber, verified.ResourceName, verified.Request)
	return verified, nil
}

// Height is the number of the newest block of the channel
func Height(ctx context.Context, network *infra.Network) (int64, error) {
	return network.Driver.GetBlockNumber(ctx, network.Gateway)
}
