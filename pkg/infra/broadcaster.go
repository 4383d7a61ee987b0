package infra

import (
	"context"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/orderer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Broadcaster submits envelopes to the orderer over one Broadcast stream.
// The orderer acknowledges envelopes in order, so each Send is paired with
// its Recv while the stream is held.
type Broadcaster struct {
	conn    *grpc.ClientConn
	address string
	logger  *log.Logger

	// sem holds the stream, a caller waits for it no longer than its ctx
	sem    chan struct{}
	client orderer.AtomicBroadcast_BroadcastClient
	cancel context.CancelFunc
}

func NewBroadcaster(conn *grpc.ClientConn, address string, logger *log.Logger) *Broadcaster {
	return &Broadcaster{conn: conn, address: address, logger: logger, sem: make(chan struct{}, 1)}
}

type broadcastResult struct {
	res *orderer.BroadcastResponse
	err error
}

// Broadcast sends env and waits for the orderer to accept it. Acceptance
// only means the envelope will be ordered, not that it is valid. When ctx
// ends first the stream is dropped, the next call opens a new one.
func (b *Broadcaster) Broadcast(ctx context.Context, env *common.Envelope) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for broadcast stream to %s", b.address)
	}
	defer func() { <-b.sem }()

	if b.client == nil {
		sctx, cancel := context.WithCancel(context.Background())
		client, err := CreateBroadcastClient(sctx, b.conn)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "fail to open broadcast stream to %s", b.address)
		}
		b.client, b.cancel = client, cancel
	}

	client := b.client
	done := make(chan broadcastResult, 1)
	go func() {
		if err := client.Send(env); err != nil {
			done <- broadcastResult{err: errors.Wrapf(err, "fail to send envelope to %s", b.address)}
			return
		}
		res, err := client.Recv()
		if err != nil {
			err = errors.Wrapf(err, "recieve broadcast error from %s", b.address)
		}
		done <- broadcastResult{res: res, err: err}
	}()

	var r broadcastResult
	select {
	case r = <-done:
	case <-ctx.Done():
		b.reset()
		return errors.Wrapf(ctx.Err(), "broadcast to %s", b.address)
	}
	if r.err != nil {
		b.reset()
		return r.err
	}
	if r.res.Status != common.Status_SUCCESS {
		return errors.Errorf("Receive error status %s: %s", r.res.Status, r.res.Info)
	}
	return nil
}

// reset drops a broken stream, the next Broadcast opens a new one
func (b *Broadcaster) reset() {
	if b.cancel != nil {
		b.cancel()
	}
	b.client, b.cancel = nil, nil
}

func (b *Broadcaster) Close() {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()
	if b.client != nil {
		if err := b.client.CloseSend(); err != nil {
			b.logger.Debugf("Close broadcast stream to %s: %v", b.address, err)
		}
	}
	b.reset()
}
