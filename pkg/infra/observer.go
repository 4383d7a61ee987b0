package infra

import (
	"context"
	"sync"
	"time"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
)

// Commit is the committer's verdict on one transaction
type Commit struct {
	TxID        string
	BlockNumber uint64
	Code        peer.TxValidationCode
}

// Observer follows the filtered blocks of a channel on the committer and
// hands each commit to whoever waits for its transaction id
type Observer struct {
	conn    *grpc.ClientConn
	signer  fabric.SigningIdentity
	channel string
	logger  *log.Logger
	metrics *metrics.Metrics

	lock    sync.Mutex
	waiters map[string]chan Commit

	latest *atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewObserver(conn *grpc.ClientConn, signer fabric.SigningIdentity, channel string, logger *log.Logger, m *metrics.Metrics) *Observer {
	return &Observer{
		conn:    conn,
		signer:  signer,
		channel: channel,
		logger:  logger,
		metrics: metrics.OrDisabled(m),
		waiters: make(map[string]chan Commit),
		latest:  atomic.NewInt64(-1),
		done:    make(chan struct{}),
	}
}

// Register must be called before the transaction is broadcast. The channel
// receives at most one commit; cancel releases it.
func (o *Observer) Register(txid string) (<-chan Commit, func()) {
	ch := make(chan Commit, 1)
	o.lock.Lock()
	o.waiters[txid] = ch
	o.lock.Unlock()

	return ch, func() {
		o.lock.Lock()
		if o.waiters[txid] == ch {
			delete(o.waiters, txid)
		}
		o.lock.Unlock()
	}
}

// Waiting is the number of registered transactions
func (o *Observer) Waiting() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.waiters)
}

// LatestBlock is the highest block seen, or -1 before the first one
func (o *Observer) LatestBlock() int64 {
	return o.latest.Load()
}

// Start opens the deliver stream and keeps it open, reconnecting with
// backoff, until Close
func (o *Observer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	client, err := o.connect(ctx)
	if err != nil {
		cancel()
		return err
	}
	o.cancel = cancel

	o.logger.Infof("Start observer on channel %s", o.channel)
	go o.run(ctx, client)
	return nil
}

func (o *Observer) Close() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Observer) connect(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error) {
	deliverer, err := CreateDeliverFilteredClient(ctx, o.conn)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create DeliverFilteredClient")
	}

	seek, err := fabric.NewSignedSeekEnvelope(o.signer, o.channel)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create SignedEnvelope")
	}

	if err = deliverer.Send(seek); err != nil {
		return nil, errors.Wrap(err, "fail to send SignedEnvelope")
	}
	return deliverer, nil
}

func (o *Observer) run(ctx context.Context, client peer.Deliver_DeliverFilteredClient) {
	defer close(o.done)

	for {
		err := o.receive(client)
		if ctx.Err() != nil {
			return
		}
		o.logger.Warnf("Deliver stream on channel %s broke: %v", o.channel, err)

		client = nil
		reconnect := func() error {
			c, err := o.connect(ctx)
			if err != nil {
				return err
			}
			client = c
			return nil
		}
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 0
		policy.MaxInterval = 10 * time.Second
		if err := backoff.Retry(reconnect, backoff.WithContext(policy, ctx)); err != nil {
			return
		}
		o.logger.Infof("Deliver stream on channel %s reopened", o.channel)
	}
}

func (o *Observer) receive(client peer.Deliver_DeliverFilteredClient) error {
	for {
		r, err := client.Recv()
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("received nil message, but expect a valid block instead")
		}

		switch t := r.Type.(type) {
		case *peer.DeliverResponse_FilteredBlock:
			o.process(t.FilteredBlock)
		case *peer.DeliverResponse_Status:
			if t.Status != common.Status_SUCCESS {
				return errors.Errorf("deliver service answered status %s", t.Status)
			}
			o.logger.Infoln("Status:", t.Status)
		default:
			o.logger.Infoln("Please check the return type manually")
		}
	}
}

func (o *Observer) process(fb *peer.FilteredBlock) {
	if fb == nil {
		return
	}
	number := int64(fb.Number)
	for {
		seen := o.latest.Load()
		if number <= seen || o.latest.CAS(seen, number) {
			break
		}
	}
	o.metrics.LatestBlock.Set(float64(o.latest.Load()))

	o.lock.Lock()
	defer o.lock.Unlock()
	for _, tx := range fb.FilteredTransactions {
		txid := tx.GetTxid()
		ch, ok := o.waiters[txid]
		if !ok {
			continue
		}
		delete(o.waiters, txid)
		ch <- Commit{TxID: txid, BlockNumber: fb.Number, Code: tx.TxValidationCode}
	}
}
