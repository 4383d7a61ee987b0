package infra

import (
	"context"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/GwanWingYan/fabric-relay/pkg/gateway"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/pipeline"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/verifier"
	"github.com/GwanWingYan/fabric-relay/pkg/workerpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Network is a relay connected to one channel: the transport to its peers
// and orderer, the gateway over the configured chaincodes, the header source
// used for verification and the pipeline driver.
type Network struct {
	Config   *Config
	Identity *Crypto
	Account  *fabric.Account

	Proposers   *Proposers
	Broadcaster *Broadcaster
	Observer    *Observer
	Ledger      *Ledger
	// Anchor backs the header source, apart from the committer when
	// configured so
	Anchor      *Ledger
	TimeKeepers *TimeKeepers

	Pool          *workerpool.Pool
	Gateway       *gateway.Gateway
	HeaderManager types.BlockHeaderManager
	Driver        *pipeline.Driver

	cache  *verifier.CachedSource
	conns  []*grpc.ClientConn
	logger *log.Logger
}

// Connect dials every node of config and wires the relay. Nothing is left
// open when it fails.
func Connect(ctx context.Context, config *Config, logger *log.Logger, m *metrics.Metrics) (_ *Network, err error) {
	m = metrics.OrDisabled(m)
	if err := config.validateAnchor(); err != nil {
		return nil, err
	}

	identity, err := config.LoadCrypto()
	if err != nil {
		return nil, err
	}

	n := &Network{
		Config:      config,
		Identity:    identity,
		Account:     fabric.NewAccount(config.MSPID, identity),
		TimeKeepers: NewTimeKeepers(0),
		logger:      logger,
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	var proposers []*Proposer
	for _, endorser := range config.Endorsers {
		conn, err := n.dial(ctx, endorser)
		if err != nil {
			return nil, err
		}
		proposers = append(proposers, NewProposer(CreateEndorserClient(conn), endorser.Address, logger))
	}
	n.Proposers = NewProposers(proposers...)

	ordererConn, err := n.dial(ctx, config.Orderer)
	if err != nil {
		return nil, err
	}
	n.Broadcaster = NewBroadcaster(ordererConn, config.Orderer.Address, logger)

	committerConn, err := n.dial(ctx, config.Committer)
	if err != nil {
		return nil, err
	}
	n.Observer = NewObserver(committerConn, identity, config.Channel, logger, m)
	if err = n.Observer.Start(); err != nil {
		return nil, err
	}
	n.Ledger = NewLedger(NewProposer(CreateEndorserClient(committerConn), config.Committer.Address, logger),
		identity, config.Channel, logger, m)

	n.Anchor = n.Ledger
	if config.Anchor.Address != config.Committer.Address {
		anchorConn, err := n.dial(ctx, config.Anchor)
		if err != nil {
			return nil, err
		}
		n.Anchor = NewLedger(NewProposer(CreateEndorserClient(anchorConn), config.Anchor.Address, logger),
			identity, config.Channel, logger, m)
	}

	handlers, err := n.chaincodeConnections(m)
	if err != nil {
		return nil, err
	}

	n.Pool = workerpool.New(config.Pool.CoreSize, config.Pool.MaxSize, config.Pool.QueueSize, workerpool.WithMetrics(m))
	n.Gateway, err = gateway.New(n.Ledger, handlers,
		gateway.WithPool(n.Pool),
		gateway.WithOrderTimeout(config.OrderTimeoutDuration()),
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	polling := verifier.NewPollingSource(n.Anchor,
		verifier.WithMaxWait(config.VerifyTimeoutDuration()),
		verifier.WithSourceLogger(logger),
	)
	n.HeaderManager = polling
	if !config.HeaderCache.Disabled {
		n.cache, err = verifier.NewCachedSource(polling, verifier.CacheConfig{
			LifeWindow: time.Duration(config.HeaderCache.LifeWindow) * time.Second,
			MaxSizeMB:  config.HeaderCache.MaxSizeMB,
		}, logger)
		if err != nil {
			return nil, err
		}
		n.HeaderManager = n.cache
	}

	n.Driver = pipeline.NewDriver(fabric.NewCodec(config.Channel),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithVerifyTimeout(config.VerifyTimeoutDuration()),
	)

	logger.Infof("Connected to channel %s with %d endorsers and %d resources",
		config.Channel, len(config.Endorsers), len(handlers))
	return n, nil
}

func (n *Network) dial(ctx context.Context, node Node) (*grpc.ClientConn, error) {
	conn, err := DialConnection(ctx, node, n.logger)
	if err != nil {
		return nil, err
	}
	n.conns = append(n.conns, conn)
	return conn, nil
}

func (n *Network) chaincodeConnections(m *metrics.Metrics) ([]gateway.ResourceHandler, error) {
	handlers := make([]gateway.ResourceHandler, 0, len(n.Config.Resources))
	for _, r := range n.Config.Resources {
		endorsers, err := n.Proposers.Select(r.Endorsers)
		if err != nil {
			return nil, errors.WithMessagef(err, "resource %s", r.Name)
		}
		handlers = append(handlers, NewChaincodeConnection(ResourceInfo(n.Config.Channel, r), endorsers,
			n.Broadcaster, n.Observer, n.logger,
			WithTimeKeepers(n.TimeKeepers),
			WithCommitWait(n.Config.OrderTimeoutDuration()),
			WithChaincodeMetrics(m),
		))
	}
	return handlers, nil
}

// ResourceInfo describes a configured chaincode
func ResourceInfo(channel string, r ResourceConfig) *types.ResourceInfo {
	chaincode := r.Chaincode
	if chaincode == "" {
		chaincode = r.Name
	}
	props := fabric.ChaincodeProperties{ChannelName: channel, ChaincodeName: chaincode, Endorsers: r.Endorsers}
	return &types.ResourceInfo{Name: r.Name, Stub: fabric.AccountType, Properties: props.Properties()}
}

// TransactionContext prepares a request on a configured resource, signed by
// the network identity
func (n *Network) TransactionContext(resource string, method string, args ...string) (*types.TransactionContext, error) {
	for _, r := range n.Config.Resources {
		if r.Name == resource {
			return &types.TransactionContext{
				Request:            types.NewTransactionRequest(method, args...),
				Account:            n.Account,
				ResourceInfo:       ResourceInfo(n.Config.Channel, r),
				BlockHeaderManager: n.HeaderManager,
			}, nil
		}
	}
	return nil, errors.Errorf("unknown resource %s", resource)
}

// Close stops the observer and releases every connection
func (n *Network) Close() {
	if n.Observer != nil {
		n.Observer.Close()
	}
	if n.Broadcaster != nil {
		n.Broadcaster.Close()
	}
	if n.Gateway != nil {
		n.Gateway.Close()
	}
	if n.Pool != nil {
		n.Pool.Close()
	}
	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			n.logger.Debugf("Close block cache: %v", err)
		}
	}
	for _, conn := range n.conns {
		if err := conn.Close(); err != nil {
			n.logger.Debugf("Close connection %s: %v", conn.Target(), err)
		}
	}
	n.conns = nil
}
