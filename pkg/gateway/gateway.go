// Package gateway routes typed requests to the handler of the resource they
// target. Blocking chain work runs on a bounded worker pool, and the ordering
// exchange is turned into a call with a deadline.
package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/guard"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/workerpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultOrderTimeout = 5000 * time.Millisecond

	DefaultCorePoolSize = 200
	DefaultMaxPoolSize  = 500
	DefaultQueueSize    = 5000
)

// ResourceHandler serves the requests of one resource. Implementations are
// called from many goroutines at once.
type ResourceHandler interface {
	ResourceInfo() *types.ResourceInfo
	Call(ctx context.Context, request *types.Request) *types.Response
	SendTransactionEndorser(ctx context.Context, request *types.Request) *types.Response
	// AsyncSendTransactionOrderer submits for ordering and calls back once the
	// commit outcome is known. The callback may never be invoked.
	AsyncSendTransactionOrderer(ctx context.Context, request *types.Request, callback func(*types.Response))
}

// ChainReader is the read path shared by every resource of a channel
type ChainReader interface {
	BlockNumber(ctx context.Context) (int64, error)
	BlockByNumber(ctx context.Context, number int64) ([]byte, error)
	TransactionByID(ctx context.Context, txID string) ([]byte, error)
}

// Gateway dispatches requests. The handler set is fixed at construction.
type Gateway struct {
	reader       ChainReader
	handlers     map[string]ResourceHandler
	pool         *workerpool.Pool
	ownPool      bool
	orderTimeout time.Duration
	logger       *log.Logger
	metrics      *metrics.Metrics
}

// Option configures a Gateway
type Option func(*Gateway)

// WithPool uses p instead of a pool of the default size. The caller keeps
// ownership of p.
func WithPool(p *workerpool.Pool) Option {
	return func(g *Gateway) {
		g.pool = p
	}
}

// WithOrderTimeout bounds the wait for the ordering exchange
func WithOrderTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.orderTimeout = d
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New returns a Gateway over handlers. Two handlers with the same resource
// name are an error.
func New(reader ChainReader, handlers []ResourceHandler, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		reader:       reader,
		handlers:     make(map[string]ResourceHandler, len(handlers)),
		orderTimeout: DefaultOrderTimeout,
		logger:       log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics = metrics.OrDisabled(g.metrics)

	for _, h := range handlers {
		info := h.ResourceInfo()
		if info == nil || info.Name == "" {
			return nil, errors.New("resource handler without a name")
		}
		if _, ok := g.handlers[info.Name]; ok {
			return nil, errors.Errorf("duplicate resource %s", info.Name)
		}
		g.handlers[info.Name] = h
	}

	if g.pool == nil {
		g.pool = workerpool.New(DefaultCorePoolSize, DefaultMaxPoolSize, DefaultQueueSize,
			workerpool.WithMetrics(g.metrics))
		g.ownPool = true
	}
	return g, nil
}

// Send executes request on the calling goroutine
func (g *Gateway) Send(ctx context.Context, request *types.Request) *types.Response {
	var response *types.Response
	switch request.Type {
	case types.Call:
		response = g.withHandler(request, func(h ResourceHandler) *types.Response {
			return h.Call(ctx, request)
		})
	case types.SendTxEndorser:
		response = g.withHandler(request, func(h ResourceHandler) *types.Response {
			return h.SendTransactionEndorser(ctx, request)
		})
	case types.SendTxOrderer:
		response = g.withHandler(request, func(h ResourceHandler) *types.Response {
			return g.sendTransactionOrderer(ctx, h, request)
		})
	case types.GetBlockNumber:
		response = g.handleGetBlockNumber(ctx)
	case types.GetBlockHeader:
		response = g.handleGetBlockHeader(ctx, request)
	case types.GetTransaction:
		response = g.handleGetTransaction(ctx, request)
	default:
		response = resourceNotFound(request)
	}

	g.metrics.Requests.With("type", request.Type.String(), "code", response.ErrorCode.String()).Add(1)
	return response
}

// AsyncSend runs call, endorsement and ordering requests on the worker pool
// and invokes callback from the worker. Other requests are answered before
// AsyncSend returns. A request for an unknown resource, or one the saturated
// pool refuses, is answered immediately without scheduling anything.
func (g *Gateway) AsyncSend(ctx context.Context, request *types.Request, callback func(*types.Response)) {
	switch request.Type {
	case types.Call, types.SendTxEndorser, types.SendTxOrderer:
	default:
		callback(g.Send(ctx, request))
		return
	}

	if _, ok := g.handler(request); !ok {
		response := resourceNotFound(request)
		g.metrics.Requests.With("type", request.Type.String(), "code", response.ErrorCode.String()).Add(1)
		callback(response)
		return
	}

	err := g.pool.Submit(func() {
		callback(g.Send(ctx, request))
	})
	if err != nil {
		g.logger.Warnf("Reject %s request for %s: %v", request.Type, request.ResourceName(), err)
		response := types.NewResponse(types.ResourceBusy, nil, "%s request rejected: %v", request.Type, err)
		g.metrics.Requests.With("type", request.Type.String(), "code", response.ErrorCode.String()).Add(1)
		callback(response)
	}
}

// GetResources lists the configured resources, ordered by name
func (g *Gateway) GetResources() []*types.ResourceInfo {
	names := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	resources := make([]*types.ResourceInfo, 0, len(names))
	for _, name := range names {
		resources = append(resources, g.handlers[name].ResourceInfo())
	}
	return resources
}

// Close stops the worker pool if the Gateway created it
func (g *Gateway) Close() {
	if g.ownPool {
		g.pool.Close()
	}
}

func (g *Gateway) handler(request *types.Request) (ResourceHandler, bool) {
	h, ok := g.handlers[request.ResourceName()]
	return h, ok
}

func (g *Gateway) withHandler(request *types.Request, fn func(ResourceHandler) *types.Response) *types.Response {
	h, ok := g.handler(request)
	if !ok {
		return resourceNotFound(request)
	}
	return fn(h)
}

// sendTransactionOrderer blocks until the handler reports the commit outcome
// or the order timeout expires, whichever comes first.
func (g *Gateway) sendTransactionOrderer(ctx context.Context, h ResourceHandler, request *types.Request) *types.Response {
	done := make(chan *types.Response, 1)
	timeout := g.orderTimeout
	og := guard.New(func(r *types.Response) { done <- r },
		guard.WithTimeout(timeout, func() *types.Response {
			return types.NewResponse(types.CommitTimeout, nil,
				"no commit event for %s within %s", request.ResourceName(), timeout)
		}))

	// handlers may block before calling back, the guard alone bounds the wait
	go h.AsyncSendTransactionOrderer(ctx, request, func(r *types.Response) {
		if r == nil {
			r = types.NewResponse(types.InternalError, nil, "empty orderer response")
		}
		if !og.Complete(r) {
			g.logger.Debugf("Drop late orderer response for %s: %s", request.ResourceName(), r.ErrorCode)
		}
	})

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		og.Complete(types.NewResponse(types.CommitTimeout, nil, "wait for commit cancelled: %v", ctx.Err()))
		return <-done
	}
}

func (g *Gateway) handleGetBlockNumber(ctx context.Context) *types.Response {
	number, err := g.reader.BlockNumber(ctx)
	if err != nil {
		return types.NewResponse(types.InternalError, nil, "Get block number exception: %v", err)
	}
	g.metrics.LatestBlock.Set(float64(number))
	return types.SuccessResponse(types.LongToBytes(number))
}

func (g *Gateway) handleGetBlockHeader(ctx context.Context, request *types.Request) *types.Response {
	number, err := types.BytesToLong(request.Data)
	if err != nil {
		return types.NewResponse(types.InternalError, nil, "Get block exception: %v", err)
	}
	block, err := g.reader.BlockByNumber(ctx, number)
	if err != nil {
		return types.NewResponse(types.InternalError, nil, "Get block exception: %v", err)
	}
	return types.SuccessResponse(block)
}

func (g *Gateway) handleGetTransaction(ctx context.Context, request *types.Request) *types.Response {
	envelope, err := g.reader.TransactionByID(ctx, string(request.Data))
	if err != nil {
		return types.NewResponse(types.InternalError, nil, "Get transaction exception: %v", err)
	}
	return types.SuccessResponse(envelope)
}

func resourceNotFound(request *types.Request) *types.Response {
	return types.NewResponse(types.ResourceNotFound, nil, "Resource not found, name: %s", request.ResourceName())
}
