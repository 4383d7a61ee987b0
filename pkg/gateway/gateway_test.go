package gateway_test

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/gateway"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/workerpool"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type fakeHandler struct {
	info       *types.ResourceInfo
	calls      *atomic.Int32
	block      chan struct{}
	ordererLag time.Duration
	// ordererHold blocks the ordering call itself before it hands off
	ordererHold time.Duration
	ordererRsp  *types.Response
	late        chan bool
}

func newFakeHandler(name string) *fakeHandler {
	return &fakeHandler{
		info:       &types.ResourceInfo{Name: name, Stub: "Fabric2.2"},
		calls:      atomic.NewInt32(0),
		ordererRsp: types.SuccessResponse(types.LongToBytes(42)),
		late:       make(chan bool, 1),
	}
}

func (h *fakeHandler) ResourceInfo() *types.ResourceInfo { return h.info }

func (h *fakeHandler) Call(ctx context.Context, request *types.Request) *types.Response {
	h.calls.Inc()
	if h.block != nil {
		<-h.block
	}
	return types.SuccessResponse(append([]byte("call:"), request.Data...))
}

func (h *fakeHandler) SendTransactionEndorser(ctx context.Context, request *types.Request) *types.Response {
	h.calls.Inc()
	return types.SuccessResponse(append([]byte("endorsed:"), request.Data...))
}

func (h *fakeHandler) AsyncSendTransactionOrderer(ctx context.Context, request *types.Request, callback func(*types.Response)) {
	h.calls.Inc()
	time.Sleep(h.ordererHold)
	go func() {
		time.Sleep(h.ordererLag)
		callback(h.ordererRsp)
		h.late <- true
	}()
}

type fakeReader struct {
	number int64
	err    error
}

func (r *fakeReader) BlockNumber(ctx context.Context) (int64, error) {
	return r.number, r.err
}

func (r *fakeReader) BlockByNumber(ctx context.Context, number int64) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte{byte(number)}, nil
}

func (r *fakeReader) TransactionByID(ctx context.Context, txID string) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("envelope-" + txID), nil
}

func request(t types.RequestType, resource string, data []byte) *types.Request {
	return &types.Request{Type: t, ResourceInfo: &types.ResourceInfo{Name: resource}, Data: data}
}

var _ = Describe("Gateway", func() {
	var (
		ctx    context.Context
		logger *log.Logger
		reader *fakeReader
		mycc   *fakeHandler
		pool   *workerpool.Pool
		gw     *gateway.Gateway
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = log.New()
		logger.SetOutput(ioutil.Discard)
		reader = &fakeReader{number: 42}
		mycc = newFakeHandler("mycc")
		pool = workerpool.New(1, 1, 1)

		var err error
		gw, err = gateway.New(reader, []gateway.ResourceHandler{mycc, newFakeHandler("abac")},
			gateway.WithPool(pool),
			gateway.WithLogger(logger),
			gateway.WithOrderTimeout(100*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		pool.Close()
	})

	It("rejects duplicate resource names", func() {
		_, err := gateway.New(reader, []gateway.ResourceHandler{newFakeHandler("a"), newFakeHandler("a")})
		Expect(err).To(MatchError(ContainSubstring("duplicate resource a")))
	})

	It("lists resources without touching the network", func() {
		resources := gw.GetResources()
		Expect(resources).To(HaveLen(2))
		Expect(resources[0].Name).To(Equal("abac"))
		Expect(resources[1].Name).To(Equal("mycc"))
		Expect(mycc.calls.Load()).To(BeZero())
	})

	Describe("Send", func() {
		It("routes calls and endorsements to the resource handler", func() {
			r := gw.Send(ctx, request(types.Call, "mycc", []byte("q")))
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(r.Data).To(Equal([]byte("call:q")))

			r = gw.Send(ctx, request(types.SendTxEndorser, "mycc", []byte("p")))
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(r.Data).To(Equal([]byte("endorsed:p")))
		})

		It("answers RESOURCE_NOT_FOUND for an unknown resource", func() {
			for _, t := range []types.RequestType{types.Call, types.SendTxEndorser, types.SendTxOrderer} {
				r := gw.Send(ctx, request(t, "nope", nil))
				Expect(r.ErrorCode).To(Equal(types.ResourceNotFound))
				Expect(r.ErrorMessage).To(ContainSubstring("nope"))
			}
			Expect(gw.Send(ctx, &types.Request{Type: types.Call}).ErrorCode).To(Equal(types.ResourceNotFound))
		})

		It("answers RESOURCE_NOT_FOUND for an unknown type", func() {
			r := gw.Send(ctx, request(types.RequestType(99), "mycc", nil))
			Expect(r.ErrorCode).To(Equal(types.ResourceNotFound))
		})

		It("encodes the block number as 8 big-endian bytes", func() {
			r := gw.Send(ctx, &types.Request{Type: types.GetBlockNumber})
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(types.BytesToLong(r.Data)).To(BeEquivalentTo(42))
		})

		It("reads blocks and transactions through the chain reader", func() {
			r := gw.Send(ctx, &types.Request{Type: types.GetBlockHeader, Data: types.LongToBytes(7)})
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(r.Data).To(Equal([]byte{7}))

			r = gw.Send(ctx, &types.Request{Type: types.GetTransaction, Data: []byte("tx1")})
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(r.Data).To(Equal([]byte("envelope-tx1")))
		})

		It("wraps read failures as INTERNAL_ERROR", func() {
			reader.err = errors.New("peer down")
			Expect(gw.Send(ctx, &types.Request{Type: types.GetBlockNumber}).ErrorCode).To(Equal(types.InternalError))
			Expect(gw.Send(ctx, &types.Request{Type: types.GetTransaction, Data: []byte("tx1")}).ErrorCode).To(Equal(types.InternalError))
			r := gw.Send(ctx, &types.Request{Type: types.GetBlockHeader, Data: types.LongToBytes(1)})
			Expect(r.ErrorCode).To(Equal(types.InternalError))
			Expect(r.ErrorMessage).To(ContainSubstring("peer down"))
		})

		It("rejects a malformed block number", func() {
			r := gw.Send(ctx, &types.Request{Type: types.GetBlockHeader, Data: []byte{1, 2}})
			Expect(r.ErrorCode).To(Equal(types.InternalError))
		})

		Context("ordering", func() {
			It("returns the commit outcome delivered before the deadline", func() {
				r := gw.Send(ctx, request(types.SendTxOrderer, "mycc", nil))
				Expect(r.IsSuccess()).To(BeTrue())
				Expect(types.BytesToLong(r.Data)).To(BeEquivalentTo(42))
			})

			It("times out with COMMIT_TIMEOUT and drops the late response", func() {
				mycc.ordererLag = 300 * time.Millisecond

				start := time.Now()
				r := gw.Send(ctx, request(types.SendTxOrderer, "mycc", nil))
				Expect(r.ErrorCode).To(Equal(types.CommitTimeout))
				Expect(time.Since(start)).To(BeNumerically("<", 300*time.Millisecond))

				Eventually(mycc.late, time.Second).Should(Receive())
			})

			It("times out when the ordering call itself blocks", func() {
				mycc.ordererHold = time.Second

				start := time.Now()
				r := gw.Send(ctx, request(types.SendTxOrderer, "mycc", nil))
				Expect(r.ErrorCode).To(Equal(types.CommitTimeout))
				Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))

				Eventually(mycc.late, 2*time.Second).Should(Receive())
			})

			It("passes execution rejections through", func() {
				mycc.ordererRsp = types.NewResponse(types.ExecuteChaincodeFailed, []byte{11}, "MVCC_READ_CONFLICT")
				r := gw.Send(ctx, request(types.SendTxOrderer, "mycc", nil))
				Expect(r.ErrorCode).To(Equal(types.ExecuteChaincodeFailed))
				Expect(r.Data).To(Equal([]byte{11}))
			})

			It("stops waiting when the context is cancelled", func() {
				mycc.ordererLag = 300 * time.Millisecond
				cctx, cancel := context.WithCancel(ctx)
				cancel()
				r := gw.Send(cctx, request(types.SendTxOrderer, "mycc", nil))
				Expect(r.ErrorCode).To(Equal(types.CommitTimeout))
			})
		})
	})

	Describe("AsyncSend", func() {
		It("runs calls on the pool and calls back from the worker", func() {
			responses := make(chan *types.Response, 1)
			gw.AsyncSend(ctx, request(types.Call, "mycc", []byte("q")), func(r *types.Response) {
				responses <- r
			})

			var r *types.Response
			Eventually(responses).Should(Receive(&r))
			Expect(r.Data).To(Equal([]byte("call:q")))
			Expect(pool.Submitted()).To(BeEquivalentTo(1))
		})

		It("answers an unknown resource without scheduling a task", func() {
			var r *types.Response
			gw.AsyncSend(ctx, request(types.SendTxEndorser, "nope", nil), func(resp *types.Response) {
				r = resp
			})
			Expect(r).NotTo(BeNil())
			Expect(r.ErrorCode).To(Equal(types.ResourceNotFound))
			Expect(pool.Submitted()).To(BeZero())
		})

		It("answers reads synchronously", func() {
			var r *types.Response
			gw.AsyncSend(ctx, &types.Request{Type: types.GetBlockNumber}, func(resp *types.Response) {
				r = resp
			})
			Expect(r.IsSuccess()).To(BeTrue())
			Expect(pool.Submitted()).To(BeZero())
		})

		It("fails fast with RESOURCE_BUSY when the pool is saturated", func() {
			mycc.block = make(chan struct{})
			defer close(mycc.block)

			responses := make(chan *types.Response, 3)
			cb := func(r *types.Response) { responses <- r }

			gw.AsyncSend(ctx, request(types.Call, "mycc", nil), cb)
			Eventually(mycc.calls.Load).Should(BeEquivalentTo(1))
			gw.AsyncSend(ctx, request(types.Call, "mycc", nil), cb)

			var r *types.Response
			gw.AsyncSend(ctx, request(types.Call, "mycc", nil), cb)
			Expect(responses).To(Receive(&r))
			Expect(r.ErrorCode).To(Equal(types.ResourceBusy))
			Expect(pool.Submitted()).To(BeEquivalentTo(2))
		})
	})
})
