package pipeline_test

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/gateway"
	"github.com/GwanWingYan/fabric-relay/pkg/pipeline"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/GwanWingYan/fabric-relay/pkg/workerpool"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const txID = "7b3f5c0d9a"

var _ = Describe("Driver", func() {
	var (
		ctx     context.Context
		logger  *log.Logger
		codec   *fakeCodec
		driver  *pipeline.Driver
		mycc    *fakeHandler
		reader  *fakeReader
		pool    *workerpool.Pool
		gw      *gateway.Gateway
		manager *fakeManager
		tc      *types.TransactionContext
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = log.New()
		logger.SetOutput(ioutil.Discard)

		codec = &fakeCodec{txID: txID}
		driver = pipeline.NewDriver(codec,
			pipeline.WithLogger(logger),
			pipeline.WithVerifyTimeout(200*time.Millisecond))

		mycc = newFakeHandler("mycc")
		reader = &fakeReader{number: 42, transactions: map[string][]byte{}}
		pool = workerpool.New(2, 4, 8)

		var err error
		gw, err = gateway.New(reader, []gateway.ResourceHandler{mycc},
			gateway.WithPool(pool),
			gateway.WithLogger(logger),
			gateway.WithOrderTimeout(100*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())

		manager = newFakeManager()
		manager.blocks[42] = encodeBlock(42, "other", txID)

		tc = &types.TransactionContext{
			Request:            types.NewTransactionRequest("invoke", "a", "b", "10"),
			Account:            fakeAccount{accountType: pipeline.DefaultAccountType},
			ResourceInfo:       &types.ResourceInfo{Name: "mycc"},
			BlockHeaderManager: manager,
		}
	})

	AfterEach(func() {
		pool.Close()
	})

	Describe("SendTransaction", func() {
		It("reports success once the transaction is found in the block", func() {
			response, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.ErrorCode).To(Equal(types.Success))
			Expect(response.BlockNumber).To(BeEquivalentTo(42))
			Expect(response.Hash).To(Equal(txID))
			Expect(response.Result).To(Equal([]string{"OK"}))
		})

		It("reports ON_CHAIN_VERIFY_FAILED when the block does not contain the transaction", func() {
			manager.blocks[42] = encodeBlock(42, "other")

			response, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.ErrorCode).To(Equal(types.OnChainVerifyFailed))
			Expect(response.ErrorMessage).To(ContainSubstring("not on block(42)"))
			Expect(response.Result).To(BeEmpty())
		})

		It("reports ON_CHAIN_VERIFY_FAILED when the header never arrives", func() {
			manager.silent = true

			response, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.ErrorCode).To(Equal(types.OnChainVerifyFailed))
			Expect(response.ErrorMessage).To(ContainSubstring("not available"))
		})

		It("reports COMMIT_TIMEOUT when ordering does not answer in time", func() {
			mycc.ordererLag = 300 * time.Millisecond

			response, err := driver.SendTransaction(ctx, tc, gw)
			Expect(response).To(BeNil())
			var terr *types.TransactionError
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.Code).To(Equal(types.CommitTimeout))
			Expect(terr.Retryable()).To(BeFalse())

			Eventually(mycc.late, time.Second).Should(Receive())
			Expect(manager.fetches.Load()).To(BeZero())
		})

		It("returns an execution rejection as a response without verifying", func() {
			mycc.ordererRsp = types.NewResponse(types.ExecuteChaincodeFailed, []byte{11}, "MVCC_READ_CONFLICT")

			response, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.ErrorCode).To(Equal(types.ExecuteChaincodeFailed))
			Expect(response.ValidationCode).To(BeEquivalentTo(11))
			Expect(response.ErrorMessage).To(Equal("MVCC_READ_CONFLICT"))
			Expect(manager.fetches.Load()).To(BeZero())
		})

		It("propagates the gateway code of a failed endorsement", func() {
			mycc.endorserRsp = types.NewResponse(types.InternalError, nil, "endorsement mismatch")

			_, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).To(MatchError(ContainSubstring("endorsement mismatch")))
			Expect(err.(*types.TransactionError).Code).To(Equal(types.InternalError))
			Expect(mycc.ordererCalls.Load()).To(BeZero())
		})

		It("answers RESOURCE_NOT_FOUND for an unknown resource", func() {
			tc.ResourceInfo = &types.ResourceInfo{Name: "nope"}

			_, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err).To(HaveOccurred())
			Expect(err.(*types.TransactionError).Code).To(Equal(types.ResourceNotFound))
		})

		It("fails when the orderer reports a malformed block number", func() {
			mycc.ordererRsp = types.SuccessResponse([]byte{1})

			_, err := driver.SendTransaction(ctx, tc, gw)
			Expect(err.(*types.TransactionError).Code).To(Equal(types.InternalError))
		})

		Context("validation", func() {
			It("rejects a missing account", func() {
				tc.Account = nil
				_, err := driver.SendTransaction(ctx, tc, gw)
				Expect(err).To(MatchError(ContainSubstring("Unknown account")))
				Expect(err.(*types.TransactionError).Code).To(Equal(types.InternalError))
			})

			It("rejects an account of another chain", func() {
				tc.Account = fakeAccount{accountType: "BCOS2.0"}
				_, err := driver.SendTransaction(ctx, tc, gw)
				Expect(err).To(MatchError(ContainSubstring("Illegal account type")))
			})

			It("rejects a missing header manager", func() {
				tc.BlockHeaderManager = nil
				_, err := driver.SendTransaction(ctx, tc, gw)
				Expect(err).To(MatchError(ContainSubstring("blockHeaderManager")))
			})

			It("rejects a missing resource or request", func() {
				tc.ResourceInfo = nil
				_, err := driver.SendTransaction(ctx, tc, gw)
				Expect(err).To(MatchError(ContainSubstring("resourceInfo")))

				tc.ResourceInfo = &types.ResourceInfo{Name: "mycc"}
				tc.Request = nil
				_, err = driver.SendTransaction(ctx, tc, gw)
				Expect(err).To(MatchError(ContainSubstring("TransactionRequest")))
				Expect(mycc.ordererCalls.Load()).To(BeZero())
			})

			It("defaults missing arguments to an empty list", func() {
				tc.Request = &types.TransactionRequest{Method: "init"}
				_, err := driver.SendTransaction(ctx, tc, gw)
				Expect(err).NotTo(HaveOccurred())
				Expect(tc.Request.Args).To(Equal([]string{}))
			})
		})
	})

	Describe("AsyncSendTransaction", func() {
		type outcome struct {
			terr     *types.TransactionError
			response *types.TransactionResponse
		}

		It("calls back with the verified response", func() {
			outcomes := make(chan outcome, 1)
			driver.AsyncSendTransaction(ctx, tc, gw, func(terr *types.TransactionError, response *types.TransactionResponse) {
				outcomes <- outcome{terr, response}
			})

			var o outcome
			Eventually(outcomes, time.Second).Should(Receive(&o))
			Expect(o.terr.IsSuccess()).To(BeTrue())
			Expect(o.response.BlockNumber).To(BeEquivalentTo(42))
			Expect(o.response.Result).To(Equal([]string{"OK"}))
			Expect(pool.Submitted()).To(BeEquivalentTo(1))
		})

		It("calls back with ON_CHAIN_VERIFY_FAILED and a populated response", func() {
			manager.blocks[42] = encodeBlock(42)
			outcomes := make(chan outcome, 1)
			driver.AsyncSendTransaction(ctx, tc, gw, func(terr *types.TransactionError, response *types.TransactionResponse) {
				outcomes <- outcome{terr, response}
			})

			var o outcome
			Eventually(outcomes, time.Second).Should(Receive(&o))
			Expect(o.terr.Code).To(Equal(types.OnChainVerifyFailed))
			Expect(o.response.ErrorCode).To(Equal(types.OnChainVerifyFailed))
			Expect(o.response.Hash).To(Equal(txID))
		})

		It("answers an unknown resource without scheduling a pool task", func() {
			tc.ResourceInfo = &types.ResourceInfo{Name: "nope"}
			var got *types.TransactionError
			driver.AsyncSendTransaction(ctx, tc, gw, func(terr *types.TransactionError, _ *types.TransactionResponse) {
				got = terr
			})
			Expect(got).NotTo(BeNil())
			Expect(got.Code).To(Equal(types.ResourceNotFound))
			Expect(pool.Submitted()).To(BeZero())
		})

		It("calls back immediately on validation failure", func() {
			tc.Account = nil
			var (
				got      *types.TransactionError
				response *types.TransactionResponse
			)
			driver.AsyncSendTransaction(ctx, tc, gw, func(terr *types.TransactionError, r *types.TransactionResponse) {
				got, response = terr, r
			})
			Expect(got.Code).To(Equal(types.InternalError))
			Expect(response).NotTo(BeNil())
		})
	})

	Describe("Call", func() {
		It("returns the endorsement output without ordering", func() {
			response, err := driver.Call(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.Result).To(Equal([]string{"100"}))
			Expect(response.Hash).To(Equal(txID))
			Expect(response.BlockNumber).To(BeZero())
			Expect(mycc.ordererCalls.Load()).To(BeZero())
			Expect(manager.fetches.Load()).To(BeZero())
		})

		It("runs asynchronously on the pool", func() {
			type outcome struct {
				terr     *types.TransactionError
				response *types.TransactionResponse
			}
			outcomes := make(chan outcome, 1)
			driver.AsyncCall(ctx, tc, gw, func(terr *types.TransactionError, response *types.TransactionResponse) {
				outcomes <- outcome{terr, response}
			})

			var o outcome
			Eventually(outcomes).Should(Receive(&o))
			Expect(o.terr.IsSuccess()).To(BeTrue())
			Expect(o.response.Result).To(Equal([]string{"100"}))
		})

		It("does not need a header manager", func() {
			tc.BlockHeaderManager = nil

			response, err := driver.Call(ctx, tc, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(response.Result).To(Equal([]string{"100"}))

			outcomes := make(chan *types.TransactionError, 1)
			driver.AsyncCall(ctx, tc, gw, func(terr *types.TransactionError, _ *types.TransactionResponse) {
				outcomes <- terr
			})
			var terr *types.TransactionError
			Eventually(outcomes).Should(Receive(&terr))
			Expect(terr.IsSuccess()).To(BeTrue())
		})

		It("surfaces RESOURCE_NOT_FOUND", func() {
			tc.ResourceInfo = &types.ResourceInfo{Name: "nope"}
			_, err := driver.Call(ctx, tc, gw)
			Expect(err.(*types.TransactionError).Code).To(Equal(types.ResourceNotFound))
		})
	})

	Describe("GetVerifiedTransaction", func() {
		BeforeEach(func() {
			reader.transactions[txID] = []byte(txID + "|mycc|invoke|a,b,10|OK")
		})

		It("returns the transaction once membership is proven", func() {
			vt, err := driver.GetVerifiedTransaction(ctx, txID, 42, manager, gw)
			Expect(err).NotTo(HaveOccurred())
			Expect(vt.TxID).To(Equal(txID))
			Expect(vt.BlockNumber).To(BeEquivalentTo(42))
			Expect(vt.ResourceName).To(Equal("mycc"))
			Expect(vt.Request.Method).To(Equal("invoke"))
			Expect(vt.Request.Args).To(Equal([]string{"a", "b", "10"}))
			Expect(vt.Response.Result).To(Equal([]string{"OK"}))
			Expect(vt.Response.ErrorCode).To(Equal(types.Success))
		})

		It("refuses a transaction whose id differs from the requested one", func() {
			reader.transactions[txID] = []byte("forged|mycc|invoke|a,b,10|OK")

			vt, err := driver.GetVerifiedTransaction(ctx, txID, 42, manager, gw)
			Expect(vt).To(BeNil())
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(err, types.ErrTxIDMismatch)).To(BeTrue())
			Expect(manager.fetches.Load()).To(BeZero())
		})

		It("refuses a transaction that is not in the claimed block", func() {
			vt, err := driver.GetVerifiedTransaction(ctx, txID, 41, manager, gw)
			Expect(vt).To(BeNil())
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(err, types.ErrNotOnChain)).To(BeTrue())
		})

		It("reports an unknown transaction as not found", func() {
			vt, err := driver.GetVerifiedTransaction(ctx, "missing", 42, manager, gw)
			Expect(vt).To(BeNil())
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(err, types.ErrNotOnChain)).To(BeFalse())
		})
	})

	Describe("ledger reads", func() {
		It("reads the block number", func() {
			Expect(driver.GetBlockNumber(ctx, gw)).To(BeEquivalentTo(42))
		})

		It("reads a block", func() {
			Expect(driver.GetBlockHeader(ctx, 7, gw)).To(Equal(encodeBlock(7)))
		})
	})

	Describe("encoding", func() {
		It("encodes zero or one result", func() {
			Expect(driver.EncodeTransactionResponse(&types.TransactionResponse{})).To(Equal([]byte{}))
			Expect(driver.EncodeTransactionResponse(&types.TransactionResponse{Result: []string{"OK"}})).To(Equal([]byte("OK")))
			_, err := driver.EncodeTransactionResponse(&types.TransactionResponse{Result: []string{"a", "b"}})
			Expect(err).To(HaveOccurred())
		})

		It("decodes output as a single result", func() {
			Expect(driver.DecodeTransactionResponse([]byte("OK")).Result).To(Equal([]string{"OK"}))
		})

		It("classifies requests carrying a transaction", func() {
			Expect(driver.IsTransaction(&types.Request{Type: types.Call})).To(BeTrue())
			Expect(driver.IsTransaction(&types.Request{Type: types.SendTxEndorser})).To(BeTrue())
			Expect(driver.IsTransaction(&types.Request{Type: types.SendTxOrderer})).To(BeFalse())
			Expect(driver.IsTransaction(&types.Request{Type: types.GetBlockNumber})).To(BeFalse())
		})

		It("round trips a transaction request through the codec", func() {
			data, err := driver.EncodeTransactionRequest(tc)
			Expect(err).NotTo(HaveOccurred())
			decoded, err := driver.DecodeTransactionRequest(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Request).To(Equal(tc.Request))
			Expect(decoded.ResourceInfo.Name).To(Equal("mycc"))
		})

		It("dumps a block header", func() {
			header, err := driver.DecodeBlockHeader(encodeBlock(42, txID))
			Expect(err).NotTo(HaveOccurred())
			Expect(header.Number).To(BeEquivalentTo(42))
			Expect(header.TransactionIDs).To(ConsistOf(txID))

			_, err = driver.DecodeBlockHeader([]byte("junk"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("State", func() {
		It("names every state", func() {
			Expect(pipeline.Init.String()).To(Equal("INIT"))
			Expect(pipeline.Verifying.String()).To(Equal("VERIFYING"))
			Expect(pipeline.Failed.String()).To(Equal("FAILED"))
			Expect(pipeline.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})
