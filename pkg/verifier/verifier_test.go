package verifier_test

import (
	"io/ioutil"

	"github.com/GwanWingYan/fabric-relay/pkg/verifier"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ = Describe("Verifier", func() {
	var (
		v       *verifier.Verifier
		manager *fakeManager
	)

	BeforeEach(func() {
		logger := log.New()
		logger.SetOutput(ioutil.Discard)
		v = verifier.New(fakeDecoder{}, logger, nil)
		manager = newFakeManager()
		manager.put(42, encodeBlock(42, "tx-a", "tx-b"))
	})

	Describe("Verify", func() {
		It("proves membership of a transaction in the claimed block", func() {
			ok, err := v.Verify("tx-b", 42, manager)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("fails when the transaction is not in the block", func() {
			ok, err := v.Verify("tx-c", 42, manager)
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(ContainSubstring("not on block 42")))
		})

		It("fails when the header cannot be fetched", func() {
			manager.err = errors.New("anchor unreachable")
			ok, err := v.Verify("tx-a", 42, manager)
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(ContainSubstring("anchor unreachable")))
		})

		It("fails on an empty block", func() {
			manager.put(43, []byte{})
			ok, err := v.Verify("tx-a", 43, manager)
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(ContainSubstring("empty")))
		})

		It("fails when the block cannot be decoded", func() {
			manager.put(44, []byte("garbage"))
			ok, err := v.Verify("tx-a", 44, manager)
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(ContainSubstring("decode block 44")))
		})

		It("fails when the source answers with another block", func() {
			manager.put(45, encodeBlock(46, "tx-a"))
			ok, err := v.Verify("tx-a", 45, manager)
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(ContainSubstring("returned block 46")))
		})

		It("fails without a header manager", func() {
			ok, err := v.Verify("tx-a", 42, nil)
			Expect(ok).To(BeFalse())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("VerifyAsync", func() {
		type result struct {
			ok  bool
			err error
		}

		It("calls back once with the membership result", func() {
			results := make(chan result, 2)
			v.VerifyAsync("tx-a", 42, manager, func(ok bool, err error) {
				results <- result{ok, err}
			})

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.ok).To(BeTrue())
			Expect(r.err).NotTo(HaveOccurred())
			Consistently(results).ShouldNot(Receive())
		})

		It("reports a missing block as unproven", func() {
			results := make(chan result, 1)
			v.VerifyAsync("tx-a", 99, manager, func(ok bool, err error) {
				results <- result{ok, err}
			})

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.ok).To(BeFalse())
			Expect(r.err).To(MatchError(ContainSubstring("block 99")))
		})

		It("calls back synchronously without a header manager", func() {
			results := make(chan result, 1)
			v.VerifyAsync("tx-a", 42, nil, func(ok bool, err error) {
				results <- result{ok, err}
			})

			var r result
			Expect(results).To(Receive(&r))
			Expect(r.ok).To(BeFalse())
		})
	})
})
