package infra_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/orderer"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/GwanWingYan/fabric-relay/pkg/fabric"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/golang/protobuf/proto"
	. "github.com/onsi/gomega"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const fakeChannel = "mychannel"

// fakeFabric is a single node playing peer, orderer and committer, also
// reachable on a second address standing in for the anchor peer. Every
// broadcast envelope is cut into its own block. The "mycc" chaincode moves
// integer balances: "query a" answers the balance of a, "invoke a b 10"
// moves 10 from a to b once committed, "conflict" is always invalidated and
// "fail" is refused by the endorser.
type fakeFabric struct {
	server     *grpc.Server
	addr       string
	anchorAddr string

	lock     sync.Mutex
	blocks   []*common.Block
	txs      map[string]*peer.ProcessedTransaction
	balances map[string]int
	subs     map[chan *peer.FilteredBlock]struct{}

	// silent orders transactions without announcing their commit
	silent *atomic.Bool
	// refuse makes the orderer answer SERVICE_UNAVAILABLE
	refuse *atomic.Bool
	// hang makes the orderer read envelopes and never answer
	hang *atomic.Bool
}

func startFakeFabric() *fakeFabric {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	anchorLis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	f := &fakeFabric{
		server:     grpc.NewServer(),
		addr:       lis.Addr().String(),
		anchorAddr: anchorLis.Addr().String(),
		txs:        make(map[string]*peer.ProcessedTransaction),
		balances:   map[string]int{"a": 100, "b": 200},
		subs:       make(map[chan *peer.FilteredBlock]struct{}),
		silent:     atomic.NewBool(false),
		refuse:     atomic.NewBool(false),
		hang:       atomic.NewBool(false),
	}
	f.blocks = append(f.blocks, newFakeBlock(0, nil, nil))

	peer.RegisterEndorserServer(f.server, &fakeEndorser{f})
	peer.RegisterDeliverServer(f.server, &fakeDeliver{f})
	orderer.RegisterAtomicBroadcastServer(f.server, &fakeOrderer{f})
	go f.server.Serve(lis)
	go f.server.Serve(anchorLis)
	return f
}

func (f *fakeFabric) stop() {
	f.server.Stop()
}

func (f *fakeFabric) height() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.blocks)
}

func newFakeBlock(number uint64, envelopes [][]byte, flags []peer.TxValidationCode) *common.Block {
	filter := make([]byte, len(flags))
	for i, code := range flags {
		filter[i] = byte(code)
	}
	metadata := make([][]byte, len(common.BlockMetadataIndex_name))
	metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER] = filter

	data := &common.BlockData{Data: envelopes}
	return &common.Block{
		Header:   &common.BlockHeader{Number: number, DataHash: protoutil.BlockDataHash(data)},
		Data:     data,
		Metadata: &common.BlockMetadata{Metadata: metadata},
	}
}

// order cuts env into the next block and announces it
func (f *fakeFabric) order(env *common.Envelope) error {
	tx, err := fabric.DecodePayload(env.Payload)
	if err != nil {
		return err
	}
	envBytes, err := proto.Marshal(env)
	if err != nil {
		return err
	}

	code := peer.TxValidationCode_VALID
	if tx.Method() == "conflict" {
		code = peer.TxValidationCode_MVCC_READ_CONFLICT
	}

	f.lock.Lock()
	number := uint64(len(f.blocks))
	f.blocks = append(f.blocks, newFakeBlock(number, [][]byte{envBytes}, []peer.TxValidationCode{code}))
	f.txs[tx.TxID] = &peer.ProcessedTransaction{TransactionEnvelope: env, ValidationCode: int32(code)}
	if code == peer.TxValidationCode_VALID && tx.Method() == "invoke" {
		f.transfer(tx.Params())
	}
	subs := make([]chan *peer.FilteredBlock, 0, len(f.subs))
	for ch := range f.subs {
		subs = append(subs, ch)
	}
	f.lock.Unlock()

	if f.silent.Load() {
		return nil
	}
	fb := &peer.FilteredBlock{
		ChannelId: fakeChannel,
		Number:    number,
		FilteredTransactions: []*peer.FilteredTransaction{
			{Txid: tx.TxID, Type: common.HeaderType_ENDORSER_TRANSACTION, TxValidationCode: code},
		},
	}
	for _, ch := range subs {
		ch <- fb
	}
	return nil
}

func (f *fakeFabric) transfer(params []string) {
	if len(params) != 3 {
		return
	}
	amount, err := strconv.Atoi(params[2])
	if err != nil {
		return
	}
	f.balances[params[0]] -= amount
	f.balances[params[1]] += amount
}

type fakeEndorser struct {
	*fakeFabric
}

func (e *fakeEndorser) ProcessProposal(ctx context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
	data, err := proto.Marshal(sp)
	if err != nil {
		return nil, err
	}
	tc, err := fabric.NewCodec("").DecodeTransactionRequest(data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if tc.ResourceInfo.Name == "qscc" {
		return e.qscc(tc.Request)
	}

	switch tc.Request.Method {
	case "fail":
		return &peer.ProposalResponse{Response: &peer.Response{Status: 500, Message: "chaincode refused"}}, nil
	case "query":
		e.lock.Lock()
		balance := e.balances[tc.Request.Args[0]]
		e.lock.Unlock()
		return endorsement([]byte(strconv.Itoa(balance)))
	default:
		return endorsement([]byte{})
	}
}

func (e *fakeEndorser) qscc(request *types.TransactionRequest) (*peer.ProposalResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	var payload proto.Message
	switch request.Method {
	case "GetChainInfo":
		payload = &common.BlockchainInfo{Height: uint64(len(e.blocks))}
	case "GetBlockByNumber":
		n, err := strconv.Atoi(request.Args[1])
		if err != nil || n >= len(e.blocks) {
			return notFound("block " + request.Args[1]), nil
		}
		payload = e.blocks[n]
	case "GetTransactionByID":
		pt, ok := e.txs[request.Args[1]]
		if !ok {
			return notFound("transaction " + request.Args[1]), nil
		}
		payload = pt
	default:
		return notFound(request.Method), nil
	}

	data, err := proto.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &peer.ProposalResponse{Response: &peer.Response{Status: 200, Payload: data}}, nil
}

func notFound(what string) *peer.ProposalResponse {
	return &peer.ProposalResponse{Response: &peer.Response{Status: 404, Message: what + " not found"}}
}

// endorsement runs on a server goroutine, so it reports errors instead of
// asserting
func endorsement(output []byte) (*peer.ProposalResponse, error) {
	action, err := proto.Marshal(&peer.ChaincodeAction{
		Response: &peer.Response{Status: 200, Payload: output},
		Results:  []byte("rwset"),
	})
	if err != nil {
		return nil, err
	}
	prp, err := proto.Marshal(&peer.ProposalResponsePayload{ProposalHash: []byte("hash"), Extension: action})
	if err != nil {
		return nil, err
	}
	return &peer.ProposalResponse{
		Version:     1,
		Response:    &peer.Response{Status: 200, Payload: output},
		Payload:     prp,
		Endorsement: &peer.Endorsement{Endorser: []byte("peer0"), Signature: []byte("sig")},
	}, nil
}

type fakeOrderer struct {
	*fakeFabric
}

func (o *fakeOrderer) Broadcast(stream orderer.AtomicBroadcast_BroadcastServer) error {
	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if o.hang.Load() {
			<-stream.Context().Done()
			return stream.Context().Err()
		}
		if o.refuse.Load() {
			if err := stream.Send(&orderer.BroadcastResponse{Status: common.Status_SERVICE_UNAVAILABLE, Info: "no leader"}); err != nil {
				return err
			}
			continue
		}
		if err := o.order(env); err != nil {
			if err := stream.Send(&orderer.BroadcastResponse{Status: common.Status_BAD_REQUEST, Info: err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := stream.Send(&orderer.BroadcastResponse{Status: common.Status_SUCCESS}); err != nil {
			return err
		}
	}
}

func (o *fakeOrderer) Deliver(orderer.AtomicBroadcast_DeliverServer) error {
	return status.Error(codes.Unimplemented, "orderer deliver")
}

type fakeDeliver struct {
	*fakeFabric
}

func (d *fakeDeliver) Deliver(peer.Deliver_DeliverServer) error {
	return status.Error(codes.Unimplemented, "deliver")
}

func (d *fakeDeliver) DeliverWithPrivateData(peer.Deliver_DeliverWithPrivateDataServer) error {
	return status.Error(codes.Unimplemented, "deliver with private data")
}

func (d *fakeDeliver) DeliverFiltered(stream peer.Deliver_DeliverFilteredServer) error {
	if _, err := stream.Recv(); err != nil {
		return err
	}

	ch := make(chan *peer.FilteredBlock, 100)
	d.lock.Lock()
	d.subs[ch] = struct{}{}
	newest := &peer.FilteredBlock{ChannelId: fakeChannel, Number: uint64(len(d.blocks) - 1)}
	d.lock.Unlock()
	defer func() {
		d.lock.Lock()
		delete(d.subs, ch)
		d.lock.Unlock()
	}()

	send := func(fb *peer.FilteredBlock) error {
		return stream.Send(&peer.DeliverResponse{Type: &peer.DeliverResponse_FilteredBlock{FilteredBlock: fb}})
	}
	if err := send(newest); err != nil {
		return err
	}
	for {
		select {
		case fb := <-ch:
			if err := send(fb); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
