package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EndorsementError is a proposal response outside of the success window
type EndorsementError struct {
	Address string
	Status  int32
	Message string
}

func (e *EndorsementError) Error() string {
	return fmt.Sprintf("endorser %s answered status %d: %s", e.Address, e.Status, e.Message)
}

// Proposer sends proposals to one endorser. The gRPC client is safe for
// concurrent use.
type Proposer struct {
	client  peer.EndorserClient
	address string
	logger  *log.Logger
}

func NewProposer(client peer.EndorserClient, address string, logger *log.Logger) *Proposer {
	return &Proposer{client: client, address: address, logger: logger}
}

func (p *Proposer) Address() string {
	return p.address
}

// ProcessProposal asks the endorser to run sp. A response is only returned
// when its status is within [200, 400).
func (p *Proposer) ProcessProposal(ctx context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
	resp, err := p.client.ProcessProposal(ctx, sp)
	if err != nil {
		return nil, errors.Wrapf(err, "error processing proposal at %s", p.address)
	}
	if resp.Response == nil {
		return nil, &EndorsementError{Address: p.address, Message: "no response"}
	}
	if resp.Response.Status < 200 || resp.Response.Status >= 400 {
		p.logger.Debugf("Error processing proposal, status: %d, message: %s, address: %s", resp.Response.Status, resp.Response.Message, p.address)
		return nil, &EndorsementError{Address: p.address, Status: resp.Response.Status, Message: resp.Response.Message}
	}
	return resp, nil
}

// Proposers indexes the endorsers of the network by address
type Proposers struct {
	proposers []*Proposer
	byAddress map[string]*Proposer
}

func NewProposers(proposers ...*Proposer) *Proposers {
	ps := &Proposers{byAddress: make(map[string]*Proposer, len(proposers))}
	for _, p := range proposers {
		ps.proposers = append(ps.proposers, p)
		ps.byAddress[p.address] = p
	}
	return ps
}

// Select returns the proposers of addresses, or every proposer when
// addresses is empty
func (ps *Proposers) Select(addresses []string) ([]*Proposer, error) {
	if len(addresses) == 0 {
		if len(ps.proposers) == 0 {
			return nil, errors.New("no endorser configured")
		}
		return ps.proposers, nil
	}
	selected := make([]*Proposer, 0, len(addresses))
	for _, addr := range addresses {
		p, ok := ps.byAddress[addr]
		if !ok {
			return nil, errors.Errorf("unknown endorser %s", addr)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// Endorse sends the element's proposal to every proposer at once and
// collects their responses in proposer order. It fails if any endorser does.
func Endorse(ctx context.Context, proposers []*Proposer, e *Element) error {
	if len(proposers) == 0 {
		return errors.New("no endorser to send the proposal to")
	}

	responses := make([]*peer.ProposalResponse, len(proposers))
	errs := make([]error, len(proposers))
	var wg sync.WaitGroup
	for i, p := range proposers {
		wg.Add(1)
		go func(i int, p *Proposer) {
			defer wg.Done()
			responses[i], errs[i] = p.ProcessProposal(ctx, e.SignedProp)
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for _, resp := range responses {
		e.addResponse(resp)
	}
	return nil
}
