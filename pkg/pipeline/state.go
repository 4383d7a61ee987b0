package pipeline

import (
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the phase a submission has reached
type State int

const (
	Init State = iota
	Validated
	Endorsed
	Ordered
	Verifying
	Verified
	Failed
)

var stateName = [...]string{"INIT", "VALIDATED", "ENDORSED", "ORDERED", "VERIFYING", "VERIFIED", "FAILED"}

func (s State) String() string {
	if s < Init || s > Failed {
		return "UNKNOWN"
	}
	return stateName[s]
}

// submission follows one transaction through the phases. It is owned by
// whichever goroutine currently runs the next phase.
type submission struct {
	id       string
	txID     string
	state    State
	entered  time.Time
	logger   *log.Entry
	metrics  *metrics.Metrics
	resource string
}

func newSubmission(tc *types.TransactionContext, logger *log.Logger, m *metrics.Metrics) *submission {
	s := &submission{
		id:      uuid.New().String(),
		state:   Init,
		entered: time.Now(),
		metrics: m,
	}
	if tc != nil && tc.ResourceInfo != nil {
		s.resource = tc.ResourceInfo.Name
	}
	s.logger = logger.WithFields(log.Fields{"submission": s.id, "resource": s.resource})
	return s
}

// advance records the time spent in the current state and moves to next
func (s *submission) advance(next State) {
	now := time.Now()
	s.metrics.PhaseDuration.With("phase", s.state.String()).Observe(now.Sub(s.entered).Seconds())
	s.logger.Debugf("%s -> %s", s.state, next)
	s.state = next
	s.entered = now
}

func (s *submission) setTxID(txID string) {
	s.txID = txID
	s.logger = s.logger.WithField("txid", txID)
}

// finish moves to a terminal state and counts the outcome
func (s *submission) finish(outcome types.Status) {
	if outcome == types.Success {
		s.advance(Verified)
	} else {
		s.advance(Failed)
	}
	s.metrics.Submissions.With("outcome", outcome.String()).Add(1)
}
