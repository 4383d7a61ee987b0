package infra

import (
	"sort"
	"sync"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
)

const defaultLatencyWindow = 1024

// TimeKeeper stamps the transport phases of one transaction, in unix nanos
type TimeKeeper struct {
	ProposedTime  int64
	EndorsedTime  int64
	BroadcastTime int64
	ObservedTime  int64
}

func (tk *TimeKeeper) keepProposedTime() {
	tk.ProposedTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepEndorsedTime() {
	tk.EndorsedTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepBroadcastTime() {
	tk.BroadcastTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepObservedTime() {
	tk.ObservedTime = time.Now().UnixNano()
}

// report feeds the phases that were stamped to the phase histogram
func (tk *TimeKeeper) report(m *metrics.Metrics) {
	observe := func(phase string, from, to int64) {
		if from > 0 && to >= from {
			m.PhaseDuration.With("phase", phase).Observe(float64(to-from) / 1e9)
		}
	}
	observe("fabric_endorse", tk.ProposedTime, tk.EndorsedTime)
	observe("fabric_commit", tk.BroadcastTime, tk.ObservedTime)
}

// TimeKeepers keeps the commit latency of the most recent transactions
type TimeKeepers struct {
	lock          sync.Mutex
	commitLatency []int64
	next          int
	full          bool
}

func NewTimeKeepers(window int) *TimeKeepers {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &TimeKeepers{commitLatency: make([]int64, window)}
}

// keep records the broadcast to commit latency of tk
func (tks *TimeKeepers) keep(tk *TimeKeeper) {
	if tk.BroadcastTime == 0 || tk.ObservedTime < tk.BroadcastTime {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()
	tks.commitLatency[tks.next] = tk.ObservedTime - tk.BroadcastTime
	tks.next++
	if tks.next == len(tks.commitLatency) {
		tks.next = 0
		tks.full = true
	}
}

func (tks *TimeKeepers) snapshot() []int64 {
	tks.lock.Lock()
	defer tks.lock.Unlock()
	n := tks.next
	if tks.full {
		n = len(tks.commitLatency)
	}
	out := make([]int64, n)
	copy(out, tks.commitLatency[:n])
	return out
}

// Count is the number of latencies in the window
func (tks *TimeKeepers) Count() int {
	return len(tks.snapshot())
}

// AverageCommitLatency is in seconds, 0 when nothing was committed
func (tks *TimeKeepers) AverageCommitLatency() float64 {
	latency := tks.snapshot()
	if len(latency) == 0 {
		return 0
	}
	var result int64
	for _, cl := range latency {
		result += cl
	}
	return float64(result) / float64(len(latency)) / 1e9
}

// CommitLatencyOfPercentile is in seconds, 0 when nothing was committed
func (tks *TimeKeepers) CommitLatencyOfPercentile(p int) float64 {
	sorted := tks.snapshot()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(p) / 100.0 * float64(len(sorted)))
	if index < 0 {
		index = 0
	} else if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return float64(sorted[index]) / 1e9
}
