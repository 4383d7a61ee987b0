// Package operations serves the relay's operational endpoints: prometheus
// metrics, liveness, the configured resources, the channel height and the
// observed commit latency.
package operations

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const heightTimeout = 5 * time.Second

// ResourceLister is satisfied by the gateway
type ResourceLister interface {
	GetResources() []*types.ResourceInfo
}

// HeightReader is satisfied by the ledger
type HeightReader interface {
	BlockNumber(ctx context.Context) (int64, error)
}

// LatencyReporter is satisfied by the transport time keepers
type LatencyReporter interface {
	Count() int
	AverageCommitLatency() float64
	CommitLatencyOfPercentile(p int) float64
}

type Options struct {
	ListenAddress string
	Logger        *log.Logger

	Resources ResourceLister
	Height    HeightReader
	Latency   LatencyReporter
	// Version is served on /version when set
	Version string
}

// System is the operations http server
type System struct {
	options  Options
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	logger   *log.Logger
}

func NewSystem(o Options) *System {
	logger := o.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &System{options: o, logger: logger}
	s.router = s.routes()
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *System) routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/resources", s.resources).Methods(http.MethodGet)
	r.HandleFunc("/resources/{name}", s.resource).Methods(http.MethodGet)
	r.HandleFunc("/height", s.height).Methods(http.MethodGet)
	r.HandleFunc("/latency", s.latency).Methods(http.MethodGet)
	r.HandleFunc("/version", s.version).Methods(http.MethodGet)
	return r
}

// Handler exposes the router, mainly for tests
func (s *System) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *System) Start() error {
	listener, err := net.Listen("tcp", s.options.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.options.ListenAddress)
	}
	s.listener = listener
	s.logger.Infof("Operations endpoint listening on %s", listener.Addr())

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Operations endpoint stopped: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, empty before Start
func (s *System) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *System) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *System) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "OK"}
	if s.options.Height != nil {
		ctx, cancel := context.WithTimeout(r.Context(), heightTimeout)
		defer cancel()
		if _, err := s.options.Height.BlockNumber(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "UNAVAILABLE", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *System) resources(w http.ResponseWriter, r *http.Request) {
	if s.options.Resources == nil {
		s.writeJSON(w, http.StatusOK, []*types.ResourceInfo{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.options.Resources.GetResources())
}

func (s *System) resource(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.options.Resources != nil {
		for _, info := range s.options.Resources.GetResources() {
			if info.Name == name {
				s.writeJSON(w, http.StatusOK, info)
				return
			}
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource " + name + " not found"})
}

func (s *System) height(w http.ResponseWriter, r *http.Request) {
	if s.options.Height == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ledger"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), heightTimeout)
	defer cancel()
	number, err := s.options.Height.BlockNumber(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"blockNumber": number})
}

type latencyReport struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	P50     float64 `json:"p50"`
	P90     float64 `json:"p90"`
	P99     float64 `json:"p99"`
}

func (s *System) latency(w http.ResponseWriter, r *http.Request) {
	report := latencyReport{}
	if l := s.options.Latency; l != nil {
		report = latencyReport{
			Count:   l.Count(),
			Average: l.AverageCommitLatency(),
			P50:     l.CommitLatencyOfPercentile(50),
			P90:     l.CommitLatencyOfPercentile(90),
			P99:     l.CommitLatencyOfPercentile(99),
		}
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *System) version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(s.options.Version)); err != nil {
		s.logger.Debugf("Write version: %v", err)
	}
}

func (s *System) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugf("Encode operations response: %v", err)
	}
}
