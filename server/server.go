// Package server publishes the progress of a run over HTTP: a JSON snapshot,
// prometheus metrics and the plots written so far.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/stability"
)

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, filepath.Base(fn)))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", fn)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}

// RouteTable maps URL endpoints to handlers, all bound for GET
type RouteTable map[string]http.HandlerFunc

// ListEndpoints lists the endpoints in a RouteTable (the keys), sorted
func (rt RouteTable) ListEndpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	sort.Strings(routes)
	return routes
}

// Bind binds every route on r
func (rt RouteTable) Bind(r chi.Router) {
	for str, meth := range rt {
		r.Get(str, meth)
	}
}

// Status is the snapshot served at /status
type Status struct {
	Mode    string    `json:"mode"`
	Device  string    `json:"device"`
	Updated time.Time `json:"updated"`

	Step       int     `json:"step"`
	Response   float64 `json:"response"`
	Delta      float64 `json:"delta"`
	WindowStd  float64 `json:"windowStd"`
	WindowMean float64 `json:"windowMeanDelta"`
	Evaluated  bool    `json:"evaluated"`
	Verdict    string  `json:"verdict"`

	Condition   string                        `json:"condition,omitempty"`
	Repetition  int                           `json:"repetition,omitempty"`
	Repetitions int                           `json:"repetitions,omitempty"`
	Results     []sensing.ConcentrationResult `json:"results,omitempty"`
}

// finite replaces NaN and Inf, which JSON cannot carry, with zero
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Monitor keeps the latest progress of a run.  It satisfies
// stability.Observer; Sensing returns a sensing.Observer feeding it.
type Monitor struct {
	// PlotDir is served at /plots/{name}
	PlotDir string

	RouteTable RouteTable

	mu  sync.Mutex
	st  Status
	reg *prometheus.Registry

	step, response, delta, std, mean prometheus.Gauge
	sweeps                           prometheus.Counter
	verdicts                         *prometheus.CounterVec
}

// New creates a Monitor for device with its own metrics registry
func New(device, plotDir string) *Monitor {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "fetbench", Name: name, Help: help})
	}
	m := &Monitor{
		PlotDir:  plotDir,
		st:       Status{Mode: "idle", Device: device, Verdict: stability.Continue.String()},
		reg:      prometheus.NewRegistry(),
		step:     gauge("step", "Current step of the stability run."),
		response: gauge("response_volts", "Response of the latest sweep."),
		delta:    gauge("delta_volts", "Absolute change of the response from the previous step."),
		std:      gauge("window_std_volts", "Population std of the responses in the evaluation window."),
		mean:     gauge("window_mean_delta_volts", "Mean change of the response in the evaluation window."),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fetbench", Name: "sweeps_total", Help: "Sweeps completed."}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetbench", Name: "verdicts_total", Help: "Terminal verdicts reached."}, []string{"verdict"}),
	}
	m.reg.MustRegister(m.step, m.response, m.delta, m.std, m.mean, m.sweeps, m.verdicts)
	m.RouteTable = RouteTable{
		"/status":       m.HTTPStatus,
		"/metrics":      promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}).ServeHTTP,
		"/endpoints":    m.HTTPEndpoints,
		"/plots/{name}": m.HTTPPlot,
	}
	return m
}

// Observe records stability progress
func (m *Monitor) Observe(p stability.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Mode = "stability"
	m.st.Updated = time.Now()
	m.st.Step = p.Step
	m.st.Response = finite(p.Response)
	m.st.Delta = finite(p.Delta)
	m.st.WindowStd = finite(p.Window.Std)
	m.st.WindowMean = finite(p.Window.Mean)
	m.st.Evaluated = p.Evaluated
	m.st.Verdict = p.Verdict.String()

	m.step.Set(float64(p.Step))
	m.response.Set(m.st.Response)
	m.delta.Set(m.st.Delta)
	m.std.Set(m.st.WindowStd)
	m.mean.Set(m.st.WindowMean)
	if p.Verdict != stability.Exhausted {
		// exhaustion is reported before the step's sweep
		m.sweeps.Inc()
	}
	if p.Verdict.Terminal() {
		m.verdicts.WithLabelValues(p.Verdict.String()).Inc()
	}
}

func (m *Monitor) observeSensing(p sensing.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Mode = "sensing"
	m.st.Updated = time.Now()
	m.st.Condition = p.Label
	m.st.Repetition = p.Repetition
	m.st.Repetitions = p.Repetitions
	if p.Result == nil {
		m.sweeps.Inc()
		return
	}
	r := *p.Result
	r.Mean, r.Std, r.Corrected = finite(r.Mean), finite(r.Std), finite(r.Corrected)
	m.st.Results = append(m.st.Results, r)
	m.response.Set(r.Mean)
}

// Sensing returns an observer for a sensing run
func (m *Monitor) Sensing() sensing.Observer {
	return sensing.ObserverFunc(m.observeSensing)
}

// Snapshot returns a copy of the current status
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	st.Results = append([]sensing.ConcentrationResult(nil), m.st.Results...)
	return st
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// HTTPStatus serves the snapshot as JSON
func (m *Monitor) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Snapshot())
}

// HTTPEndpoints lists the routes as JSON
func (m *Monitor) HTTPEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.RouteTable.ListEndpoints())
}

// HTTPPlot serves a plot file from PlotDir
func (m *Monitor) HTTPPlot(w http.ResponseWriter, r *http.Request) {
	ReplyWithFile(w, r, chi.URLParam(r, "name"), m.PlotDir)
}

// Handler returns a router with every route bound, logging requests
func (m *Monitor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	m.RouteTable.Bind(r)
	return r
}

// ListenAndServe serves Handler on addr until ctx is done
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
