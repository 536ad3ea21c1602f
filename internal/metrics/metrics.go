// Package metrics provides the prometheus collectors for job-info lookups
// and watches and the subprocess server's process-table gauge, served on
// /metrics through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lookups counts job-info.lookup calls.
	Lookups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flux_jobinfo_lookups_total",
		Help: "Total number of job-info.lookup calls",
	})

	// Watchers is the number of currently active eventlog-watch streams.
	Watchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flux_jobinfo_watchers",
		Help: "Number of active job-info.eventlog-watch streams",
	})

	// GuestWatchers is the number of active watches currently following a
	// job's guest namespace, a subset of Watchers.
	GuestWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flux_jobinfo_guest_watchers",
		Help: "Number of active job-info.eventlog-watch streams reading a guest namespace",
	})

	// UpdateWatchers is the number of live entries in the update-watcher
	// cache (§4.J).
	UpdateWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flux_jobinfo_update_watchers",
		Help: "Number of cached UpdateWatcher instances",
	})

	// UpdateLookups counts job-info.lookup calls served from the
	// update-watcher cache without a KVS read.
	UpdateLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flux_jobinfo_update_lookups_total",
		Help: "Total number of job-info.lookup calls served from the update-watcher cache",
	})

	// SubprocessTableSize is the number of processes currently tracked by
	// a subprocess.Server (§4.F).
	SubprocessTableSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flux_subprocess_table_size",
		Help: "Number of processes currently tracked, by state",
	}, []string{"state"})

	// SDExecUnits is the number of systemd transient units currently
	// tracked by the sdexec backend (§4.H).
	SDExecUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flux_sdexec_units",
		Help: "Number of systemd transient units currently tracked",
	})
)

func init() {
	prometheus.MustRegister(Lookups)
	prometheus.MustRegister(Watchers)
	prometheus.MustRegister(GuestWatchers)
	prometheus.MustRegister(UpdateWatchers)
	prometheus.MustRegister(UpdateLookups)
	prometheus.MustRegister(SubprocessTableSize)
	prometheus.MustRegister(SDExecUnits)
}

// Handler returns the /metrics http.Handler, matching promhttp.Handler()'s
// use across the pack (cuemby-warren registers it on the API mux the same
// way).
func Handler() http.Handler {
	return promhttp.Handler()
}
