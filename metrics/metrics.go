package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for fedxact metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for the foreign-transaction manager.
var (
	FdwXactPreparedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedxact_prepared_total",
		Help: "Cumulative number of foreign participants prepared.",
	})
	FdwXactResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedxact_resolutions_total",
		Help: "Cumulative number of participant resolution attempts.",
	}, []string{"status"})
	FdwXactValidGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedxact_entries",
		Help: "Number of valid foreign-transaction entries.",
	})
	FdwXactInDoubtGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedxact_indoubt_entries",
		Help: "Number of in-doubt foreign-transaction entries.",
	})
	FdwXactStateFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedxact_state_files_total",
		Help: "Cumulative number of state files written at checkpoints.",
	})
)

// Collectors for the resolver subsystem.
var (
	ResolverSlotsInUseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedxact_resolver_slots_in_use",
		Help: "Number of resolver worker slots currently in use.",
	})
	ResolverLaunchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedxact_resolver_launches_total",
		Help: "Cumulative number of resolver workers launched.",
	})
	ResolverWaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedxact_resolution_waiters",
		Help: "Number of backends waiting on foreign-transaction resolution.",
	})
)

// FedxactCollectors returns the collectors of every fedxact subsystem,
// for registration with a Prometheus registry.
func FedxactCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		FdwXactPreparedTotal,
		FdwXactResolutionsTotal,
		FdwXactValidGauge,
		FdwXactInDoubtGauge,
		FdwXactStateFilesTotal,
		ResolverSlotsInUseGauge,
		ResolverLaunchesTotal,
		ResolverWaitersGauge,
		SyncRepWaitersGauge,
		SyncRepReleasedTotal,
		SyncRepAdvertisedLSN,
		SyncRepCanceledTotal,
	}
}

// Collectors for the synchronous-replication wait engine.
var (
	SyncRepWaitersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fedxact_syncrep_waiters",
		Help: "Number of backends queued for replica acknowledgement.",
	}, []string{"mode"})
	SyncRepReleasedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedxact_syncrep_released_total",
		Help: "Cumulative number of backends released by replica acknowledgement.",
	}, []string{"mode"})
	SyncRepAdvertisedLSN = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fedxact_syncrep_advertised_lsn",
		Help: "Advertised LSN below which all waiters of the mode are released.",
	}, []string{"mode"})
	SyncRepCanceledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedxact_syncrep_canceled_total",
		Help: "Cumulative number of replica-acknowledgement waits canceled by signals.",
	})
)
