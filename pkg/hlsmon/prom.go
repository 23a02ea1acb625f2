package hlsmon

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "hlsmon"
)

var (
	ManifestsFetched prometheus.Counter
	SegmentsProbed   prometheus.Counter
	AlarmsRaised     *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
)

func init() {
	ManifestsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "manifests_fetched",
		Help:      "Fetched manifests",
	})
	SegmentsProbed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_probed",
		Help:      "Probed media segments",
	})
	AlarmsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alarms_raised",
		Help:      "Raised alarms",
	}, []string{"severity"})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Active monitoring sessions",
	})
	prometheus.MustRegister(ManifestsFetched, SegmentsProbed, AlarmsRaised, ActiveSessions)
}
