package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CurvatureRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curvature_requests_total",
		Help: "Total number of curvature requests by flavor and shape",
	}, []string{"flavor", "shape"})

	CurvatureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curvature_request_duration_seconds",
		Help:    "Duration of curvature requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"shape"})

	CurvatureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curvature_errors_total",
		Help: "Total number of failed curvature requests",
	}, []string{"operation", "error_type"})

	CurvatureDiagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curvature_diagnostics_total",
		Help: "Non-fatal notices emitted while assembling curvature",
	}, []string{"kind"})

	KronFactorGroups = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kron_factor_groups",
		Help:    "Number of factor groups per Kronecker curvature",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	FisherBackwardPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fisher_backward_passes_total",
		Help: "Reverse passes run by the Fisher statistics engine",
	}, []string{"flavor"})

	JacobianBackwardPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jacobian_backward_passes_total",
		Help: "Reverse passes run while building Jacobians, one per output unit",
	})

	SwagEpochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swag_epochs_total",
		Help: "SGD epochs run by the SWAG estimator",
	})

	SwagSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swag_snapshots_total",
		Help: "Parameter snapshots folded into SWAG moments",
	})

	SwagClampedVariances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swag_clamped_variances",
		Help: "Entries raised to the variance floor in the last SWAG fit",
	})

	SwagFitDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "swag_fit_duration_seconds",
		Help: "Duration of complete SWAG fits",
	})

	ExportedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_records_total",
		Help: "Arrow records written by sink",
	}, []string{"sink"})
)

func RecordCurvature(flavor, shape string, duration time.Duration) {
	CurvatureRequestsTotal.WithLabelValues(flavor, shape).Inc()
	CurvatureDuration.WithLabelValues(shape).Observe(duration.Seconds())
}

func RecordCurvatureError(operation, errorType string) {
	CurvatureErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordDiagnostic(kind string) {
	CurvatureDiagnostics.WithLabelValues(kind).Inc()
}

func RecordKronGroups(n int) {
	KronFactorGroups.Observe(float64(n))
}

func RecordFisherPasses(flavor string, passes int) {
	FisherBackwardPasses.WithLabelValues(flavor).Add(float64(passes))
}

func RecordJacobianPass() {
	JacobianBackwardPasses.Inc()
}

func RecordSwagEpoch(snapshot bool) {
	SwagEpochsTotal.Inc()
	if snapshot {
		SwagSnapshotsTotal.Inc()
	}
}

func RecordSwagFit(clamped int, duration time.Duration) {
	SwagClampedVariances.Set(float64(clamped))
	SwagFitDuration.Observe(duration.Seconds())
}

func RecordExport(sink string, records int) {
	ExportedRecords.WithLabelValues(sink).Add(float64(records))
}
