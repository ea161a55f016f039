package orchestrator

import "github.com/WessleyAI/shopsearch/pkg/metrics"

type runMetrics struct {
	runs           func(status string) *metrics.Counter
	attempts       func(platform string) *metrics.Counter
	providerErrors func(class string) *metrics.Counter
	products       *metrics.Histogram
	duration       *metrics.Histogram
	active         *metrics.Gauge
}

func newRunMetrics(reg *metrics.Registry) *runMetrics {
	return &runMetrics{
		runs: func(status string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("shopsearch_runs_total", "status", status), "Orchestration runs by final status")
		},
		attempts: func(platform string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("shopsearch_attempts_total", "platform", platform), "Search attempts by platform")
		},
		providerErrors: func(class string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("shopsearch_provider_errors_total", "class", class), "Attempts that failed at the provider")
		},
		products: reg.Histogram("shopsearch_attempt_products", "Products returned per attempt", []float64{0, 1, 5, 10, 20, 40, 80, 160}),
		duration: reg.Histogram("shopsearch_run_duration_seconds", "Wall time of a run", nil),
		active:   reg.Gauge("shopsearch_active_runs", "Runs in progress"),
	}
}
