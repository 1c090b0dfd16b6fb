package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Tester metrics, labelled by tester index
	TesterPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpustress_passes_total",
		Help: "Total number of verified stress passes",
	}, []string{"device"})

	TesterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpustress_failures_total",
		Help: "Total number of tester failures by kind (corruption, execution, other)",
	}, []string{"device", "kind"})

	TesterBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustress_bandwidth_gbps",
		Help: "Approximate memory bandwidth over the last reporting window in GB/s",
	}, []string{"device"})

	TesterThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustress_throughput_gflops",
		Help: "Approximate arithmetic throughput over the last reporting window in GFLOPS",
	}, []string{"device"})

	// Calibration results
	KernelTimeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustress_kernel_time_seconds",
		Help: "Filtered mean kernel execution time measured during calibration",
	}, []string{"device"})

	InnerIterations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustress_inner_iterations",
		Help: "Kernel inner iteration count chosen by calibration",
	}, []string{"device"})

	StepsPerWait = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustress_steps_per_wait",
		Help: "Launches submitted between backpressure waits",
	}, []string{"device"})
)
