package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can install
// their own meter provider before the instruments are first created.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	invocationCounter = nil
	emissionCounter = nil
	errorCounter = nil
	latencyHistogram = nil
}
