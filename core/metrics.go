package core

import (
	"context"
	"strings"
)

// Every operation emits a counter and a latency histogram under the
// bond namespace, e.g. bond.link_complete.total and
// bond.link_complete.duration_ms.
const metricNamespace = "bond"

func counterMetric(operation string) string {
	return metricName(operation, "total")
}

func durationMetric(operation string) string {
	return metricName(operation, "duration_ms")
}

func metricName(operation, suffix string) string {
	return strings.Join([]string{metricNamespace, operation, suffix}, ".")
}

// NopMetricsRecorder drops every measurement. It stands in whenever a
// caller does not wire a recorder.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

var _ MetricsRecorder = NopMetricsRecorder{}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
