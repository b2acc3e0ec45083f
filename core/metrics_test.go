package core

import (
	"context"
	"testing"
	"time"
)

type recordingMetrics struct {
	counters   []string
	histograms []string
	tags       map[string]string
}

func (r *recordingMetrics) IncCounter(_ context.Context, name string, _ int64, tags map[string]string) {
	r.counters = append(r.counters, name)
	r.tags = tags
}

func (r *recordingMetrics) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	r.histograms = append(r.histograms, name)
}

var _ MetricsRecorder = (*recordingMetrics)(nil)

func TestObserver_EmitsNamespacedOperationMetrics(t *testing.T) {
	recorder := &recordingMetrics{}
	obs := &observer{metricsRecorder: recorder}

	obs.observeOperation(context.Background(), time.Now(), "Link Complete", nil, map[string]any{
		"provider": "fence",
	})

	if len(recorder.counters) != 1 || recorder.counters[0] != "bond.link_complete.total" {
		t.Fatalf("unexpected counters %v", recorder.counters)
	}
	if len(recorder.histograms) != 1 || recorder.histograms[0] != "bond.link_complete.duration_ms" {
		t.Fatalf("unexpected histograms %v", recorder.histograms)
	}
	if recorder.tags["provider"] != "fence" || recorder.tags["status"] != "success" {
		t.Fatalf("unexpected tags %v", recorder.tags)
	}
}
