package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMustRegisterMakesCollectorsGatherable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	m.MustRegister(reg)

	m.WebhookCounter.WithLabelValues("github", "pull_request").Inc()

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !containsMetric(mf, "gatekeeper_webhook_events_total") {
		t.Fatalf("expected gatekeeper_webhook_events_total to be registered")
	}
}

func TestDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	m.MustRegister(reg)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustRegister to panic on duplicate registration")
		}
	}()
	m.MustRegister(reg)
}

func containsMetric(families []*dto.MetricFamily, name string) bool {
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
