package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func countSeries(t *testing.T, vec *prometheus.GaugeVec) int {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	vec.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}

func labelValue(t *testing.T, m prometheus.Metric, name string) string {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	for _, lp := range pb.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestLabelRotatorReplacesOldSeries(t *testing.T) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_info"}, []string{"database", "host"})
	r := NewLabelRotator(vec, "mysql")

	r.Set("db-a")
	if n := countSeries(t, vec); n != 1 {
		t.Fatalf("expected 1 series after first Set, got %d", n)
	}

	r.Set("db-b")
	if n := countSeries(t, vec); n != 1 {
		t.Fatalf("expected exactly 1 series after rotation, got %d", n)
	}

	ch := make(chan prometheus.Metric, 1)
	vec.Collect(ch)
	close(ch)
	m := <-ch
	if got := labelValue(t, m, "host"); got != "db-b" {
		t.Fatalf("expected remaining series host=db-b, got %q", got)
	}
}

func TestLabelRotatorSameValueNoop(t *testing.T) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_info2"}, []string{"database", "host"})
	r := NewLabelRotator(vec, "mysql")
	r.Set("db-a")
	r.Set("db-a")
	if n := countSeries(t, vec); n != 1 {
		t.Fatalf("expected 1 series, got %d", n)
	}
}

func TestLabelRotatorClear(t *testing.T) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_info3"}, []string{"database", "host"})
	r := NewLabelRotator(vec, "mysql")
	r.Set("db-a")
	r.Clear()
	if n := countSeries(t, vec); n != 0 {
		t.Fatalf("expected 0 series after Clear, got %d", n)
	}
}
