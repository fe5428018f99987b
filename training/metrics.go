package training

import (
	"math"

	"github.com/computationalpathologygroup/dino/tensor"
	"gonum.org/v1/gonum/stat"
)

// MetricLogger accumulates per-step scalar metrics over one epoch.
type MetricLogger struct {
	values map[string][]float64
	order  []string
}

func NewMetricLogger() *MetricLogger {
	return &MetricLogger{values: make(map[string][]float64)}
}

// Update records one observation of a named metric.
func (m *MetricLogger) Update(name string, value float64) {
	if _, ok := m.values[name]; !ok {
		m.order = append(m.order, name)
	}
	m.values[name] = append(m.values[name], value)
}

// Average returns the mean of a metric, or zero when unobserved.
func (m *MetricLogger) Average(name string) float64 {
	vs := m.values[name]
	if len(vs) == 0 {
		return 0
	}
	return stat.Mean(vs, nil)
}

// Averages returns the per-metric means for the epoch.
func (m *MetricLogger) Averages() map[string]float64 {
	out := make(map[string]float64, len(m.order))
	for _, name := range m.order {
		out[name] = m.Average(name)
	}
	return out
}

// MeanRowEntropy returns the average Shannon entropy of a matrix of row
// probability distributions. Collapse of the output distributions shows up
// as this value falling toward zero.
func MeanRowEntropy(probs *tensor.Tensor) float64 {
	rows := probs.Rows()
	var total float64
	for r := 0; r < rows; r++ {
		for _, p := range probs.Row(r) {
			if p > 0 {
				total -= float64(p) * math.Log(float64(p))
			}
		}
	}
	return total / float64(rows)
}
