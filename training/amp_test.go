package training

import (
	"math"
	"testing"
)

func TestLossScalerBackoff(t *testing.T) {
	s := NewLossScaler()
	if s.Update(true) {
		t.Error("overflowing step must be skipped")
	}
	if s.Scale != 32768 {
		t.Errorf("scale after backoff = %v, want 32768", s.Scale)
	}
}

func TestLossScalerGrowth(t *testing.T) {
	s := NewLossScaler()
	s.GrowthInterval = 3
	for i := 0; i < 3; i++ {
		if !s.Update(false) {
			t.Fatal("clean step must be applied")
		}
	}
	if s.Scale != 131072 {
		t.Errorf("scale after growth = %v, want 131072", s.Scale)
	}
}

func TestLossScalerStateRoundTrip(t *testing.T) {
	s := NewLossScaler()
	s.Update(false)
	s.Update(false)
	state := s.State()

	restored := NewLossScaler()
	restored.LoadState(state)
	if restored.Scale != s.Scale || restored.State().GoodSteps != 2 {
		t.Errorf("restored state %+v, want %+v", restored.State(), state)
	}
}

func TestHasNonFinite(t *testing.T) {
	tests := []struct {
		name string
		data []float32
		want bool
	}{
		{"finite", []float32{1, -2, 0}, false},
		{"nan", []float32{1, float32(math.NaN())}, true},
		{"inf", []float32{float32(math.Inf(1))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasNonFinite(tt.data); got != tt.want {
				t.Errorf("hasNonFinite = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoundTripFloat16(t *testing.T) {
	data := []float32{1.0, 0.333333, -2.5}
	roundTripFloat16(data)
	if data[0] != 1.0 || data[2] != -2.5 {
		t.Errorf("exactly representable values changed: %v", data)
	}
	if math.Abs(float64(data[1])-0.333333) > 1e-3 {
		t.Errorf("half precision error too large: %v", data[1])
	}
}
