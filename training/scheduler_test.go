package training

import (
	"math"
	"testing"
)

func TestCosineScheduleLength(t *testing.T) {
	tests := []struct {
		name          string
		epochs, steps int
		warmup        int
	}{
		{"no warmup", 10, 20, 0},
		{"with warmup", 10, 20, 3},
		{"warmup equals epochs", 4, 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := CosineSchedule(1.0, 0.1, tt.epochs, tt.steps, tt.warmup, 0)
			if len(s) != tt.epochs*tt.steps {
				t.Errorf("length = %d, want %d", len(s), tt.epochs*tt.steps)
			}
		})
	}
}

func TestCosineScheduleWarmup(t *testing.T) {
	s := CosineSchedule(2.0, 0.5, 4, 10, 1, 0)

	if s[0] != 0 {
		t.Errorf("warmup start = %g, want 0", s[0])
	}
	for i := 1; i < 10; i++ {
		if s[i] <= s[i-1] {
			t.Errorf("warmup not strictly increasing at %d: %g <= %g", i, s[i], s[i-1])
		}
	}
	// First post-warmup entry is the base value.
	if math.Abs(s[10]-2.0) > 1e-12 {
		t.Errorf("base value after warmup = %g, want 2", s[10])
	}
}

func TestCosineScheduleTail(t *testing.T) {
	s := CosineSchedule(2.0, 0.5, 4, 10, 0, 0)

	if math.Abs(s[0]-2.0) > 1e-12 {
		t.Errorf("first value = %g, want 2", s[0])
	}
	for i := 1; i < len(s); i++ {
		if s[i] > s[i-1] {
			t.Errorf("cosine tail increased at %d: %g > %g", i, s[i], s[i-1])
		}
	}
	// The final entry approaches but does not reach the final value.
	last := s[len(s)-1]
	if last < 0.5 || last > 0.55 {
		t.Errorf("last value = %g, want just above 0.5", last)
	}
}

func TestCosineScheduleMomentumEndpoints(t *testing.T) {
	s := CosineSchedule(0.996, 1.0, 100, 10, 0, 0)
	if s[0] != 0.996 {
		t.Errorf("momentum start = %g, want 0.996", s[0])
	}
	for i := 1; i < len(s); i++ {
		if s[i] < s[i-1] {
			t.Fatalf("momentum decreased at step %d", i)
		}
	}
	if s[len(s)-1] > 1.0 {
		t.Errorf("momentum exceeded 1: %g", s[len(s)-1])
	}
}

func TestCosineScheduleWarmupPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when warmup exceeds total epochs")
		}
	}()
	CosineSchedule(1, 0, 2, 10, 3, 0)
}

func TestTeacherTempSchedule(t *testing.T) {
	s := TeacherTempSchedule(0.04, 0.07, 3, 6)
	if len(s) != 6 {
		t.Fatalf("length = %d, want 6", len(s))
	}
	if s[0] != 0.04 {
		t.Errorf("first temp = %g, want 0.04", s[0])
	}
	for e := 3; e < 6; e++ {
		if s[e] != 0.07 {
			t.Errorf("temp[%d] = %g, want 0.07", e, s[e])
		}
	}
	for e := 1; e < 3; e++ {
		if s[e] <= s[e-1] {
			t.Errorf("warmup temp not increasing at %d", e)
		}
	}
}
