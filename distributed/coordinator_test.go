package distributed

import (
	"bytes"
	"encoding/gob"
	"log/slog"
	"testing"
)

// A single-process group needs no network: every collective is a no-op and
// values pass through unchanged.
func TestSingleProcessCoordinator(t *testing.T) {
	t.Setenv(EnvWorldSize, "")
	t.Setenv(EnvRank, "")

	c, err := InitFromEnv(slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.WorldSize() != 1 || c.Rank() != 0 {
		t.Fatalf("world=%d rank=%d, want 1/0", c.WorldSize(), c.Rank())
	}
	if !c.IsMain() || c.Distributed() {
		t.Error("single process must be main and not distributed")
	}

	if err := c.Barrier(); err != nil {
		t.Errorf("barrier: %v", err)
	}

	id, err := c.BroadcastString("run-123")
	if err != nil {
		t.Fatal(err)
	}
	if id != "run-123" {
		t.Errorf("broadcast = %q, want run-123", id)
	}

	values := []float32{1, -2, 3.5}
	if err := c.AllReduceMean(values); err != nil {
		t.Fatal(err)
	}
	for i, want := range []float32{1, -2, 3.5} {
		if values[i] != want {
			t.Errorf("values[%d] = %v, want %v", i, values[i], want)
		}
	}
}

func TestInitFromEnvValidation(t *testing.T) {
	tests := []struct {
		name        string
		world, rank string
	}{
		{"rank out of range", "2", "2"},
		{"negative rank", "2", "-1"},
		{"zero world", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvWorldSize, tt.world)
			t.Setenv(EnvRank, tt.rank)
			if _, err := InitFromEnv(slog.Default()); err == nil {
				t.Error("expected error for invalid process group")
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	src := frame{Op: "allreduce", Seq: 42, Rank: 3, Vec: []float32{1.5, -0.25}, Str: "x"}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(src); err != nil {
		t.Fatal(err)
	}
	var got frame
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if got.Op != src.Op || got.Seq != src.Seq || got.Rank != src.Rank || got.Str != src.Str {
		t.Errorf("decoded frame %+v, want %+v", got, src)
	}
	if len(got.Vec) != 2 || got.Vec[0] != 1.5 || got.Vec[1] != -0.25 {
		t.Errorf("decoded vec %v, want [1.5 -0.25]", got.Vec)
	}
}
