package training

import (
	"fmt"
	"math"
)

// CosineSchedule precomputes one scalar per training step: an optional linear
// warmup from startValue to baseValue over warmupEpochs, then a half-cosine
// from baseValue to finalValue over the remaining steps. The returned table
// has length epochs*stepsPerEpoch and is a pure function of its arguments,
// never of training outcome.
//
// The learning rate, weight decay and teacher momentum schedules are three
// independent instantiations; the momentum schedule typically uses no warmup
// and finalValue 1.0 so the teacher freezes toward the end of training.
func CosineSchedule(baseValue, finalValue float64, epochs, stepsPerEpoch, warmupEpochs int, startValue float64) []float64 {
	if warmupEpochs > epochs {
		panic(fmt.Sprintf("training: warmup epochs %d exceed total epochs %d", warmupEpochs, epochs))
	}
	total := epochs * stepsPerEpoch
	warmup := warmupEpochs * stepsPerEpoch
	schedule := make([]float64, total)
	for i := 0; i < warmup; i++ {
		schedule[i] = startValue + (baseValue-startValue)*float64(i)/float64(warmup)
	}
	remaining := total - warmup
	for i := 0; i < remaining; i++ {
		cos := 0.5 * (1 + math.Cos(math.Pi*float64(i)/float64(remaining)))
		schedule[warmup+i] = finalValue + (baseValue-finalValue)*cos
	}
	return schedule
}

// TeacherTempSchedule returns the per-epoch teacher temperature: linear
// warmup from warmupTemp to temp over warmupEpochs, constant afterwards.
func TeacherTempSchedule(warmupTemp, temp float64, warmupEpochs, epochs int) []float64 {
	out := make([]float64, epochs)
	for e := 0; e < epochs; e++ {
		if e < warmupEpochs {
			out[e] = warmupTemp + (temp-warmupTemp)*float64(e)/float64(warmupEpochs)
		} else {
			out[e] = temp
		}
	}
	return out
}
