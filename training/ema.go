package training

import (
	"fmt"

	"github.com/computationalpathologygroup/dino/layers"
)

// EMAUpdate moves every teacher parameter toward its student counterpart:
// teacher = m*teacher + (1-m)*student. This is the teacher's only source of
// change; it never receives gradients. Both parameter slices must come from
// the canonical (unwrapped) views of structurally identical networks.
func EMAUpdate(studentParams, teacherParams []*layers.Parameter, momentum float64) error {
	if len(studentParams) != len(teacherParams) {
		return fmt.Errorf("parameter count mismatch: student %d, teacher %d", len(studentParams), len(teacherParams))
	}
	m := float32(momentum)
	for i, sp := range studentParams {
		tp := teacherParams[i]
		if len(sp.Data) != len(tp.Data) {
			return fmt.Errorf("parameter %s: size mismatch %d vs %d", sp.Name, len(sp.Data), len(tp.Data))
		}
		for j := range tp.Data {
			tp.Data[j] = m*tp.Data[j] + (1-m)*sp.Data[j]
		}
	}
	return nil
}

// CopyParams initializes the teacher from the student so both networks start
// from identical weights.
func CopyParams(dst, src []*layers.Parameter) error {
	if len(dst) != len(src) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(dst), len(src))
	}
	for i := range dst {
		if err := dst[i].CopyFrom(src[i]); err != nil {
			return err
		}
	}
	return nil
}
