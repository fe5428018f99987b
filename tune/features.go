package tune

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/computationalpathologygroup/dino/tensor"
	"github.com/x448/float16"
)

// Feature files are stored half precision: a little-endian header of two
// uint32 (rows, cols) followed by rows*cols IEEE 754 binary16 values.

// WriteFeatures writes a [rows, cols] feature matrix to path as float16.
func WriteFeatures(path string, t *tensor.Tensor) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create feature file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	header := [2]uint32{uint32(t.Rows()), uint32(t.Cols())}
	if err := binary.Write(w, binary.LittleEndian, header[:]); err != nil {
		return fmt.Errorf("write feature header: %w", err)
	}
	buf := make([]byte, 2)
	for _, v := range t.Data {
		binary.LittleEndian.PutUint16(buf, uint16(float16.Fromfloat32(v)))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write feature data: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush feature file: %w", err)
	}
	return file.Sync()
}

// ReadFeatures loads a float16 feature file back into a float32 matrix.
func ReadFeatures(path string) (*tensor.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feature file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, header[:]); err != nil {
		return nil, fmt.Errorf("read feature header: %w", err)
	}
	rows, cols := int(header[0]), int(header[1])
	out := tensor.New(rows, cols)
	buf := make([]byte, 2)
	for i := range out.Data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read feature data: %w", err)
		}
		out.Data[i] = float16.Float16(binary.LittleEndian.Uint16(buf)).Float32()
	}
	return out, nil
}
