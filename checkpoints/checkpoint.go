// Package checkpoints persists and restores full training state: network
// weights, optimizer state, the distillation loss center buffer, the mixed
// precision scaler and the epoch counter. A snapshot is a single JSON
// mapping; files use the .pt suffix for compatibility with the established
// on-disk layout consumed by downstream tooling.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/computationalpathologygroup/dino/layers"
)

// WeightTensor is one named parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerTensor is one optimizer state buffer (first or second moment).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m" or "v"
}

// OptimizerState captures optimizer hyperparameters and moment buffers.
type OptimizerState struct {
	Type       string             `json:"type"`
	Step       int                `json:"step"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// LossState is the distillation loss module state: the EMA center buffer.
type LossState struct {
	Center []float32 `json:"center"`
}

// ScalerState is the dynamic loss scaler state.
type ScalerState struct {
	Scale     float64 `json:"scale"`
	GoodSteps int     `json:"good_steps"`
}

// Metadata records provenance for a snapshot file.
type Metadata struct {
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the serialized training state. Restoring a snapshot resumes
// training at Epoch+1; the stored epoch is never re-executed.
type Snapshot struct {
	Epoch      int             `json:"epoch"`
	Student    []WeightTensor  `json:"student"`
	Teacher    []WeightTensor  `json:"teacher"`
	Optimizer  *OptimizerState `json:"optimizer"`
	DINOLoss   LossState       `json:"dino_loss"`
	FP16Scaler *ScalerState    `json:"fp16_scaler,omitempty"`
	Metadata   Metadata        `json:"metadata"`
}

// ExtractWeights copies parameters into serializable weight tensors.
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	out := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		out[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		}
	}
	return out
}

// LoadWeights restores parameters from weight tensors, matching by name.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("snapshot is missing parameter %s", p.Name)
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("parameter %s: snapshot size %d, model size %d", p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// Manager owns the snapshot directory lifecycle: the rolling latest slot,
// idempotent epoch-numbered files and the best-checkpoint slot.
type Manager struct {
	dir string
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) Dir() string { return m.dir }

// LatestPath is the rolling fault-tolerance slot, overwritten every epoch.
func (m *Manager) LatestPath() string { return filepath.Join(m.dir, "latest.pt") }

// EpochPath is the periodic-save file for one epoch.
func (m *Manager) EpochPath(epoch int) string {
	return filepath.Join(m.dir, fmt.Sprintf("epoch_%03d.pt", epoch))
}

// BestPath is the early-stopping retention slot.
func (m *Manager) BestPath() string { return filepath.Join(m.dir, "best.pt") }

// SaveLatest overwrites the rolling snapshot.
func (m *Manager) SaveLatest(s *Snapshot) error {
	return writeSnapshotAtomic(s, m.LatestPath())
}

// LoadLatest restores the rolling snapshot. Absence is a cold start, not an
// error: the second return value reports whether a snapshot was found.
func (m *Manager) LoadLatest() (*Snapshot, bool, error) {
	s, err := readSnapshot(m.LatestPath())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// SaveEpoch writes the epoch-numbered snapshot unless it already exists.
// It reports whether a file was written.
func (m *Manager) SaveEpoch(s *Snapshot) (bool, error) {
	path := m.EpochPath(s.Epoch)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := writeSnapshotAtomic(s, path); err != nil {
		return false, err
	}
	return true, nil
}

// SaveBest overwrites the best-checkpoint slot.
func (m *Manager) SaveBest(s *Snapshot) error {
	return writeSnapshotAtomic(s, m.BestPath())
}

// Load reads an explicitly requested snapshot. A missing file is an error
// here, unlike the rolling slot.
func Load(path string) (*Snapshot, error) {
	s, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return s, nil
}

// writeSnapshotAtomic writes through a temporary file and rename, so a crash
// mid-write never leaves a truncated snapshot under the final name.
func writeSnapshotAtomic(s *Snapshot, path string) error {
	tmp := path + ".tmp"
	if err := writeSnapshot(s, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeSnapshot(s *Snapshot, path string) error {
	if s.Metadata.Framework == "" {
		s.Metadata.Framework = "dino"
		s.Metadata.CreatedAt = time.Now().UTC()
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(s); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return file.Sync()
}

func readSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var s Snapshot
	if err := json.NewDecoder(file).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
