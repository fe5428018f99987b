// Package config defines the run configuration: typed groups decoded from a
// YAML file, dotted-path command-line overrides applied on top, and fail-fast
// validation before any resource allocation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/computationalpathologygroup/dino/layers"
)

// Config is the full run configuration.
type Config struct {
	Train   Train   `yaml:"train"`
	Student Student `yaml:"student"`
	Teacher Teacher `yaml:"teacher"`
	Crops   Crops   `yaml:"crops"`
	Optim   Optim   `yaml:"optim"`
	Speed   Speed   `yaml:"speed"`
	Tune    Tune    `yaml:"tune"`
	WandB   WandB   `yaml:"wandb"`
}

type Train struct {
	OutputDir            string  `yaml:"output_dir"`
	BatchSizePerGPU      int     `yaml:"batch_size_per_gpu"`
	Seed                 int64   `yaml:"seed"`
	Resume               bool    `yaml:"resume"`
	ResumeFromCheckpoint string  `yaml:"resume_from_checkpoint"`
	SaveEvery            int     `yaml:"save_every"`
	Pct                  float64 `yaml:"pct"`
	DatasetPath          string  `yaml:"dataset_path"`
}

type Student struct {
	Arch          string  `yaml:"arch"`
	PatchSize     int     `yaml:"patch_size"`
	DropPathRate  float64 `yaml:"drop_path_rate"`
	OutDim        int     `yaml:"out_dim"`
	UseBNInHead   bool    `yaml:"use_bn_in_head"`
	NormLastLayer bool    `yaml:"norm_last_layer"`
}

type Teacher struct {
	MomentumTeacher         float64 `yaml:"momentum_teacher"`
	WarmupTeacherTemp       float64 `yaml:"warmup_teacher_temp"`
	TeacherTemp             float64 `yaml:"teacher_temp"`
	WarmupTeacherTempEpochs int     `yaml:"warmup_teacher_temp_epochs"`
}

type Crops struct {
	GlobalCropsScale []float64 `yaml:"global_crops_scale"`
	LocalCropsScale  []float64 `yaml:"local_crops_scale"`
	LocalCropsNumber int       `yaml:"local_crops_number"`
}

type Optim struct {
	Epochs                int         `yaml:"epochs"`
	WarmupEpochs          int         `yaml:"warmup_epochs"`
	LR                    float64     `yaml:"lr"`
	ClipGrad              float64     `yaml:"clip_grad"`
	FreezeLastLayerEpochs int         `yaml:"freeze_last_layer_epochs"`
	LRScheduler           LRScheduler `yaml:"lr_scheduler"`
}

type LRScheduler struct {
	MinLR          float64 `yaml:"min_lr"`
	WeightDecay    float64 `yaml:"weight_decay"`
	WeightDecayEnd float64 `yaml:"weight_decay_end"`
}

type Speed struct {
	UseFP16    bool `yaml:"use_fp16"`
	NumWorkers int  `yaml:"num_workers"`
}

type Tune struct {
	TuneEvery     int           `yaml:"tune_every"`
	Enable        bool          `yaml:"enable"`
	KNN           KNN           `yaml:"knn"`
	EarlyStopping EarlyStopping `yaml:"early_stopping"`
}

type KNN struct {
	NBKNN            int     `yaml:"nb_knn"`
	Temperature      float64 `yaml:"temperature"`
	BatchSizePerGPU  int     `yaml:"batch_size_per_gpu"`
	NumWorkers       int     `yaml:"num_workers"`
	SaveFeatures     bool    `yaml:"save_features"`
	UseCUDA          bool    `yaml:"use_cuda"`
	QueryDatasetPath string  `yaml:"query_dataset_path"`
	TestDatasetPath  string  `yaml:"test_dataset_path"`
}

type EarlyStopping struct {
	Tracking string `yaml:"tracking"`
	MinMax   string `yaml:"min_max"`
	Patience int    `yaml:"patience"`
	MinEpoch int    `yaml:"min_epoch"`
}

type WandB struct {
	Enable bool `yaml:"enable"`
}

// Default returns the baseline configuration; the YAML file and overrides
// are layered on top of it.
func Default() *Config {
	return &Config{
		Train: Train{
			OutputDir:       "output",
			BatchSizePerGPU: 64,
			Seed:            0,
			SaveEvery:       20,
			Pct:             1.0,
		},
		Student: Student{
			Arch:          "vit_small",
			PatchSize:     16,
			DropPathRate:  0.1,
			OutDim:        4096,
			NormLastLayer: true,
		},
		Teacher: Teacher{
			MomentumTeacher:         0.996,
			WarmupTeacherTemp:       0.04,
			TeacherTemp:             0.04,
			WarmupTeacherTempEpochs: 0,
		},
		Crops: Crops{
			GlobalCropsScale: []float64{0.4, 1.0},
			LocalCropsScale:  []float64{0.05, 0.4},
			LocalCropsNumber: 8,
		},
		Optim: Optim{
			Epochs:                100,
			WarmupEpochs:          10,
			LR:                    0.0005,
			ClipGrad:              3.0,
			FreezeLastLayerEpochs: 1,
			LRScheduler: LRScheduler{
				MinLR:          1e-6,
				WeightDecay:    0.04,
				WeightDecayEnd: 0.4,
			},
		},
		Speed: Speed{
			UseFP16:    true,
			NumWorkers: 4,
		},
		Tune: Tune{
			TuneEvery: 1,
			KNN: KNN{
				NBKNN:           20,
				Temperature:     0.07,
				BatchSizePerGPU: 64,
				NumWorkers:      4,
			},
			EarlyStopping: EarlyStopping{
				Tracking: "knn_accuracy",
				MinMax:   "max",
				Patience: 10,
				MinEpoch: 20,
			},
		},
	}
}

// Load reads the YAML config file over the defaults. An empty path keeps
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyOverrides layers dotted-path KEY VALUE pairs on top of the config,
// e.g. "optim.epochs 30 speed.use_fp16 false". Values are parsed as YAML
// scalars.
func (c *Config) ApplyOverrides(args []string) error {
	if len(args)%2 != 0 {
		return fmt.Errorf("overrides must come in KEY VALUE pairs, got %d arguments", len(args))
	}
	if len(args) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize config for overrides: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("reload config for overrides: %w", err)
	}
	for i := 0; i < len(args); i += 2 {
		key, value := args[i], args[i+1]
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			return fmt.Errorf("override %s: bad value %q: %w", key, value, err)
		}
		if err := setPath(m, strings.Split(key, "."), parsed); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	merged, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("merge overrides: %w", err)
	}
	if err := yaml.Unmarshal(merged, c); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return nil
}

func setPath(m map[string]any, path []string, value any) error {
	for i, key := range path[:len(path)-1] {
		child, ok := m[key]
		if !ok {
			return fmt.Errorf("unknown config group %q", strings.Join(path[:i+1], "."))
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%q is not a config group", strings.Join(path[:i+1], "."))
		}
		m = childMap
	}
	leaf := path[len(path)-1]
	if _, ok := m[leaf]; !ok {
		return fmt.Errorf("unknown config key %q", leaf)
	}
	m[leaf] = value
	return nil
}

// Validate checks the configuration before any resource allocation.
func (c *Config) Validate() error {
	if _, err := layers.Arch(c.Student.Arch); err != nil {
		return err
	}
	if c.Optim.Epochs < 1 {
		return fmt.Errorf("optim.epochs must be positive, got %d", c.Optim.Epochs)
	}
	if c.Optim.Epochs < c.Optim.WarmupEpochs {
		return fmt.Errorf("optim.epochs (%d) must be >= optim.warmup_epochs (%d)",
			c.Optim.Epochs, c.Optim.WarmupEpochs)
	}
	if c.Train.BatchSizePerGPU < 1 {
		return fmt.Errorf("train.batch_size_per_gpu must be positive, got %d", c.Train.BatchSizePerGPU)
	}
	if c.Train.Pct <= 0 || c.Train.Pct > 1 {
		return fmt.Errorf("train.pct must be in (0, 1], got %g", c.Train.Pct)
	}
	if err := validateScale("crops.global_crops_scale", c.Crops.GlobalCropsScale); err != nil {
		return err
	}
	if err := validateScale("crops.local_crops_scale", c.Crops.LocalCropsScale); err != nil {
		return err
	}
	if c.Crops.LocalCropsNumber < 0 {
		return fmt.Errorf("crops.local_crops_number must be >= 0, got %d", c.Crops.LocalCropsNumber)
	}
	if c.Student.PatchSize < 1 {
		return fmt.Errorf("student.patch_size must be positive, got %d", c.Student.PatchSize)
	}
	if c.Student.OutDim < 1 {
		return fmt.Errorf("student.out_dim must be positive, got %d", c.Student.OutDim)
	}
	if c.Tune.Enable {
		switch c.Tune.EarlyStopping.MinMax {
		case "min", "max":
		default:
			return fmt.Errorf("tune.early_stopping.min_max must be \"min\" or \"max\", got %q",
				c.Tune.EarlyStopping.MinMax)
		}
		if c.Tune.TuneEvery < 1 {
			return fmt.Errorf("tune.tune_every must be positive, got %d", c.Tune.TuneEvery)
		}
		if c.Tune.KNN.NBKNN < 1 {
			return fmt.Errorf("tune.knn.nb_knn must be positive, got %d", c.Tune.KNN.NBKNN)
		}
	}
	return nil
}

func validateScale(name string, scale []float64) error {
	if len(scale) != 2 {
		return fmt.Errorf("%s must have exactly two values, got %d", name, len(scale))
	}
	if scale[0] <= 0 || scale[0] > scale[1] {
		return fmt.Errorf("%s must be an increasing positive range, got %v", name, scale)
	}
	return nil
}

// Write serializes the effective configuration to path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
