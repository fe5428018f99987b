package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/computationalpathologygroup/dino/checkpoints"
	"github.com/computationalpathologygroup/dino/config"
	"github.com/computationalpathologygroup/dino/distributed"
	"github.com/computationalpathologygroup/dino/layers"
	"github.com/computationalpathologygroup/dino/optimizer"
	"github.com/computationalpathologygroup/dino/training"
	"github.com/computationalpathologygroup/dino/tune"
	"github.com/computationalpathologygroup/dino/vision/augment"
	"github.com/computationalpathologygroup/dino/vision/dataloader"
	"github.com/computationalpathologygroup/dino/vision/dataset"
)

const (
	statusContinue = "continue"
	statusStop     = "stop"
)

func run(configFile string, overrides []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	coord, err := distributed.InitFromEnv(slog.Default())
	if err != nil {
		return err
	}
	defer coord.Close()

	// Chatty logging on the coordinating process only.
	logLevel := slog.LevelInfo
	if !coord.IsMain() {
		logLevel = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})).
		With("rank", coord.Rank())

	runID, err := resolveRunID(cfg, coord)
	if err != nil {
		return err
	}
	runDir := filepath.Join(cfg.Train.OutputDir, runID)
	snapshotDir := filepath.Join(runDir, "snapshots")
	featureDir := filepath.Join(runDir, "features")

	if coord.IsMain() {
		if err := prepareRunDir(cfg, runDir, snapshotDir, featureDir); err != nil {
			return err
		}
		log.Info("run starting", "run_id", runID, "dir", runDir, "world_size", coord.WorldSize())
	}
	// Directory creation is rank 0's alone; everyone else waits for it.
	if err := coord.Barrier(); err != nil {
		return err
	}

	return train(cfg, coord, log, runDir, snapshotDir, featureDir)
}

// resolveRunID generates the run identifier on the coordinating process and
// broadcasts it so every process agrees on the output path. When resuming, a
// prior run directory holding a rolling snapshot is reused instead.
func resolveRunID(cfg *config.Config, coord *distributed.Coordinator) (string, error) {
	id := ""
	if coord.IsMain() {
		if cfg.Train.Resume {
			id = findResumableRun(cfg.Train.OutputDir)
		}
		if id == "" {
			id = uuid.NewString()
		}
	}
	id, err := coord.BroadcastString(id)
	if err != nil {
		return "", fmt.Errorf("broadcast run id: %w", err)
	}
	return id, nil
}

// findResumableRun returns the most recently modified run directory under
// root that still holds a rolling snapshot, or empty for a cold start.
func findResumableRun(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	sort.Slice(entries, func(i, j int) bool {
		fi, errI := entries[i].Info()
		fj, errJ := entries[j].Info()
		if errI != nil || errJ != nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		latest := filepath.Join(root, e.Name(), "snapshots", "latest.pt")
		if _, err := os.Stat(latest); err == nil {
			return e.Name()
		}
	}
	return ""
}

func prepareRunDir(cfg *config.Config, runDir, snapshotDir, featureDir string) error {
	if !cfg.Train.Resume && cfg.Train.ResumeFromCheckpoint == "" {
		if err := os.RemoveAll(runDir); err != nil {
			return fmt.Errorf("clear run dir: %w", err)
		}
	}
	for _, dir := range []string{snapshotDir, featureDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg.Write(filepath.Join(runDir, "config.yaml"))
}

func train(cfg *config.Config, coord *distributed.Coordinator, log *slog.Logger, runDir, snapshotDir, featureDir string) error {
	// The model generator is seeded identically on every process so student
	// and teacher replicas start bit-identical across the group.
	modelRNG := rand.New(rand.NewSource(cfg.Train.Seed))

	ds, err := dataset.NewPatchDataset(cfg.Train.DatasetPath)
	if err != nil {
		return err
	}
	ds.Subsample(cfg.Train.Pct, rand.New(rand.NewSource(cfg.Train.Seed)))
	log.Info("dataset loaded", "samples", ds.Len(), "pct", cfg.Train.Pct)

	augCfg := augment.DefaultConfig()
	augCfg.GlobalScale = [2]float64{cfg.Crops.GlobalCropsScale[0], cfg.Crops.GlobalCropsScale[1]}
	augCfg.LocalScale = [2]float64{cfg.Crops.LocalCropsScale[0], cfg.Crops.LocalCropsScale[1]}
	augCfg.LocalCrops = cfg.Crops.LocalCropsNumber

	loader, err := dataloader.NewLoader(ds, augCfg, dataloader.Config{
		BatchSize: cfg.Train.BatchSizePerGPU,
		Workers:   cfg.Speed.NumWorkers,
		Seed:      cfg.Train.Seed,
		Rank:      coord.Rank(),
		WorldSize: coord.WorldSize(),
	})
	if err != nil {
		return err
	}

	student, teacher, err := buildNetworks(modelRNG, cfg)
	if err != nil {
		return err
	}
	if cfg.Speed.UseFP16 {
		student.SetFP16(true)
		teacher.SetFP16(true)
	}
	student.SetTraining(true)
	teacher.SetTraining(false)

	var reducer training.Reducer
	if coord.Distributed() {
		reducer = coord
	}
	loss := training.NewDINOLoss(training.DINOLossConfig{
		OutDim:                 cfg.Student.OutDim,
		CropCount:              2 + cfg.Crops.LocalCropsNumber,
		WarmupTeacherTemp:      cfg.Teacher.WarmupTeacherTemp,
		TeacherTemp:            cfg.Teacher.TeacherTemp,
		WarmupTeacherTempEpoch: cfg.Teacher.WarmupTeacherTempEpochs,
		Epochs:                 cfg.Optim.Epochs,
	}, reducer)

	regularized, notRegularized := training.ParamGroups(student)
	opt := optimizer.NewAdamW([]*optimizer.ParamGroup{regularized, notRegularized}, optimizer.DefaultAdamWConfig())

	steps := loader.Steps()
	lrBase := cfg.Optim.LR * float64(cfg.Train.BatchSizePerGPU*coord.WorldSize()) / 256
	lrSchedule := training.CosineSchedule(lrBase, cfg.Optim.LRScheduler.MinLR,
		cfg.Optim.Epochs, steps, cfg.Optim.WarmupEpochs, 0)
	wdSchedule := training.CosineSchedule(cfg.Optim.LRScheduler.WeightDecay, cfg.Optim.LRScheduler.WeightDecayEnd,
		cfg.Optim.Epochs, steps, 0, 0)
	momentumSchedule := training.CosineSchedule(cfg.Teacher.MomentumTeacher, 1.0,
		cfg.Optim.Epochs, steps, 0, 0)

	var scaler *training.LossScaler
	if cfg.Speed.UseFP16 {
		scaler = training.NewLossScaler()
	}

	manager, err := checkpoints.NewManager(snapshotDir)
	if err != nil {
		return err
	}
	startEpoch, err := restore(cfg, coord, log, manager, student, teacher, opt, loss, scaler)
	if err != nil {
		return err
	}

	tuner, err := buildTuner(cfg, coord, log, teacher, featureDir, runDir)
	if err != nil {
		return err
	}
	if tuner != nil {
		defer tuner.store.Close()
	}

	trainer := &training.Trainer{
		Student:               student,
		Teacher:               teacher,
		Loss:                  loss,
		Opt:                   opt,
		LRSchedule:            lrSchedule,
		WDSchedule:            wdSchedule,
		MomentumSchedule:      momentumSchedule,
		Scaler:                scaler,
		ClipGrad:              cfg.Optim.ClipGrad,
		FreezeLastLayerEpochs: cfg.Optim.FreezeLastLayerEpochs,
		Reducer:               reducer,
		Log:                   log,
	}

	for epoch := startEpoch; epoch < cfg.Optim.Epochs; epoch++ {
		stats, err := trainer.TrainOneEpoch(epoch, loader)
		if err != nil {
			return err
		}
		if err := loader.Err(); err != nil {
			return fmt.Errorf("data loading at epoch %d: %w", epoch, err)
		}
		log.Info("epoch complete", "epoch", epoch,
			"loss", stats["loss"], "lr", stats["lr"], "wd", stats["wd"])

		status := statusContinue
		if coord.IsMain() {
			stopped, err := epochBookkeeping(cfg, log, manager, runDir, epoch, stats,
				student, teacher, opt, loss, scaler, tuner)
			if err != nil {
				return err
			}
			if stopped {
				status = statusStop
			}
		}

		// One collective pair per epoch: the stop decision rides the
		// broadcast, the barrier keeps epoch boundaries aligned.
		status, err = coord.BroadcastString(status)
		if err != nil {
			return err
		}
		if err := coord.Barrier(); err != nil {
			return err
		}
		if status == statusStop {
			log.Info("early stopping", "epoch", epoch)
			break
		}
	}
	return nil
}

// buildNetworks constructs the student and the momentum teacher. The teacher
// starts as an exact copy of the student and is built without stochastic
// depth: its only source of change is the EMA update.
func buildNetworks(rng *rand.Rand, cfg *config.Config) (student, teacher *training.MultiCropWrapper, err error) {
	spec, err := layers.Arch(cfg.Student.Arch)
	if err != nil {
		return nil, nil, err
	}
	headCfg := layers.ProjectionHeadConfig{
		InDim:         spec.EmbedDim,
		OutDim:        cfg.Student.OutDim,
		UseBN:         cfg.Student.UseBNInHead,
		NormLastLayer: cfg.Student.NormLastLayer,
	}

	studentBackbone := layers.NewBackbone(rng, spec, cfg.Student.PatchSize, cfg.Student.DropPathRate)
	studentHead := layers.NewProjectionHead(rng, headCfg)
	student = training.NewMultiCropWrapper(studentBackbone, studentHead)

	teacherBackbone := layers.NewBackbone(rng, spec, cfg.Student.PatchSize, 0)
	teacherHead := layers.NewProjectionHead(rng, headCfg)
	teacher = training.NewMultiCropWrapper(teacherBackbone, teacherHead)

	if err := training.CopyParams(teacher.Params(), student.Params()); err != nil {
		return nil, nil, fmt.Errorf("initialize teacher from student: %w", err)
	}
	return student, teacher, nil
}

// restore decides the starting epoch. An explicitly requested checkpoint
// must exist; the rolling snapshot is optional and its absence means a cold
// start.
func restore(cfg *config.Config, coord *distributed.Coordinator, log *slog.Logger,
	manager *checkpoints.Manager, student, teacher training.Network,
	opt *optimizer.AdamW, loss *training.DINOLoss, scaler *training.LossScaler) (int, error) {

	var snap *checkpoints.Snapshot
	if cfg.Train.ResumeFromCheckpoint != "" {
		s, err := checkpoints.Load(cfg.Train.ResumeFromCheckpoint)
		if err != nil {
			return 0, err
		}
		snap = s
	} else if coord.Distributed() || cfg.Train.Resume {
		s, ok, err := manager.LoadLatest()
		if err != nil {
			return 0, err
		}
		if ok {
			snap = s
		}
	}
	if snap == nil {
		return 0, nil
	}

	if err := checkpoints.LoadWeights(snap.Student, student.Canonical().Params()); err != nil {
		return 0, fmt.Errorf("restore student: %w", err)
	}
	if err := checkpoints.LoadWeights(snap.Teacher, teacher.Canonical().Params()); err != nil {
		return 0, fmt.Errorf("restore teacher: %w", err)
	}
	if snap.Optimizer != nil {
		if err := opt.LoadState(snap.Optimizer); err != nil {
			return 0, fmt.Errorf("restore optimizer: %w", err)
		}
	}
	if err := loss.LoadCenter(snap.DINOLoss.Center); err != nil {
		return 0, fmt.Errorf("restore loss center: %w", err)
	}
	if scaler != nil && snap.FP16Scaler != nil {
		scaler.LoadState(training.LossScalerState{
			Scale:     snap.FP16Scaler.Scale,
			GoodSteps: snap.FP16Scaler.GoodSteps,
		})
	}
	log.Info("restored snapshot", "epoch", snap.Epoch, "resume_epoch", snap.Epoch+1)
	return snap.Epoch + 1, nil
}

// tuner bundles the rank-0 tuning machinery.
type tuner struct {
	evaluator *tune.Evaluator
	stopper   *tune.EarlyStopper
	store     *tune.Store
	every     int
	tracking  string
	direction string
}

func buildTuner(cfg *config.Config, coord *distributed.Coordinator, log *slog.Logger,
	teacher *training.MultiCropWrapper, featureDir, runDir string) (*tuner, error) {
	if !cfg.Tune.Enable || !coord.IsMain() {
		return nil, nil
	}

	query, err := dataset.NewImageFolder(cfg.Tune.KNN.QueryDatasetPath)
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	reference, err := dataset.NewImageFolder(cfg.Tune.KNN.TestDatasetPath)
	if err != nil {
		return nil, fmt.Errorf("reference dataset: %w", err)
	}
	queryLoader := dataloader.NewEvalLoader(query, augment.DefaultConfig().GlobalSize, cfg.Tune.KNN.BatchSizePerGPU)
	refLoader := dataloader.NewEvalLoader(reference, augment.DefaultConfig().GlobalSize, cfg.Tune.KNN.BatchSizePerGPU)

	dir := ""
	if cfg.Tune.KNN.SaveFeatures {
		dir = featureDir
	}
	store, err := tune.OpenStore(filepath.Join(runDir, "tuning.db"))
	if err != nil {
		return nil, err
	}
	return &tuner{
		evaluator: &tune.Evaluator{
			Net:         teacher,
			Query:       queryLoader,
			Reference:   refLoader,
			NumClasses:  queryLoader.NumClasses(),
			K:           cfg.Tune.KNN.NBKNN,
			Temperature: cfg.Tune.KNN.Temperature,
			FeatureDir:  dir,
			Log:         log,
		},
		stopper: &tune.EarlyStopper{
			Patience:  cfg.Tune.EarlyStopping.Patience,
			MinEpoch:  cfg.Tune.EarlyStopping.MinEpoch,
			Direction: cfg.Tune.EarlyStopping.MinMax,
		},
		store:     store,
		every:     cfg.Tune.TuneEvery,
		tracking:  cfg.Tune.EarlyStopping.Tracking,
		direction: cfg.Tune.EarlyStopping.MinMax,
	}, nil
}

// epochBookkeeping runs the coordinating process's end-of-epoch work: tuning
// on cadence, snapshot writes and the per-epoch log line. It reports whether
// early stopping has triggered.
func epochBookkeeping(cfg *config.Config, log *slog.Logger, manager *checkpoints.Manager,
	runDir string, epoch int, stats map[string]float64,
	student, teacher training.Network, opt *optimizer.AdamW,
	loss *training.DINOLoss, scaler *training.LossScaler, tn *tuner) (bool, error) {

	snap := buildSnapshot(epoch, student, teacher, opt, loss, scaler)

	stopped := false
	if tn != nil && epoch%tn.every == 0 {
		value, err := tn.evaluator.Evaluate(epoch)
		if err != nil {
			return false, fmt.Errorf("tuning at epoch %d: %w", epoch, err)
		}
		if err := tn.store.Append(context.Background(), tune.Record{
			Epoch:     epoch,
			Metric:    tn.tracking,
			Value:     value,
			Direction: tn.direction,
		}); err != nil {
			return false, err
		}
		if tn.stopper.Update(epoch, value) {
			if err := manager.SaveBest(snap); err != nil {
				return false, err
			}
			best, bestEpoch, _ := tn.stopper.Best()
			log.Info("new best", "metric", tn.tracking, "value", best, "epoch", bestEpoch)
		}
		stopped = tn.stopper.ShouldStop()
	}

	if err := manager.SaveLatest(snap); err != nil {
		return false, err
	}
	if cfg.Train.SaveEvery > 0 && epoch%cfg.Train.SaveEvery == 0 {
		if _, err := manager.SaveEpoch(snap); err != nil {
			return false, err
		}
	}

	if err := appendLogLine(filepath.Join(runDir, "log.txt"), epoch, stats); err != nil {
		return false, err
	}
	if cfg.WandB.Enable {
		// Stand-in for an external tracker sink.
		log.Info("track", "epoch", epoch,
			"train_loss", stats["loss"], "train_lr", stats["lr"], "train_wd", stats["wd"])
	}
	return stopped, nil
}

func buildSnapshot(epoch int, student, teacher training.Network, opt *optimizer.AdamW,
	loss *training.DINOLoss, scaler *training.LossScaler) *checkpoints.Snapshot {
	snap := &checkpoints.Snapshot{
		Epoch:     epoch,
		Student:   checkpoints.ExtractWeights(student.Canonical().Params()),
		Teacher:   checkpoints.ExtractWeights(teacher.Canonical().Params()),
		Optimizer: opt.State(),
		DINOLoss:  checkpoints.LossState{Center: append([]float32(nil), loss.Center()...)},
	}
	if scaler != nil {
		state := scaler.State()
		snap.FP16Scaler = &checkpoints.ScalerState{Scale: state.Scale, GoodSteps: state.GoodSteps}
	}
	return snap
}

// appendLogLine writes the per-epoch JSON training statistics line.
func appendLogLine(path string, epoch int, stats map[string]float64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()
	line := map[string]any{
		"train_loss": stats["loss"],
		"train_lr":   stats["lr"],
		"train_wd":   stats["wd"],
		"epoch":      epoch,
	}
	if err := json.NewEncoder(file).Encode(line); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	return nil
}
