package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/config"
	"github.com/tsawler/go-denoise/device"
	"github.com/tsawler/go-denoise/distributed"
	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/models"
	"github.com/tsawler/go-denoise/optimizer"
	"github.com/tsawler/go-denoise/summary"
	"github.com/tsawler/go-denoise/tensorutil"
	"github.com/tsawler/go-denoise/vision/dataloader"
	"github.com/tsawler/go-denoise/vision/dataset"
	"github.com/tsawler/go-denoise/vision/preprocessing"
)

// Adversarial scalars are only recorded after this many epochs.
const advScalarWarmup = 5

// Trainer manages the training, evaluation and test passes of one rank.
type Trainer struct {
	cfg    *config.Config
	logger *zap.Logger
	group  distributed.ProcessGroup
	dev    device.Device

	net       layers.Network
	optimizer optimizer.Optimizer
	scheduler *EpochScheduler
	criterion *LossComposer
	ckpt      *CheckpointManager

	summary     *summary.Writer
	ownsSummary bool

	trainSet    dataset.Dataset
	testSet     dataset.Dataset
	trainLoader *dataloader.DataLoader
	testLoader  *dataloader.DataLoader

	bestPSNR     float64
	augmentation bool
	evalHistory  []EvalResult
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithProcessGroup sets the group used for DDP and barriers.
func WithProcessGroup(g distributed.ProcessGroup) Option {
	return func(t *Trainer) { t.group = g }
}

// WithDevice overrides device selection.
func WithDevice(d device.Device) Option {
	return func(t *Trainer) { t.dev = d }
}

// WithSummary records scalars into w instead of a store opened from the
// config. The caller keeps ownership of w.
func WithSummary(w *summary.Writer) Option {
	return func(t *Trainer) { t.summary = w }
}

// NewTrainer builds datasets, loaders, the network and, in the train phase,
// the losses, optimizer and scheduler. Resume paths in cfg are restored
// before it returns.
func NewTrainer(ctx context.Context, cfg *config.Config, opts ...Option) (*Trainer, error) {
	t := &Trainer{
		cfg:    cfg,
		logger: zap.NewNop(),
		group:  distributed.LocalGroup{},
		dev:    device.Device{GPU: -1},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dev.Workers <= 0 {
		t.dev = device.Select(cfg.GPUs, cfg.Rank, 0)
	}
	training := cfg.Phase == config.PhaseTrain
	primary := cfg.IsPrimary()

	if primary {
		for _, dir := range []string{cfg.VisDir, cfg.SnapshotDir, cfg.TestDir} {
			if dir == "" {
				continue
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
	}

	var cache *preprocessing.CacheManager
	if cfg.CacheSize > 0 {
		cache = preprocessing.NewCacheManager(cfg.CacheSize)
	}
	dsOpts := dataset.Options{
		Modal:          cfg.Modal,
		Seed:           cfg.RandomSeed,
		PadMultiple:    cfg.PadMultiple,
		Processor:      preprocessing.NewImageProcessor(cache),
		SyntheticSize:  cfg.SyntheticSize,
		SyntheticCount: cfg.SyntheticCount,
		SyntheticSigma: cfg.SyntheticSigma,
	}

	if training {
		o := dsOpts
		o.Root = cfg.TrainDataRoot
		o.Train = true
		ds, err := dataset.Build(cfg.TrainSet, o)
		if err != nil {
			return nil, fmt.Errorf("train set: %w", err)
		}
		var sampler dataloader.Sampler
		if cfg.Dist {
			sampler, err = dataloader.NewDistIterSampler(ds.Len(), t.group.WorldSize(), t.group.Rank(), 1, cfg.RandomSeed)
			if err != nil {
				return nil, err
			}
		} else {
			sampler = dataloader.NewRandomSampler(ds.Len(), cfg.RandomSeed)
		}
		t.trainSet = ds
		t.trainLoader, err = dataloader.NewDataLoader(ds, dataloader.Config{
			BatchSize:  cfg.BatchSize,
			NumWorkers: cfg.NumWorkers,
			Sampler:    sampler,
			Cache:      cache,
		})
		if err != nil {
			return nil, err
		}
	}

	o := dsOpts
	o.Root = cfg.TestDataRoot
	o.Seed = cfg.RandomSeed + 1
	// synthetic_count sizes the training phantoms only
	o.SyntheticCount = 0
	testSet, err := dataset.Build(cfg.TestSet, o)
	if err != nil {
		return nil, fmt.Errorf("test set: %w", err)
	}
	t.testSet = testSet
	t.testLoader, err = dataloader.NewDataLoader(testSet, dataloader.Config{
		BatchSize:  1,
		NumWorkers: cfg.NumWorkers,
		Cache:      cache,
	})
	if err != nil {
		return nil, err
	}

	model, err := models.Define(models.Options{
		Name:     cfg.NetName,
		InputNC:  cfg.InputNC,
		OutputNC: cfg.OutputNC,
		Chans:    cfg.Chans,
		NLayers:  cfg.NLayers,
		Seed:     cfg.RandomSeed,
		Workers:  t.dev.Workers,
	})
	if err != nil {
		return nil, err
	}
	t.net = model
	if cfg.Dist {
		t.net, err = distributed.NewDistributedModel(ctx, model, t.group)
		if err != nil {
			return nil, err
		}
	}

	if t.summary == nil && cfg.UseTBLogger && primary && training {
		t.summary, err = summary.Open(ctx, cfg.TBLoggerDir, cfg.Name, "")
		if err != nil {
			return nil, err
		}
		t.ownsSummary = true
	}
	var runID string
	if t.summary != nil {
		runID = t.summary.RunID()
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	t.ckpt = NewCheckpointManager(cfg.SnapshotDir, format, runID, t.logger)
	t.ckpt.Register(ComponentNet, t.net)

	if cfg.Resume != "" {
		if err := t.ckpt.Load(ComponentNet, cfg.Resume); err != nil {
			return nil, err
		}
	}
	if primary {
		t.logger.Info("network built",
			zap.String("net", model.Name()),
			zap.String("device", t.dev.String()),
			zap.String("params", formatParameterCount(layers.CountParams(t.net))),
		)
		t.logger.Debug("network layout", zap.String("summary", model.Summary()))
	}

	if training {
		if err := t.initOptimization(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Trainer) initOptimization() error {
	cfg := t.cfg
	primary := cfg.IsPrimary()
	t.logger.Info("init criterion and optimizer")

	t.criterion = NewLossComposer()
	if cfg.LossMSE {
		t.criterion.Add(NewMSELoss(), cfg.LambdaMSE)
		if primary {
			t.logger.Info("using mse loss", zap.Float64("lambda", cfg.LambdaMSE))
		}
	}
	if cfg.LossL1 {
		t.criterion.Add(NewL1Loss(), cfg.LambdaL1)
		if primary {
			t.logger.Info("using l1 loss", zap.Float64("lambda", cfg.LambdaL1))
		}
	}
	if cfg.LossAdv {
		adv, err := NewAdversarialLoss(cfg.GANType, cfg.TrainCropSize, cfg.LRD, cfg.RandomSeed+int64(max(cfg.Rank, 0)))
		if err != nil {
			return err
		}
		t.criterion.Add(adv, cfg.LambdaAdv)
		if primary {
			t.logger.Info("using adv loss", zap.String("gan_type", adv.GANType()), zap.Float64("lambda", cfg.LambdaAdv))
		}
	}

	opt, err := optimizer.New(optimizer.Config{
		Name:         cfg.Optimizer,
		LearningRate: cfg.LR,
		WeightDecay:  cfg.WeightDecay,
	}, t.net.Parameters())
	if err != nil {
		return err
	}
	policy, err := NewLRScheduler(cfg.LRScheduler, cfg.LRTMax)
	if err != nil {
		return err
	}
	t.optimizer = opt
	t.scheduler = NewEpochScheduler(policy, opt)
	t.ckpt.Register(ComponentOptimizer, t.optimizer)
	t.ckpt.Register(ComponentScheduler, t.scheduler)

	if cfg.ResumeOptim != "" {
		if err := t.ckpt.Load(ComponentOptimizer, cfg.ResumeOptim); err != nil {
			return err
		}
	}
	if cfg.ResumeScheduler != "" {
		if err := t.ckpt.Load(ComponentScheduler, cfg.ResumeScheduler); err != nil {
			return err
		}
	}
	return nil
}

// Network returns the (possibly distributed) network.
func (t *Trainer) Network() layers.Network { return t.net }

// Optimizer returns the generator optimizer, nil outside the train phase.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Scheduler returns the epoch scheduler, nil outside the train phase.
func (t *Trainer) Scheduler() *EpochScheduler { return t.scheduler }

// Checkpoints returns the checkpoint manager.
func (t *Trainer) Checkpoints() *CheckpointManager { return t.ckpt }

// BestPSNR returns the best validation PSNR seen so far.
func (t *Trainer) BestPSNR() float64 { return t.bestPSNR }

// Augmentation reports whether training augmentation is on.
func (t *Trainer) Augmentation() bool { return t.augmentation }

// EvalHistory returns the results of every online evaluation.
func (t *Trainer) EvalHistory() []EvalResult { return t.evalHistory }

// Close releases the summary store if the trainer opened it.
func (t *Trainer) Close() error {
	if t.ownsSummary && t.summary != nil {
		return t.summary.Close()
	}
	return nil
}

func (t *Trainer) barrier(ctx context.Context) error {
	if !t.cfg.Dist {
		return nil
	}
	if err := t.group.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// save writes the checkpoint triple on the primary rank and holds every rank
// until it is on disk.
func (t *Trainer) save(ctx context.Context, tag string, epoch int) error {
	if t.cfg.IsPrimary() {
		t.logger.Info("saving state", zap.Int("epoch", epoch), zap.String("tag", tag))
		if err := t.ckpt.SaveAll(tag); err != nil {
			return err
		}
	}
	return t.barrier(ctx)
}

func (t *Trainer) setAugmentation(on bool) {
	t.augmentation = on
	if a, ok := t.trainSet.(dataset.Augmentable); ok {
		a.SetAugmentation(on)
	}
}

// Train runs epochs [start_iter, max_iter).
func (t *Trainer) Train(ctx context.Context) error {
	if t.trainLoader == nil {
		return fmt.Errorf("trainer was built for phase %q, not train", t.cfg.Phase)
	}
	cfg := t.cfg
	primary := cfg.IsPrimary()
	if primary {
		t.logger.Info("training",
			zap.String("dataset", cfg.Dataset),
			zap.Int("samples", t.trainSet.Len()),
			zap.Float64("init_lr", cfg.LR),
		)
	}
	t.net.SetTraining(true)
	t.bestPSNR = 0
	t.setAugmentation(false)

	steps := 0
	for i := cfg.StartIter; i < cfg.MaxIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.scheduler.Step()
		lr := t.optimizer.GetLearningRate()
		t.logger.Info("current_lr", zap.Int("epoch", i), zap.Float64("lr", lr))
		if t.summary != nil && primary {
			if err := t.summary.AddScalar(ctx, "lr", lr, i); err != nil {
				return err
			}
		}

		if err := t.trainEpoch(ctx, i, &steps); err != nil {
			return err
		}

		if i%cfg.SaveEpochFreq == 0 {
			if err := t.save(ctx, EpochTag(i), i); err != nil {
				return err
			}
		}

		if !cfg.LossAdv && i > cfg.EvalStartEpoch && !strings.EqualFold(cfg.Modal, dataset.ModalAll) {
			if err := t.validate(ctx, i); err != nil {
				return err
			}
		}
		if primary {
			t.logger.Info("loader cache", zap.Int("epoch", i), zap.String("stats", t.trainLoader.Stats()))
		}
	}

	if err := t.save(ctx, TagFinal, cfg.MaxIter); err != nil {
		return err
	}
	if primary {
		t.logger.Info("training finished", zap.String("dataset", cfg.Dataset), zap.Float64("best_psnr", t.bestPSNR))
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, steps *int) error {
	cfg := t.cfg
	primary := cfg.IsPrimary()
	t.trainLoader.SetEpoch(epoch)
	it := t.trainLoader.Iter(ctx)
	defer it.Close()

	timer := NewStepTimer(t.trainLoader.Len(), cfg.LogFreq)
	for j := 0; ; j++ {
		batch, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, j, err)
		}
		images, labels, err := t.prepare(batch)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, j, err)
		}

		output, err := t.net.Forward(images)
		if err != nil {
			return fmt.Errorf("epoch %d step %d forward: %w", epoch, j, err)
		}
		t.optimizer.ZeroGrad()
		res, grad, err := t.criterion.Compute(output, labels)
		if err != nil {
			return fmt.Errorf("epoch %d step %d loss: %w", epoch, j, err)
		}
		if err := t.net.Backward(grad); err != nil {
			return fmt.Errorf("epoch %d step %d backward: %w", epoch, j, err)
		}
		if err := t.optimizer.Step(); err != nil {
			return fmt.Errorf("epoch %d step %d optimizer: %w", epoch, j, err)
		}

		if j%cfg.LogFreq == 0 {
			perBatch := timer.Lap()
			if primary {
				served, total := it.Progress()
				fields := []zap.Field{zap.Int("epoch", epoch), zap.Int("step", j), zap.String("batch", fmt.Sprintf("%d/%d", served, total))}
				for _, name := range res.Names {
					fields = append(fields, zap.Float64(name, res.Values[name]))
				}
				if res.HasAdv {
					fields = append(fields, zap.Float64("d_loss", res.DLoss))
				}
				fields = append(fields,
					zap.Float64("loss_sum", res.Total),
					zap.Bool("aug", t.augmentation),
					zap.String("s/batch", fmt.Sprintf("%.6f", perBatch)),
					zap.String("eta", formatDuration(timer.ETA(j+1))),
				)
				t.logger.Info("train", fields...)
			}
		}

		if j%cfg.VisFreq == 0 && primary {
			prefix := fmt.Sprintf("vis_%d_%d", epoch, j)
			if _, err := SaveComparison(cfg.VisDir, prefix, images, output, labels); err != nil {
				return fmt.Errorf("visualize %s: %w", prefix, err)
			}
		}

		if t.summary != nil && primary && *steps%cfg.VisStepFreq == 0 {
			scalars := make(map[string]float64, len(res.Names)+1)
			for _, name := range res.Names {
				if name == "adv_loss" && epoch <= advScalarWarmup {
					continue
				}
				scalars[name] = res.Values[name]
			}
			if res.HasAdv && epoch > advScalarWarmup {
				scalars["d_loss"] = res.DLoss
			}
			if err := t.summary.AddScalars(ctx, scalars, *steps); err != nil {
				return err
			}
		}
		*steps++
	}
}

// prepare places the batch tensors on the trainer's device and returns the
// images and labels. Names and pad amounts stay on the host.
func (t *Trainer) prepare(batch *dataloader.Batch) (images, labels *tensor.Dense, err error) {
	for _, key := range batch.Keys() {
		placed, err := t.dev.Place(batch.Tensors[key])
		if err != nil {
			return nil, nil, fmt.Errorf("batch tensor %q: %w", key, err)
		}
		batch.Tensors[key] = placed
	}
	images, labels = batch.Tensors[dataset.KeyImages], batch.Tensors[dataset.KeyLabels]
	if images == nil || labels == nil {
		return nil, nil, fmt.Errorf("batch needs %q and %q tensors, has %v", dataset.KeyImages, dataset.KeyLabels, batch.Keys())
	}
	return images, labels, nil
}

// validate evaluates, logs and updates the best checkpoint.
func (t *Trainer) validate(ctx context.Context, epoch int) error {
	t.cfg.Phase = config.PhaseEval
	defer func() { t.cfg.Phase = config.PhaseTrain }()

	res, err := t.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("epoch %d evaluation: %w", epoch, err)
	}
	t.logger.Info("mean", res.Fields(PSNR, SSIM, MAE, RMSE)...)
	t.logger.Info("std", zap.Float64("psnr", res.PSNRStd), zap.Float64("ssim", res.SSIMStd))
	if t.summary != nil && t.cfg.IsPrimary() {
		if err := t.summary.AddScalars(ctx, map[string]float64{"val_psnr": res.PSNR, "val_ssim": res.SSIM}, epoch); err != nil {
			return err
		}
	}
	_, err = t.recordEval(ctx, epoch, res)
	return err
}

// recordEval keeps the best PSNR and its checkpoints. After a new best past
// aug_start_epoch, augmentation is switched on once.
func (t *Trainer) recordEval(ctx context.Context, epoch int, res EvalResult) (bool, error) {
	t.evalHistory = append(t.evalHistory, res)
	if !(res.PSNR > t.bestPSNR) {
		return false, nil
	}
	t.bestPSNR = res.PSNR
	if t.cfg.IsPrimary() {
		t.logger.Info("best_psnr", zap.Float64("psnr", t.bestPSNR), zap.Int("epoch", epoch))
	}
	if err := t.save(ctx, TagBest, epoch); err != nil {
		return true, err
	}
	if epoch > t.cfg.AugStartEpoch && !t.augmentation && t.cfg.DataAugmentation {
		t.setAugmentation(true)
		if t.cfg.IsPrimary() {
			t.logger.Info("data augmentation enabled", zap.Int("epoch", epoch))
		}
	}
	return true, nil
}

// scored is one test sample after clipping and unpadding.
type scored struct {
	batch      int
	name       string
	psnr, ssim float64
	pred       []float32
	h, w       int
}

// runTest feeds the test set through the network in eval mode and scores
// channel 0 of the clipped output against the label. fn sees every batch
// with its raw output.
func (t *Trainer) runTest(ctx context.Context, fn func(batch *dataloader.Batch, idx int, output *tensor.Dense, s []scored) error) (EvalResult, error) {
	wasTraining := t.net.Training()
	t.net.SetTraining(false)
	defer t.net.SetTraining(wasTraining)

	var m ImageMetrics
	it := t.testLoader.Iter(ctx)
	defer it.Close()
	for b := 0; ; b++ {
		batch, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EvalResult{}, fmt.Errorf("test batch %d: %w", b, err)
		}
		images, labels, err := t.prepare(batch)
		if err != nil {
			return EvalResult{}, fmt.Errorf("test batch %d: %w", b, err)
		}
		output, err := t.net.Forward(images)
		if err != nil {
			return EvalResult{}, fmt.Errorf("test batch %d forward: %w", b, err)
		}
		clipped := tensorutil.Clip(output, 0, 1)
		samples := make([]scored, batch.Size())
		for k := range samples {
			pred, h, w, err := tensorutil.Plane(clipped, k, 0)
			if err != nil {
				return EvalResult{}, err
			}
			gt, _, _, err := tensorutil.Plane(labels, k, 0)
			if err != nil {
				return EvalResult{}, err
			}
			pred, ph, pw := dataset.Unpad(pred, h, w, batch.PadNums[k])
			gt, _, _ = dataset.Unpad(gt, h, w, batch.PadNums[k])
			psnr, ssim, err := m.Add(pred, gt, ph, pw)
			if err != nil {
				return EvalResult{}, fmt.Errorf("test batch %d sample %d: %w", b, k, err)
			}
			samples[k] = scored{batch: b, name: batch.Names[k], psnr: psnr, ssim: ssim, pred: pred, h: ph, w: pw}
		}
		if fn != nil {
			if err := fn(batch, b, output, samples); err != nil {
				return EvalResult{}, err
			}
		}
	}
	return m.Summary(), nil
}

// Evaluate scores the test set and returns mean and standard deviation of
// PSNR and SSIM.
func (t *Trainer) Evaluate(ctx context.Context) (EvalResult, error) {
	t.logger.Info("start evaluating", zap.Int("samples", t.testSet.Len()))
	return t.runTest(ctx, nil)
}

// Test scores the test set like Evaluate, logs every sample, saves the
// configured visualization batches and, with save_test_results, writes the
// clipped predictions as an [N,H,W] .npy array.
func (t *Trainer) Test(ctx context.Context) (EvalResult, error) {
	cfg := t.cfg
	primary := cfg.IsPrimary()
	visBatches, err := cfg.VisBatches()
	if err != nil {
		return EvalResult{}, err
	}
	t.logger.Info("start testing", zap.Int("samples", t.testSet.Len()))

	var (
		predictions []float32
		ph, pw      int
		count       int
	)
	res, err := t.runTest(ctx, func(batch *dataloader.Batch, b int, output *tensor.Dense, samples []scored) error {
		if primary && slices.Contains(visBatches, b) {
			prefix := fmt.Sprintf("test_%d", b)
			images, labels := batch.Tensors[dataset.KeyImages], batch.Tensors[dataset.KeyLabels]
			if _, err := SaveComparison(cfg.TestDir, prefix, images, output, labels); err != nil {
				return fmt.Errorf("visualize %s: %w", prefix, err)
			}
		}
		for _, s := range samples {
			t.logger.Info("test sample", zap.String("name", s.name), zap.String("psnr", fmt.Sprintf("%.4f", s.psnr)), zap.String("ssim", fmt.Sprintf("%.4f", s.ssim)))
			if !cfg.SaveTestResults {
				continue
			}
			if predictions == nil {
				ph, pw = s.h, s.w
				predictions = make([]float32, t.testSet.Len()*ph*pw)
			}
			if s.h != ph || s.w != pw {
				return fmt.Errorf("prediction %s is %dx%d, array holds %dx%d", s.name, s.h, s.w, ph, pw)
			}
			copy(predictions[count*ph*pw:], s.pred)
			count++
		}
		return nil
	})
	if err != nil {
		return EvalResult{}, err
	}
	t.logger.Info("average mean", res.Fields(PSNR, SSIM, MAE, RMSE)...)
	t.logger.Info("average std", zap.String("psnr", fmt.Sprintf("%.4f", res.PSNRStd)), zap.String("ssim", fmt.Sprintf("%.4f", res.SSIMStd)))

	if cfg.SaveTestResults && primary && predictions != nil {
		path, err := t.writePredictions(tensorutil.New([]int{t.testSet.Len(), ph, pw}, predictions))
		if err != nil {
			return res, err
		}
		t.logger.Info("predictions written", zap.String("path", path))
	}
	return res, nil
}

// PredictionsPath is where Test writes the prediction array.
func (t *Trainer) PredictionsPath() string {
	name := fmt.Sprintf("%s-%s-%s.npy", t.cfg.Name, t.cfg.NetName, t.cfg.Modal)
	return filepath.Join(t.cfg.SaveTestRoot, name)
}

func (t *Trainer) writePredictions(arr *tensor.Dense) (string, error) {
	path := t.PredictionsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := tensorutil.WriteNpy(f, arr); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, f.Close()
}
