package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers every configuration flag on fs, writing into cfg. The
// current values of cfg become the flag defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Name, "name", cfg.Name, "experiment name, used as the run directory")
	fs.StringVar(&cfg.Phase, "phase", cfg.Phase, "train | test")
	fs.Int64Var(&cfg.RandomSeed, "random_seed", cfg.RandomSeed, "seed for samplers, weight init, augmentation and critic crops")

	fs.StringVar(&cfg.GPUIDs, "gpu_ids", cfg.GPUIDs, "gpu ids: e.g. 0  0,1,2, 0,2. use -1 for CPU")
	fs.StringVar(&cfg.Launcher, "launcher", cfg.Launcher, "job launcher: none | pytorch")
	fs.IntVar(&cfg.LocalRank, "local_rank", cfg.LocalRank, "local rank set by the launcher")

	fs.StringVar(&cfg.NetName, "net_name", cfg.NetName, "RESUNET | DNCNN | CONV")
	fs.IntVar(&cfg.InputNC, "input_nc", cfg.InputNC, "input channels")
	fs.IntVar(&cfg.OutputNC, "output_nc", cfg.OutputNC, "output channels")
	fs.IntVar(&cfg.Chans, "chans", cfg.Chans, "feature channels")
	fs.IntVar(&cfg.NLayers, "nlayers", cfg.NLayers, "network depth")

	fs.StringVar(&cfg.TrainDataRoot, "traindata_root", cfg.TrainDataRoot, "training data root")
	fs.StringVar(&cfg.TestDataRoot, "testdata_root", cfg.TestDataRoot, "test data root")
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "M4Raw | fastMRI | Synthetic")
	fs.StringVar(&cfg.Modal, "modal", cfg.Modal, "T1 | T2 | FLAIR | ALL")
	fs.StringVar(&cfg.TrainSet, "trainset", cfg.TrainSet, "TrainSet | FastMRITrainSet | SyntheticTrainSet")
	fs.StringVar(&cfg.TestSet, "testset", cfg.TestSet, "TestSet | FastMRITestSet | SyntheticTestSet")
	fs.StringVar(&cfg.SaveTestRoot, "save_test_root", cfg.SaveTestRoot, "directory for test predictions")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "training batch size")
	fs.IntVar(&cfg.NumWorkers, "num_workers", cfg.NumWorkers, "sample loaders per batch (0 = one per physical core)")
	fs.BoolVar(&cfg.DataAugmentation, "data_augmentation", cfg.DataAugmentation, "enable flips and rotations once validation improves")
	fs.IntVar(&cfg.PadMultiple, "pad_multiple", cfg.PadMultiple, "zero-pad slices to a multiple of this size")
	fs.IntVar(&cfg.CacheSize, "cache_size", cfg.CacheSize, "decoded slices kept in memory (0 disables)")
	fs.IntVar(&cfg.SyntheticSize, "synthetic_size", cfg.SyntheticSize, "side of synthetic phantoms")
	fs.IntVar(&cfg.SyntheticCount, "synthetic_count", cfg.SyntheticCount, "number of synthetic training phantoms")
	fs.Float64Var(&cfg.SyntheticSigma, "synthetic_sigma", cfg.SyntheticSigma, "Rician noise level of synthetic phantoms")

	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "generator learning rate")
	fs.Float64Var(&cfg.LRD, "lr_D", cfg.LRD, "critic learning rate")
	fs.Float64Var(&cfg.WeightDecay, "weight_decay", cfg.WeightDecay, "weight decay")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "adamw | adam | sgd")
	fs.StringVar(&cfg.LRScheduler, "lr_scheduler", cfg.LRScheduler, "cosine | step | constant")
	fs.IntVar(&cfg.LRTMax, "lr_tmax", cfg.LRTMax, "cosine annealing horizon in epochs")
	fs.IntVar(&cfg.StartIter, "start_iter", cfg.StartIter, "first epoch")
	fs.IntVar(&cfg.MaxIter, "max_iter", cfg.MaxIter, "last epoch (exclusive)")

	fs.BoolVar(&cfg.LossL1, "loss_l1", cfg.LossL1, "enable the L1 loss")
	fs.BoolVar(&cfg.LossMSE, "loss_mse", cfg.LossMSE, "enable the MSE loss")
	fs.BoolVar(&cfg.LossAdv, "loss_adv", cfg.LossAdv, "enable the adversarial loss")
	fs.StringVar(&cfg.GANType, "gan_type", cfg.GANType, "WGAN_GP | GAN")
	fs.Float64Var(&cfg.LambdaL1, "lambda_l1", cfg.LambdaL1, "L1 weight")
	fs.Float64Var(&cfg.LambdaMSE, "lambda_mse", cfg.LambdaMSE, "MSE weight")
	fs.Float64Var(&cfg.LambdaAdv, "lambda_adv", cfg.LambdaAdv, "adversarial weight")
	fs.IntVar(&cfg.TrainCropSize, "train_crop_size", cfg.TrainCropSize, "critic crop size")

	fs.StringVar(&cfg.Resume, "resume", cfg.Resume, "network checkpoint to start from")
	fs.StringVar(&cfg.ResumeOptim, "resume_optim", cfg.ResumeOptim, "optimizer checkpoint to restore")
	fs.StringVar(&cfg.ResumeScheduler, "resume_scheduler", cfg.ResumeScheduler, "scheduler checkpoint to restore")

	fs.IntVar(&cfg.LogFreq, "log_freq", cfg.LogFreq, "log every N batches")
	fs.IntVar(&cfg.VisFreq, "vis_freq", cfg.VisFreq, "write visualizations every N batches")
	fs.IntVar(&cfg.SaveEpochFreq, "save_epoch_freq", cfg.SaveEpochFreq, "checkpoint every N epochs")
	fs.StringVar(&cfg.SaveFolder, "save_folder", cfg.SaveFolder, "output root")
	fs.IntVar(&cfg.VisStepFreq, "vis_step_freq", cfg.VisStepFreq, "dashboard scalars every N steps")
	fs.BoolVar(&cfg.UseTBLogger, "use_tb_logger", cfg.UseTBLogger, "record scalars for the dashboard")
	fs.StringVar(&cfg.TBLoggerDir, "tb_logger_dir", cfg.TBLoggerDir, "dashboard scalar directory")
	fs.BoolVar(&cfg.SaveTestResults, "save_test_results", cfg.SaveTestResults, "write test predictions as .npy")
	fs.StringVar(&cfg.TestVisBatches, "test_vis_batches", cfg.TestVisBatches, "test batches to visualize")
	fs.IntVar(&cfg.EvalStartEpoch, "eval_start_epoch", cfg.EvalStartEpoch, "validate after this epoch")
	fs.IntVar(&cfg.AugStartEpoch, "aug_start_epoch", cfg.AugStartEpoch, "allow augmentation after this epoch")
	fs.StringVar(&cfg.CheckpointFormat, "checkpoint_format", cfg.CheckpointFormat, "pth | json")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "debug | info | warn | error")
}

// Resolve builds the final configuration. Without a config file it returns
// the flag-bound cfg. With one, the file is loaded and every flag the user
// set explicitly is replayed on top of it.
func Resolve(fs *pflag.FlagSet, cfg *Config, path string) (*Config, error) {
	if path == "" {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	fileCfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	replay := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	BindFlags(replay, fileCfg)

	var replayErr error
	fs.Visit(func(f *pflag.Flag) {
		if replayErr != nil || replay.Lookup(f.Name) == nil {
			return
		}
		if err := replay.Set(f.Name, f.Value.String()); err != nil {
			replayErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if replayErr != nil {
		return nil, replayErr
	}
	return fileCfg, nil
}
