// Command denoise trains and tests MRI denoising networks.
//
//	denoise train --name exp1 --trainset SyntheticTrainSet --testset SyntheticTestSet
//	denoise test --resume experiments/exp1/snapshot/net_best.pth --save_test_results
//
// Distributed runs start one process per rank with --launcher pytorch and the
// RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT variables set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-denoise/config"
	"github.com/tsawler/go-denoise/device"
	"github.com/tsawler/go-denoise/distributed"
	"github.com/tsawler/go-denoise/logging"
	"github.com/tsawler/go-denoise/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	root := &cobra.Command{
		Use:           "denoise",
		Short:         "Train and test MRI denoising networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file; explicit flags override it")
	config.BindFlags(root.PersistentFlags(), cfg)

	phaseCmd := func(phase, short string) *cobra.Command {
		return &cobra.Command{
			Use:   phase,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				resolved, err := config.Resolve(cmd.Flags(), cfg, configPath)
				if err != nil {
					return err
				}
				resolved.Phase = phase
				return run(cmd.Context(), resolved)
			},
		}
	}
	root.AddCommand(
		phaseCmd(config.PhaseTrain, "Train a network and keep the best validation checkpoint"),
		phaseCmd(config.PhaseTest, "Score a checkpoint on the test set"),
	)
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Finalize(time.Now()); err != nil {
		return err
	}

	var (
		group distributed.ProcessGroup = distributed.LocalGroup{}
		env   distributed.Env
		err   error
	)
	if cfg.Dist {
		if env, err = distributed.EnvFromOS(); err != nil {
			return err
		}
		cfg.Rank, cfg.WorldSize, cfg.LocalRank = env.Rank, env.WorldSize, env.LocalRank
	}

	logFile := ""
	if cfg.IsPrimary() {
		logFile = cfg.LogFile
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, File: logFile, Rank: cfg.Rank})
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Dist {
		if group, err = distributed.Init(ctx, env, logger); err != nil {
			return fmt.Errorf("init process group: %w", err)
		}
		defer group.Close()
	}

	dev := device.Select(cfg.GPUs, cfg.Rank, 0)
	if cfg.IsPrimary() {
		device.Report(logger, dev)
		logger.Info("options", zap.String("config", cfg.String()))
		if err := cfg.Save(filepath.Join(cfg.RunDir, cfg.Phase+"_options.yaml")); err != nil {
			return err
		}
	}

	trainer, err := training.NewTrainer(ctx, cfg,
		training.WithLogger(logger),
		training.WithProcessGroup(group),
		training.WithDevice(dev),
	)
	if err != nil {
		return err
	}
	defer trainer.Close()

	switch cfg.Phase {
	case config.PhaseTrain:
		return trainer.Train(ctx)
	default:
		res, err := trainer.Test(ctx)
		if err != nil {
			return err
		}
		fields := []zap.Field{zap.Int("samples", res.Count)}
		fields = append(fields, res.Fields(training.PSNR, training.SSIM, training.MAE, training.RMSE)...)
		logger.Info("test finished", fields...)
		return nil
	}
}
