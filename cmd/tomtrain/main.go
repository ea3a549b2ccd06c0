// Command tomtrain trains the transparent-object matting networks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/openfluke/tomnet/checkpoint"
	"github.com/openfluke/tomnet/config"
	"github.com/openfluke/tomnet/data"
	"github.com/openfluke/tomnet/gpu"
	"github.com/openfluke/tomnet/model"
	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/tomnet/train"
	"github.com/openfluke/tomnet/visual"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	syntheticTrainItems = 2000
	syntheticValItems   = 200
	resultTileSize      = 256
)

type args struct {
	ConfigFile string `arg:"--config" help:"YAML file with options; flags override it"`
	config.Config
}

func (args) Description() string {
	return "Trains the multi-scale transparent-object matting network (or its refinement stage)."
}

// parseArgs reads flags, then the optional YAML file, then the flags again
// so that they take precedence over the file.
func parseArgs(fs afero.Fs, argv []string) (*config.Config, error) {
	a := args{Config: config.Default()}
	p, err := arg.NewParser(arg.Config{Program: "tomtrain"}, &a)
	if err != nil {
		return nil, err
	}
	if err := p.Parse(argv); err != nil {
		if err == arg.ErrHelp {
			p.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return nil, err
	}
	if a.ConfigFile == "" {
		return &a.Config, nil
	}
	cfg, err := config.LoadFile(fs, a.ConfigFile, config.Default())
	if err != nil {
		return nil, err
	}
	a = args{ConfigFile: a.ConfigFile, Config: cfg}
	if err := p.Parse(argv); err != nil {
		return nil, err
	}
	return &a.Config, nil
}

// newLogger sends errors to stderr and everything else to stdout.
func newLogger(jsonOutput bool) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encoder := zapcore.NewConsoleEncoder(encCfg)
	if jsonOutput {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}
	isError := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	isInfo := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel })
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isError),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfo),
	)
	return zap.New(core, zap.AddCaller())
}

func main() {
	fs := afero.NewOsFs()
	cfg, err := parseArgs(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "tomtrain:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogJSON)
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, fs, cfg, log); err != nil {
		stage := train.StageOf(err)
		if stage == "" {
			stage = train.StageSetup
		}
		log.Errorw("training failed", "stage", stage, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, fs afero.Fs, cfg *config.Config, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Finalize(time.Now())
	if err := cfg.MakeDirs(fs); err != nil {
		return err
	}
	log.Infow("run directories", "log_dir", cfg.LogDir, "save", cfg.Save)
	if cfg.DataAug {
		log.Warn("data augmentation is not implemented, samples are only rescaled and center cropped")
	}

	if cfg.Device == "gpu" {
		gpu.SetLogger(log)
		acc, err := gpu.NewConv2DAccelerator()
		if err != nil {
			return errors.Wrap(err, "initializing gpu")
		}
		defer acc.Release()
		nn.SetAccelerator(acc)
		defer nn.SetAccelerator(nil)
	}

	ds, err := newDataset(fs, cfg)
	if err != nil {
		return &train.StageError{Stage: train.StageData, Err: err}
	}

	net, err := model.New(cfg)
	if err != nil {
		return err
	}
	opt, err := nn.NewOptimizer(cfg.Solver, float32(cfg.LR), float32(cfg.Beta1), float32(cfg.Beta2))
	if err != nil {
		return err
	}

	startEpoch := cfg.StartEpoch
	if dir := cfg.RetrainDir(); dir != "" {
		snap, err := checkpoint.LatestWeights(fs, dir)
		if err != nil {
			return err
		}
		if err := snap.Restore(net.Parameters()); err != nil {
			return err
		}
		log.Infow("[Retrain] loaded weights", "dir", dir, "epoch", snap.Epoch)
	}
	if dir := cfg.ResumeDir(); dir != "" {
		snap, err := checkpoint.Latest(fs, dir)
		if err != nil {
			return err
		}
		if err := snap.Restore(net.Parameters()); err != nil {
			return err
		}
		if err := opt.LoadState(snap.Optim); err != nil {
			return &checkpoint.LoadError{Path: dir, Err: err}
		}
		startEpoch = snap.Epoch + 1
		log.Infow("[Resume] loaded checkpoint and optimizer state", "dir", dir, "epoch", snap.Epoch)
	}

	var predictor model.Network
	if cfg.Refine {
		if predictor, err = loadPredictor(fs, cfg, log); err != nil {
			return err
		}
	}

	hist, err := checkpoint.LoadHistory(fs, cfg.Save, log)
	if err != nil {
		return err
	}
	tr, err := train.New(cfg, train.Deps{
		Net:       net,
		Predictor: predictor,
		Optimizer: opt,
		Sink:      &visual.PNGSink{Fs: fs, TileSize: resultTileSize},
		Store:     &checkpoint.Store{Fs: fs, Dir: cfg.Save, SaveNew: cfg.SaveNew, Log: log},
		History:   hist,
		Log:       log,
	})
	if err != nil {
		return err
	}
	return tr.Run(ctx, ds, startEpoch)
}

func newDataset(fs afero.Fs, cfg *config.Config) (data.Dataset, error) {
	if cfg.Dataset == "synthetic" {
		return &data.Synthetic{
			Height:     cfg.CropH,
			Width:      cfg.CropW,
			Batch:      cfg.BatchSize,
			TrainItems: syntheticTrainItems,
			ValItems:   syntheticValItems,
			Seed:       cfg.ManualSeed,
		}, nil
	}
	return data.NewListDataset(fs, data.ListOptions{
		DataDir:   cfg.DataDir,
		TrainList: cfg.TrainList,
		ValList:   cfg.ValList,
		Batch:     cfg.BatchSize,
		ScaleH:    cfg.ScaleH,
		ScaleW:    cfg.ScaleW,
		CropH:     cfg.CropH,
		CropW:     cfg.CropW,
		Trimap:    cfg.InTrimap,
		Workers:   cfg.NThreads,
	})
}

// loadPredictor rebuilds the coarse network from the options stored with
// its checkpoint and loads its weights. The predictor must take the same
// input channels as the refinement network's base input.
func loadPredictor(fs afero.Fs, cfg *config.Config, log *zap.SugaredLogger) (model.Network, error) {
	dir := cfg.Predictor
	snap, err := checkpoint.LatestWeights(fs, dir)
	if err != nil {
		return nil, err
	}
	pcfg, err := config.Parse([]byte(snap.Meta["config"]), config.Default())
	if err != nil {
		return nil, &checkpoint.LoadError{Path: dir, Err: errors.Wrap(err, "predictor options")}
	}
	if got, want := pcfg.InputChannels(), cfg.InputChannels(); got != want {
		return nil, &train.StageError{Stage: train.StageSetup, Err: &config.UnsupportedConfigError{
			Option: "predictor",
			Value:  dir,
			Reason: fmt.Sprintf("predictor takes %d input channels, refinement input has %d (check in_bg and in_trimap)", got, want),
		}}
	}
	pcfg.Refine = false
	net, err := model.New(&pcfg)
	if err != nil {
		return nil, err
	}
	if err := snap.Restore(net.Parameters()); err != nil {
		return nil, err
	}
	log.Infow("[Refine] loaded coarse predictor", "dir", dir, "epoch", snap.Epoch, "ms_num", pcfg.MSNum)
	return net, nil
}
