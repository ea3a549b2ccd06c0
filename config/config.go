package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

// Config holds every option of a training run. It is read-only once
// Finalize has been called.
type Config struct {
	// Dataset
	Dataset     string  `yaml:"dataset" arg:"--dataset" help:"dataset: list|synthetic"`
	DataDir     string  `yaml:"data_dir" arg:"--data_dir" help:"training dataset path"`
	TrainList   string  `yaml:"train_list" arg:"--train_list" help:"train list"`
	ValList     string  `yaml:"val_list" arg:"--val_list" help:"val list"`
	DataAug     bool    `yaml:"data_aug" arg:"--data_aug" help:"data augmentation"`
	ScaleH      int     `yaml:"scale_h" arg:"--scale_h" help:"rescale height"`
	ScaleW      int     `yaml:"scale_w" arg:"--scale_w" help:"rescale width"`
	CropH       int     `yaml:"crop_h" arg:"--crop_h" help:"crop height"`
	CropW       int     `yaml:"crop_w" arg:"--crop_w" help:"crop width"`
	Noise       float64 `yaml:"noise" arg:"--noise" help:"noise level"`
	RotAng      float64 `yaml:"rot_ang" arg:"--rot_ang" help:"angle for rotating data"`
	MaxImageNum int     `yaml:"max_image_num" arg:"--max_image_num" help:">0 for max number of images"`

	// Device
	ManualSeed int64  `yaml:"manual_seed" arg:"--manual_seed" help:"manually set RNG seed"`
	Device     string `yaml:"device" arg:"--device" help:"cpu|gpu"`
	NThreads   int    `yaml:"n_threads" arg:"--n_threads" help:"number of data loading threads"`

	// Training
	StartEpoch   int     `yaml:"start_epoch" arg:"--start_epoch" help:"start epoch for restart"`
	NEpochs      int     `yaml:"n_epochs" arg:"--n_epochs" help:"number of total epochs to run"`
	BatchSize    int     `yaml:"batch_size" arg:"--batch_size" help:"mini-batch size"`
	LR           float64 `yaml:"lr" arg:"--lr" help:"initial learning rate"`
	LRDecayStart int     `yaml:"lr_decay_start" arg:"--lr_decay_start" help:"epoch when lr starts to decay"`
	LRDecayStep  int     `yaml:"lr_decay_step" arg:"--lr_decay_step" help:"epochs between lr halvings"`
	Solver       string  `yaml:"solver" arg:"--solver" help:"solver (ADAM only)"`
	Beta1        float64 `yaml:"beta_1" arg:"--beta_1" help:"first param of Adam optimizer"`
	Beta2        float64 `yaml:"beta_2" arg:"--beta_2" help:"second param of Adam optimizer"`

	// Network
	NetworkType  string `yaml:"network_type" arg:"--network_type" help:"network name used in run directories"`
	UseBN        bool   `yaml:"use_BN" arg:"--use_BN" help:"batch normalization in encoders and decoders"`
	MSNum        int    `yaml:"ms_num" arg:"--ms_num" help:"multiscale level (2-4)"`
	InBg         bool   `yaml:"in_bg" arg:"--in_bg" help:"take background as input"`
	InTrimap     bool   `yaml:"in_trimap" arg:"--in_trimap" help:"take trimap as input"`
	Refine       bool   `yaml:"refine" arg:"--refine" help:"train the single-scale refinement network"`
	Predictor    string `yaml:"predictor" arg:"--predictor" help:"checkpoint dir of the coarse network used in refine mode"`
	BaseChannels int    `yaml:"base_channels" arg:"--base_channels" help:"channels of the first encoder stage"`
	RIRBDepth    int    `yaml:"rirb_depth" arg:"--rirb_depth" help:"residual blocks per residual-in-residual block"`
	Reduction    int    `yaml:"reduction" arg:"--reduction" help:"channel attention reduction"`

	// Checkpoint
	Resume       string `yaml:"resume" arg:"--resume" help:"reload checkpoint and optimizer state"`
	Retrain      string `yaml:"retrain" arg:"--retrain" help:"reload checkpoint only"`
	Suffix       string `yaml:"suffix" arg:"--suffix" help:"checkpoint suffix"`
	SaveInterval int    `yaml:"save_interval" arg:"--save_interval" help:"epochs between checkpoints"`
	SaveNew      int    `yaml:"save_new" arg:"--save_new" help:"epochs covered by one rotated checkpoint (0 overwrites)"`

	// Loss
	FlowW float64 `yaml:"flow_w" arg:"--flow_w" help:"flow weight"`
	ImgW  float64 `yaml:"img_w" arg:"--img_w" help:"image reconstruction weight"`
	MaskW float64 `yaml:"mask_w" arg:"--mask_w" help:"mask weight"`
	RhoW  float64 `yaml:"rho_w" arg:"--rho_w" help:"attenuation weight"`

	// Display
	TrainDisplay int  `yaml:"train_display" arg:"--train_display" help:"iterations between train loss displays"`
	TrainSave    int  `yaml:"train_save" arg:"--train_save" help:"iterations between saved train results"`
	ValInterval  int  `yaml:"val_interval" arg:"--val_interval" help:"epochs between validations"`
	ValDisplay   int  `yaml:"val_display" arg:"--val_display" help:"iterations between val loss displays"`
	ValSave      int  `yaml:"val_save" arg:"--val_save" help:"iterations between saved val results"`
	ValOnly      bool `yaml:"val_only" arg:"--val_only" help:"run on validation set only"`

	// Log
	Prefix       string `yaml:"prefix" arg:"--prefix" help:"prefix of the log directory"`
	Debug        bool   `yaml:"debug" arg:"--debug" help:"debug mode"`
	LogJSON      bool   `yaml:"log_json" arg:"--log_json" help:"JSON log output"`
	TrainingRoot string `yaml:"training_root" arg:"--training_root" help:"root of run directories"`

	// Derived by Finalize.
	LogDir    string    `yaml:"-" arg:"-"`
	Save      string    `yaml:"-" arg:"-"`
	StartTime time.Time `yaml:"-" arg:"-"`
}

// Default returns the options of a standard coarse training run.
func Default() Config {
	return Config{
		Dataset:     "list",
		DataDir:     "data/datasets/TOM-Net_Synth_Train_178k",
		TrainList:   "train_simple_98k.txt",
		ValList:     "val_imglist.txt",
		DataAug:     true,
		ScaleH:      512,
		ScaleW:      512,
		CropH:       448,
		CropW:       448,
		Noise:       0.05,
		RotAng:      0.3,
		MaxImageNum: -1,

		Device:   "cpu",
		NThreads: 8,

		StartEpoch:   1,
		NEpochs:      20,
		BatchSize:    4,
		LR:           1e-4,
		LRDecayStart: 10,
		LRDecayStep:  5,
		Solver:       "ADAM",
		Beta1:        0.9,
		Beta2:        0.999,

		NetworkType:  "CoarseNet",
		UseBN:        true,
		MSNum:        4,
		BaseChannels: 16,
		RIRBDepth:    10,
		Reduction:    16,

		Resume:       "none",
		Retrain:      "none",
		SaveInterval: 1,
		SaveNew:      1,

		FlowW: 0.01,
		ImgW:  1,
		MaskW: 0.1,
		RhoW:  1,

		TrainDisplay: 20,
		TrainSave:    300,
		ValInterval:  1,
		ValDisplay:   5,
		ValSave:      5,

		TrainingRoot: "data/training",
	}
}

// LoadFile reads a YAML file over base. Keys missing from the file keep
// base's values.
func LoadFile(fs afero.Fs, path string, base Config) (Config, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return base, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := Parse(buf, base)
	return cfg, errors.Wrapf(err, "parsing config %s", path)
}

// Parse reads YAML options over base.
func Parse(buf []byte, base Config) (Config, error) {
	cfg := base
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return base, errors.WithStack(err)
	}
	return cfg, nil
}

// InputChannels is the channel count of the base network input: the target
// image, plus the background image and the trimap when enabled.
func (c *Config) InputChannels() int {
	n := 3
	if c.InBg {
		n += 3
	}
	if c.InTrimap {
		n++
	}
	return n
}

// Scales is the number of predictions the trained network emits.
func (c *Config) Scales() int {
	if c.Refine {
		return 1
	}
	return c.MSNum
}

// ResumeDir and RetrainDir return "" when the option is unset.
func (c *Config) ResumeDir() string  { return optionalDir(c.Resume) }
func (c *Config) RetrainDir() string { return optionalDir(c.Retrain) }

func optionalDir(v string) string {
	if v == "" || strings.EqualFold(v, "none") {
		return ""
	}
	return v
}

// Validate checks the options that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if !c.Refine && (c.MSNum < 2 || c.MSNum > 4) {
		return &UnsupportedConfigError{Option: "ms_num", Value: c.MSNum, Reason: "the multi-scale network emits 2, 3 or 4 scales"}
	}
	if c.Refine && c.Predictor == "" {
		return &UnsupportedConfigError{Option: "predictor", Value: c.Predictor, Reason: "refine mode needs the checkpoint dir of a coarse network"}
	}
	// the coarse network, also run as predictor in refine mode, halves the
	// input six times
	const align = 64
	if c.CropH <= 0 || c.CropH%align != 0 || c.CropW <= 0 || c.CropW%align != 0 {
		return &UnsupportedConfigError{
			Option: "crop_h/crop_w",
			Value:  fmt.Sprintf("%dx%d", c.CropH, c.CropW),
			Reason: fmt.Sprintf("crop sizes must be positive multiples of %d", align),
		}
	}
	if c.ScaleH < c.CropH || c.ScaleW < c.CropW {
		return &UnsupportedConfigError{Option: "scale_h/scale_w", Value: fmt.Sprintf("%dx%d", c.ScaleH, c.ScaleW), Reason: "rescaled size must cover the crop"}
	}
	positive := []struct {
		name string
		v    int
	}{
		{"batch_size", c.BatchSize},
		{"n_epochs", c.NEpochs},
		{"start_epoch", c.StartEpoch},
		{"train_display", c.TrainDisplay},
		{"train_save", c.TrainSave},
		{"val_interval", c.ValInterval},
		{"val_display", c.ValDisplay},
		{"val_save", c.ValSave},
		{"save_interval", c.SaveInterval},
		{"base_channels", c.BaseChannels},
		{"rirb_depth", c.RIRBDepth},
		{"reduction", c.Reduction},
		{"n_threads", c.NThreads},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &UnsupportedConfigError{Option: p.name, Value: p.v, Reason: "must be positive"}
		}
	}
	if c.SaveNew < 0 {
		return &UnsupportedConfigError{Option: "save_new", Value: c.SaveNew, Reason: "must not be negative"}
	}
	switch c.Device {
	case "cpu", "gpu":
	default:
		return &UnsupportedConfigError{Option: "device", Value: c.Device, Reason: "expected cpu or gpu"}
	}
	switch c.Dataset {
	case "list", "synthetic":
	default:
		return &UnsupportedConfigError{Option: "dataset", Value: c.Dataset, Reason: "expected list or synthetic"}
	}
	return nil
}

// Finalize applies debug overrides and derives the run directories.
func (c *Config) Finalize(now time.Time) {
	if c.Debug {
		c.MaxImageNum = 10
		c.TrainSave = 1
		c.TrainDisplay = 1
		c.ValSave = 100
	}
	c.StartTime = now
	c.LogDir, c.Save = c.RunDirs(now)
}

// RunDirs names the log and checkpoint directories of a run started at now.
func (c *Config) RunDirs(now time.Time) (logDir, save string) {
	date := now.Format("2006-01-02")
	name := date + c.Prefix + "_" + c.NetworkType
	for _, p := range []struct {
		key string
		v   interface{}
	}{
		{"scale_h", c.ScaleH},
		{"crop_h", c.CropH},
		{"flow_w", c.FlowW},
		{"mask_w", c.MaskW},
		{"rho_w", c.RhoW},
		{"img_w", c.ImgW},
		{"lr", c.LR},
	} {
		name += fmt.Sprintf("_%s-%v", p.key, p.v)
	}
	if c.InTrimap {
		name += "_trimap"
	}
	if c.InBg {
		name += "_inBg"
	}
	if c.RetrainDir() != "" {
		name += "_retrain"
	}
	if c.ResumeDir() != "" {
		name += "_resume"
	}
	if c.ValOnly {
		name += "_valOnly"
	}
	if c.Debug {
		name = date + "_" + c.Prefix + "_debug"
	}
	root := filepath.Join(c.TrainingRoot, name)
	return filepath.Join(root, "logdir"), filepath.Join(root, "checkpointdir")
}

// MakeDirs creates the log and checkpoint directories.
func (c *Config) MakeDirs(fs afero.Fs) error {
	for _, d := range []string{c.LogDir, c.Save} {
		if err := fs.MkdirAll(d, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", d)
		}
	}
	return nil
}

// Marshal renders the options as YAML, used as checkpoint metadata.
func (c *Config) Marshal() (string, error) {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "marshalling config")
	}
	return string(buf), nil
}
