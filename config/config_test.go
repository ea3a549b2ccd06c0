package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.InputChannels())
	assert.Equal(t, 4, cfg.Scales())
}

func TestInputChannels(t *testing.T) {
	cfg := Default()
	cfg.InBg = true
	assert.Equal(t, 6, cfg.InputChannels())
	cfg.InTrimap = true
	assert.Equal(t, 7, cfg.InputChannels())
	cfg.InBg = false
	assert.Equal(t, 4, cfg.InputChannels())
}

func TestValidateRejectsUnsupportedScales(t *testing.T) {
	for _, ms := range []int{0, 1, 5} {
		cfg := Default()
		cfg.MSNum = ms
		err := cfg.Validate()
		require.Error(t, err, "ms_num=%d", ms)
		assert.True(t, IsUnsupported(err))
	}

	// refine mode ignores ms_num
	cfg := Default()
	cfg.Refine = true
	cfg.MSNum = 1
	cfg.Predictor = "coarse/checkpointdir"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Scales())
}

func TestValidateRequiresPredictorInRefineMode(t *testing.T) {
	cfg := Default()
	cfg.Refine = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "predictor", err.(*UnsupportedConfigError).Option)
}

func TestValidateCropAlignment(t *testing.T) {
	cfg := Default()
	cfg.CropH, cfg.CropW = 100, 100
	assert.True(t, IsUnsupported(cfg.Validate()))

	cfg.Refine, cfg.Predictor = true, "p"
	cfg.CropH, cfg.CropW = 104, 104
	assert.True(t, IsUnsupported(cfg.Validate()))

	cfg.CropH, cfg.CropW = 128, 192
	cfg.ScaleH, cfg.ScaleW = 128, 192
	assert.NoError(t, cfg.Validate())
}

func TestValidatePositiveIntervals(t *testing.T) {
	cfg := Default()
	cfg.TrainDisplay = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train_display")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "run.yaml", []byte("ms_num: 3\nlr: 0.001\nuse_BN: false\n"), 0644))

	cfg, err := LoadFile(fs, "run.yaml", Default())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MSNum)
	assert.Equal(t, 0.001, cfg.LR)
	assert.False(t, cfg.UseBN)
	assert.Equal(t, 448, cfg.CropH)

	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("no_such_option: 1\n"), 0644))
	_, err = LoadFile(fs, "bad.yaml", Default())
	assert.Error(t, err)

	_, err = LoadFile(fs, "missing.yaml", Default())
	assert.Error(t, err)
}

func TestRunDirs(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	cfg := Default()
	cfg.InBg = true
	cfg.Resume = "old/checkpointdir"
	logDir, save := cfg.RunDirs(now)
	assert.True(t, strings.HasPrefix(logDir, "data/training/2024-03-05_CoarseNet_scale_h-512_crop_h-448_flow_w-0.01"))
	assert.True(t, strings.HasSuffix(logDir, "_lr-0.0001_inBg_resume/logdir"))
	assert.True(t, strings.HasSuffix(save, "/checkpointdir"))

	cfg.Debug = true
	cfg.Prefix = "x"
	logDir, _ = cfg.RunDirs(now)
	assert.Equal(t, "data/training/2024-03-05_x_debug/logdir", logDir)
}

func TestFinalizeDebugOverrides(t *testing.T) {
	cfg := Default()
	cfg.Debug = true
	cfg.Finalize(time.Now())
	assert.Equal(t, 10, cfg.MaxImageNum)
	assert.Equal(t, 1, cfg.TrainSave)
	assert.Equal(t, 1, cfg.TrainDisplay)
	assert.Equal(t, 100, cfg.ValSave)
	assert.NotEmpty(t, cfg.LogDir)

	fs := afero.NewMemMapFs()
	require.NoError(t, cfg.MakeDirs(fs))
	ok, err := afero.DirExists(fs, cfg.Save)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOptionalDirs(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.ResumeDir())
	assert.Empty(t, cfg.RetrainDir())
	cfg.Retrain = "a/b"
	assert.Equal(t, "a/b", cfg.RetrainDir())
}
