// Package checkpoint persists network weights, optimizer state and loss
// history of a training run.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	latestFile = "latest"

	metaEpoch   = "epoch"
	metaLR      = "lr"
	metaBeta1   = "beta1"
	metaBeta2   = "beta2"
	metaEpsilon = "epsilon"
	metaStep    = "step"
)

// LoadError is returned when a checkpoint directory cannot be read back.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("loading checkpoint %s: %v", e.Path, e.Err) }

func (e *LoadError) Cause() error { return e.Err }

// IsLoadError reports whether the cause of err is a LoadError.
func IsLoadError(err error) bool {
	_, ok := errors.Cause(err).(*LoadError)
	return ok
}

// Suffix names the checkpoint slot of epoch. With saveNew > 0 every run of
// saveNew epochs shares one slot named after its first epoch; otherwise a
// single slot is overwritten.
func Suffix(epoch, saveNew int) string {
	if saveNew <= 0 {
		return ""
	}
	first := floorDiv(epoch-1, saveNew)*saveNew + 1
	return strconv.Itoa(first)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func weightsName(suffix string) string { return "checkpoint" + suffix + ".safetensors" }
func optimName(suffix string) string   { return "optim_state" + suffix + ".safetensors" }

// Store writes checkpoints into Dir.
type Store struct {
	Fs      afero.Fs
	Dir     string
	SaveNew int
	Log     *zap.SugaredLogger
}

// Save writes the weights, the optimizer state and the latest pointer.
// meta is stored with the weights.
func (s *Store) Save(params []*nn.Parameter, opt *nn.AdamState, epoch int, meta map[string]string) error {
	if err := s.Fs.MkdirAll(s.Dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", s.Dir)
	}
	suffix := Suffix(epoch, s.SaveNew)

	wmeta := map[string]string{metaEpoch: strconv.Itoa(epoch)}
	for k, v := range meta {
		wmeta[k] = v
	}
	weights, err := nn.SerializeSafetensors(nn.ParametersToSafetensors(params), wmeta)
	if err != nil {
		return errors.Wrap(err, "serializing weights")
	}
	wpath := filepath.Join(s.Dir, weightsName(suffix))
	if err := afero.WriteFile(s.Fs, wpath, weights, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", wpath)
	}

	if opt != nil {
		tensors, ometa := encodeOptim(opt)
		ometa[metaEpoch] = strconv.Itoa(epoch)
		buf, err := nn.SerializeSafetensors(tensors, ometa)
		if err != nil {
			return errors.Wrap(err, "serializing optimizer state")
		}
		opath := filepath.Join(s.Dir, optimName(suffix))
		if err := afero.WriteFile(s.Fs, opath, buf, 0644); err != nil {
			return errors.Wrapf(err, "writing %s", opath)
		}
	}

	if err := afero.WriteFile(s.Fs, filepath.Join(s.Dir, latestFile), []byte(suffix), 0644); err != nil {
		return errors.Wrap(err, "writing latest pointer")
	}
	if s.Log != nil {
		s.Log.Infow("checkpoint saved", "epoch", epoch, "path", wpath, "size", humanize.Bytes(uint64(len(weights))))
	}
	return nil
}

func encodeOptim(opt *nn.AdamState) (map[string]nn.TensorWithShape, map[string]string) {
	tensors := make(map[string]nn.TensorWithShape, len(opt.M)+len(opt.V))
	for name, m := range opt.M {
		tensors["m."+name] = nn.TensorWithShape{DType: "F32", Shape: []int{len(m)}, Values: m}
	}
	for name, v := range opt.V {
		tensors["v."+name] = nn.TensorWithShape{DType: "F32", Shape: []int{len(v)}, Values: v}
	}
	meta := map[string]string{
		metaLR:      formatFloat(opt.LearningRate),
		metaBeta1:   formatFloat(opt.Beta1),
		metaBeta2:   formatFloat(opt.Beta2),
		metaEpsilon: formatFloat(opt.Epsilon),
		metaStep:    strconv.Itoa(opt.Step),
	}
	return tensors, meta
}

func decodeOptim(tensors map[string]nn.TensorWithShape, meta map[string]string) (*nn.AdamState, error) {
	st := &nn.AdamState{M: map[string][]float32{}, V: map[string][]float32{}}
	floats := []struct {
		key string
		dst *float32
	}{
		{metaLR, &st.LearningRate},
		{metaBeta1, &st.Beta1},
		{metaBeta2, &st.Beta2},
		{metaEpsilon, &st.Epsilon},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(meta[f.key], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "optimizer %s", f.key)
		}
		*f.dst = float32(v)
	}
	step, err := strconv.Atoi(meta[metaStep])
	if err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	st.Step = step

	for key, t := range tensors {
		switch {
		case strings.HasPrefix(key, "m."):
			st.M[strings.TrimPrefix(key, "m.")] = t.Values
		case strings.HasPrefix(key, "v."):
			st.V[strings.TrimPrefix(key, "v.")] = t.Values
		default:
			return nil, errors.Errorf("unexpected optimizer tensor %s", key)
		}
	}
	return st, nil
}

// formatFloat keeps every bit of a float32.
func formatFloat(v float32) string { return strconv.FormatFloat(float64(v), 'g', -1, 32) }

// Snapshot is a checkpoint read back from disk.
type Snapshot struct {
	Dir     string
	Suffix  string
	Epoch   int
	Weights map[string]nn.TensorWithShape
	Meta    map[string]string
	// Optim is nil when only the weights were loaded.
	Optim *nn.AdamState
}

// Restore copies the stored weights into params.
func (s *Snapshot) Restore(params []*nn.Parameter) error {
	if err := nn.LoadParameters(params, s.Weights); err != nil {
		return &LoadError{Path: filepath.Join(s.Dir, weightsName(s.Suffix)), Err: err}
	}
	return nil
}

// Latest loads the checkpoint the latest pointer of dir names, with its
// optimizer state.
func Latest(fs afero.Fs, dir string) (*Snapshot, error) {
	return load(fs, dir, true)
}

// LatestWeights loads only the weights of the latest checkpoint of dir.
func LatestWeights(fs afero.Fs, dir string) (*Snapshot, error) {
	return load(fs, dir, false)
}

func load(fs afero.Fs, dir string, withOptim bool) (*Snapshot, error) {
	pointer := filepath.Join(dir, latestFile)
	buf, err := afero.ReadFile(fs, pointer)
	if err != nil {
		return nil, &LoadError{Path: pointer, Err: err}
	}
	snap := &Snapshot{Dir: dir, Suffix: strings.TrimSpace(string(buf))}

	wpath := filepath.Join(dir, weightsName(snap.Suffix))
	weights, meta, err := readSafetensors(fs, wpath)
	if err != nil {
		return nil, &LoadError{Path: wpath, Err: err}
	}
	snap.Weights, snap.Meta = weights, meta
	if snap.Epoch, err = strconv.Atoi(meta[metaEpoch]); err != nil {
		return nil, &LoadError{Path: wpath, Err: errors.Wrap(err, "epoch metadata")}
	}

	if !withOptim {
		return snap, nil
	}
	opath := filepath.Join(dir, optimName(snap.Suffix))
	tensors, ometa, err := readSafetensors(fs, opath)
	if err != nil {
		return nil, &LoadError{Path: opath, Err: err}
	}
	if snap.Optim, err = decodeOptim(tensors, ometa); err != nil {
		return nil, &LoadError{Path: opath, Err: err}
	}
	return snap, nil
}

func readSafetensors(fs afero.Fs, path string) (map[string]nn.TensorWithShape, map[string]string, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, err
	}
	return nn.LoadSafetensorsFromBytes(buf)
}
