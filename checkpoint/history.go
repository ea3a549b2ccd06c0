package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// UnknownSplitError is returned by History.Update for splits other than
// train and val.
type UnknownSplitError struct {
	Split string
}

func (e *UnknownSplitError) Error() string { return fmt.Sprintf("unknown split: %s", e.Split) }

// Losses maps epoch to the averaged losses of that epoch.
type Losses map[int]map[string]float64

// History keeps the per-epoch losses of the train and val splits in Dir.
// Entries are only added or replaced, never removed.
type History struct {
	Fs  afero.Fs
	Dir string
	Log *zap.SugaredLogger

	splits map[string]Losses
}

var historySplits = []string{"train", "val"}

// LoadHistory reads existing history files of dir. Missing files start
// empty.
func LoadHistory(fs afero.Fs, dir string, log *zap.SugaredLogger) (*History, error) {
	h := &History{Fs: fs, Dir: dir, Log: log, splits: map[string]Losses{}}
	for _, split := range historySplits {
		h.splits[split] = Losses{}
		path := h.jsonPath(split)
		buf, err := afero.ReadFile(fs, path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		hist := Losses{}
		if err := json.Unmarshal(buf, &hist); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		h.splits[split] = hist
	}
	return h, nil
}

func (h *History) jsonPath(split string) string { return filepath.Join(h.Dir, split+"_hist.json") }
func (h *History) textPath(split string) string { return filepath.Join(h.Dir, split+"_hist") }

// Get returns the recorded losses of split.
func (h *History) Get(split string) Losses { return h.splits[split] }

// Update records the losses of epoch for split and rewrites both history
// files of that split. An unknown split is logged and nothing is written.
// Non-finite losses are logged and left out.
func (h *History) Update(epoch int, losses map[string]float64, split string) (Losses, error) {
	hist, ok := h.splits[split]
	if !ok {
		if h.Log != nil {
			h.Log.Errorw("unknown split", "split", split)
		}
		return nil, &UnknownSplitError{Split: split}
	}
	entry := make(map[string]float64, len(losses))
	for k, v := range losses {
		// JSON has no NaN or Inf
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if h.Log != nil {
				h.Log.Warnw("dropping non-finite loss from history", "split", split, "epoch", epoch, "loss", k, "value", v)
			}
			continue
		}
		entry[k] = v
	}
	hist[epoch] = entry

	if err := h.Fs.MkdirAll(h.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", h.Dir)
	}
	buf, err := json.MarshalIndent(hist, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding history")
	}
	if err := afero.WriteFile(h.Fs, h.jsonPath(split), buf, 0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", h.jsonPath(split))
	}
	if err := afero.WriteFile(h.Fs, h.textPath(split), []byte(FormatLosses(hist)), 0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", h.textPath(split))
	}
	return hist, nil
}

// FormatLosses renders one line per epoch with the losses sorted by name.
func FormatLosses(hist Losses) string {
	epochs := make([]int, 0, len(hist))
	for e := range hist {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)

	var b strings.Builder
	for _, e := range epochs {
		names := make([]string, 0, len(hist[e]))
		for k := range hist[e] {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "Epoch %d:", e)
		for _, k := range names {
			fmt.Fprintf(&b, " %s: %.6f", k, hist[e][k])
		}
		b.WriteString("\n")
	}
	return b.String()
}
