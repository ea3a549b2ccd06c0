package train

import (
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openfluke/tomnet/criterion"
	"github.com/openfluke/tomnet/data"
	"github.com/openfluke/tomnet/model"
	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/tomnet/visual"
	"github.com/openfluke/tomnet/warp"
	"gonum.org/v1/gonum/stat"
)

// meter collects per-iteration losses.
type meter map[string][]float64

func (m meter) add(losses map[string]float64) {
	for k, v := range losses {
		m[k] = append(m[k], v)
	}
}

func (m meter) means() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, vs := range m {
		out[k] = stat.Mean(vs, nil)
	}
	return out
}

type timings struct {
	data, model time.Duration
}

func formatLosses(losses map[string]float64) string {
	keys := make([]string, 0, len(losses))
	for k := range losses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %.4f", k, losses[k])
	}
	return strings.Join(parts, ", ")
}

func (t *Trainer) display(it *iteration, numBatches int, avg map[string]float64, times timings) {
	t.log.Infof(" | epoch (%s): [%d][%d/%d] | time: data %s, model %s | %s",
		it.split, it.epoch, it.index, numBatches,
		times.data.Round(time.Millisecond), times.model.Round(time.Millisecond), formatLosses(avg))
}

// resultName is <epoch>_<iter>_<id>_EPE_<e>_IoU_<m>_Rho_<r>.png under
// <log_dir>/<split>/Images.
func (t *Trainer) resultName(it *iteration, id int) string {
	name := fmt.Sprintf("%d_%d_%d_EPE_%.4f_IoU_%.4f_Rho_%.4f.png",
		it.epoch, it.index, id, it.losses["flow_epe"], it.losses["mask_iou"], it.losses["rho_error"])
	return filepath.Join(t.cfg.LogDir, it.split, "Images", name)
}

func (t *Trainer) saveResults(it *iteration) error {
	if t.sink == nil {
		return nil
	}
	const id = 0
	if t.cfg.Refine {
		tiles, err := t.refineTiles(it, id)
		if err != nil {
			return err
		}
		return t.sink.Save(t.resultName(it, id), tiles, 5)
	}
	if err := t.sink.Save(t.resultName(it, id), t.multiScaleTiles(it, id), 6); err != nil {
		return err
	}
	min, max, mean := it.preds[len(it.preds)-1].Flow.Value.Item(id).Stats()
	t.log.Infof("flow magnitude: max %.4f, min %.4f, mean %.4f", max, min, mean)
	return nil
}

// firstRow shows the inputs and ground truth: ref, tar, blank, trimap,
// mask, rho.
func (t *Trainer) firstRow(it *iteration, id int) []image.Image {
	s := it.sample
	row := []image.Image{visual.ImageFromTensor(s.Ref, id), visual.ImageFromTensor(s.Tar, id), nil, nil}
	if t.cfg.InTrimap && s.Trimap != nil {
		tri := s.Trimap.Item(id)
		tri.ScaleInPlace(0.5)
		row[3] = visual.ImageFromTensor(tri, 0)
	}
	return append(row, visual.ImageFromTensor(s.Mask, id), visual.ImageFromTensor(s.Rho, id))
}

// composite is what the predicted matte renders: the reference outside the
// object and the attenuated refraction inside it.
func composite(ref, rec, mask, rho *nn.Tensor, id int) *nn.Tensor {
	out := nn.NewTensor(1, 3, ref.H, ref.W)
	for c := 0; c < 3; c++ {
		for y := 0; y < ref.H; y++ {
			for x := 0; x < ref.W; x++ {
				m, r := mask.At(id, 0, y, x), rho.At(id, 0, y, x)
				out.Set(0, c, y, x, ref.At(id, c, y, x)*(1-m)+rec.At(id, c, y, x)*r*m)
			}
		}
	}
	return out
}

// predictionRow shows one scale: tar, composite, gt flow, predicted flow,
// predicted mask, predicted rho.
func predictionRow(l *data.Level, p model.Prediction, rec *nn.Tensor, id int) []image.Image {
	mask := criterion.PredictedMask(p.Mask.Value)
	maxMag := visual.MaxMagnitude(l.Flow, id)
	return []image.Image{
		visual.ImageFromTensor(l.Tar, id),
		visual.ImageFromTensor(composite(l.Ref, rec, mask, p.Rho.Value, id), 0),
		visual.FlowToColor(l.Flow, id, maxMag),
		visual.FlowToColor(p.Flow.Value, id, maxMag),
		visual.ImageFromTensor(mask, id),
		visual.ImageFromTensor(p.Rho.Value, id),
	}
}

// multiScaleTiles lays out the first row followed by one row per scale,
// finest first.
func (t *Trainer) multiScaleTiles(it *iteration, id int) []image.Image {
	tiles := t.firstRow(it, id)
	for i := len(it.preds) - 1; i >= 0; i-- {
		tiles = append(tiles, predictionRow(it.levels[i], it.preds[i], it.recs[i], id)...)
	}
	return tiles
}

// refineTiles shows the ground truth, the coarse prediction and the refined
// prediction in three rows of five.
func (t *Trainer) refineTiles(it *iteration, id int) ([]image.Image, error) {
	s := it.sample
	maxMag := visual.MaxMagnitude(s.Flow, id)
	tiles := []image.Image{
		visual.ImageFromTensor(s.Ref, id),
		visual.ImageFromTensor(s.Tar, id),
		visual.FlowToColor(s.Flow, id, maxMag),
		visual.ImageFromTensor(s.Mask, id),
		visual.ImageFromTensor(s.Rho, id),
	}

	row := func(p model.Prediction, rec *nn.Tensor) []image.Image {
		mask := criterion.PredictedMask(p.Mask.Value)
		return []image.Image{
			nil,
			visual.ImageFromTensor(composite(s.Ref, rec, mask, p.Rho.Value, id), 0),
			visual.FlowToColor(p.Flow.Value, id, maxMag),
			visual.ImageFromTensor(mask, id),
			visual.ImageFromTensor(p.Rho.Value, id),
		}
	}
	if it.coarse != nil {
		rec, err := warp.Forward(s.Ref, it.coarse.Flow.Value)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, row(*it.coarse, rec)...)
	}
	return append(tiles, row(it.preds[0], it.recs[0])...), nil
}
