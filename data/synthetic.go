package data

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/tomnet/warp"
	"github.com/pkg/errors"
)

// Synthetic renders transparent ellipses over procedural backgrounds. Each
// item is a deterministic function of (Seed, split, index), so every epoch
// sees the same data.
type Synthetic struct {
	Height, Width int
	Batch         int
	TrainItems    int
	ValItems      int
	Seed          int64
}

func (s *Synthetic) BatchSize() int { return s.Batch }

func (s *Synthetic) items(split string) (int, error) {
	switch split {
	case SplitTrain:
		return s.TrainItems, nil
	case SplitVal:
		return s.ValItems, nil
	}
	return 0, &UnknownSplitError{Split: split}
}

func (s *Synthetic) NumBatches(split string, maxItems int) int {
	n, err := s.items(split)
	if err != nil {
		return 0
	}
	return numBatches(capItems(n, maxItems), s.Batch)
}

func (s *Synthetic) Run(split string, maxItems int) (Iterator, error) {
	n, err := s.items(split)
	if err != nil {
		return nil, err
	}
	n = capItems(n, maxItems)
	var batches []*Sample
	for start := 0; start < n; start += s.Batch {
		end := start + s.Batch
		if end > n {
			end = n
		}
		var items []*Sample
		for i := start; i < end; i++ {
			item, err := s.Item(split, i)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		b, err := Stack(items)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return NewSliceIterator(batches), nil
}

// Item renders a single-item sample.
func (s *Synthetic) Item(split string, index int) (*Sample, error) {
	h := fnv.New64a()
	h.Write([]byte(split))
	rng := rand.New(rand.NewSource(s.Seed ^ int64(h.Sum64()) + int64(index)*7919))
	H, W := s.Height, s.Width

	ref := nn.NewTensor(1, 3, H, W)
	for c := 0; c < 3; c++ {
		fx := 0.5 + rng.Float64()*3
		fy := 0.5 + rng.Float64()*3
		phase := rng.Float64() * 2 * math.Pi
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				v := 0.5 + 0.25*math.Sin(2*math.Pi*fx*float64(x)/float64(W)+phase) +
					0.25*math.Cos(2*math.Pi*fy*float64(y)/float64(H)-phase)
				ref.Set(0, c, y, x, float32(v))
			}
		}
	}

	cx := float64(W) * (0.3 + 0.4*rng.Float64())
	cy := float64(H) * (0.3 + 0.4*rng.Float64())
	rx := float64(W) * (0.15 + 0.15*rng.Float64())
	ry := float64(H) * (0.15 + 0.15*rng.Float64())
	lens := -0.3 + 0.6*rng.Float64()
	atten := float32(0.6 + 0.35*rng.Float64())

	flow := nn.NewTensor(1, 3, H, W)
	mask := nn.NewTensor(1, 1, H, W)
	rho := nn.NewTensor(1, 1, H, W)
	trimap := nn.NewTensor(1, 1, H, W)
	rho.Fill(1)
	for y := 0; y < H; y++ {
		for x := 0; x < W; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			r := math.Sqrt(dx*dx/(rx*rx) + dy*dy/(ry*ry))
			flow.Set(0, 2, y, x, 1)
			switch {
			case r < 0.9:
				trimap.Set(0, 0, y, x, 2)
			case r < 1.1:
				trimap.Set(0, 0, y, x, 1)
			}
			if r >= 1 {
				continue
			}
			mask.Set(0, 0, y, x, 1)
			rho.Set(0, 0, y, x, atten)
			flow.Set(0, 0, y, x, float32(lens*dx))
			flow.Set(0, 1, y, x, float32(lens*dy))
		}
	}

	warped, err := warp.Forward(ref, flow)
	if err != nil {
		return nil, errors.Wrap(err, "rendering synthetic target")
	}
	tar := ref.Clone()
	plane := ref.Plane()
	for c := 0; c < 3; c++ {
		for p := 0; p < plane; p++ {
			if mask.Data[p] > 0 {
				tar.Data[c*plane+p] = rho.Data[p] * warped.Data[c*plane+p]
			}
		}
	}
	return &Sample{Ref: ref, Tar: tar, Flow: flow, Mask: mask, Rho: rho, Trimap: trimap}, nil
}
