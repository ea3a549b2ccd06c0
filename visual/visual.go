// Package visual renders tensors as images and writes composite result
// grids.
package visual

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// Sink stores composite images.
type Sink interface {
	// Save lays tiles out row by row, cols per row. Nil tiles leave their
	// cell blank.
	Save(path string, tiles []image.Image, cols int) error
}

// PNGSink writes PNG files to Fs. Every tile is resampled to TileSize
// pixels wide, keeping the aspect ratio of the first tile.
type PNGSink struct {
	Fs       afero.Fs
	TileSize int
}

func (s *PNGSink) Save(path string, tiles []image.Image, cols int) error {
	img, err := Compose(tiles, cols, s.TileSize)
	if err != nil {
		return err
	}
	if err := s.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory of %s", path)
	}
	f, err := s.Fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

// Compose draws tiles into one grid image.
func Compose(tiles []image.Image, cols, tileSize int) (*image.RGBA, error) {
	if len(tiles) == 0 || cols <= 0 {
		return nil, errors.Errorf("cannot compose %d tiles in %d columns", len(tiles), cols)
	}
	var first image.Image
	for _, t := range tiles {
		if t != nil {
			first = t
			break
		}
	}
	if first == nil {
		return nil, errors.New("no tiles to compose")
	}
	tw := tileSize
	if tw <= 0 {
		tw = first.Bounds().Dx()
	}
	th := tw * first.Bounds().Dy() / first.Bounds().Dx()
	rows := (len(tiles) + cols - 1) / cols

	out := image.NewRGBA(image.Rect(0, 0, cols*tw, rows*th))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for i, t := range tiles {
		if t == nil {
			continue
		}
		x, y := (i%cols)*tw, (i/cols)*th
		draw.NearestNeighbor.Scale(out, image.Rect(x, y, x+tw, y+th), t, t.Bounds(), draw.Src, nil)
	}
	return out, nil
}

func clamp8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v*255))))
}

// ImageFromTensor renders item n of a tensor with values in [0, 1]. Three
// channels give a colour image, any other count the first channel in
// grey.
func ImageFromTensor(t *nn.Tensor, n int) image.Image {
	if t.C == 3 {
		img := image.NewNRGBA(image.Rect(0, 0, t.W, t.H))
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				img.SetNRGBA(x, y, color.NRGBA{
					R: clamp8(float64(t.At(n, 0, y, x))),
					G: clamp8(float64(t.At(n, 1, y, x))),
					B: clamp8(float64(t.At(n, 2, y, x))),
					A: 255,
				})
			}
		}
		return img
	}
	img := image.NewGray(image.Rect(0, 0, t.W, t.H))
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			img.SetGray(x, y, color.Gray{Y: clamp8(float64(t.At(n, 0, y, x)))})
		}
	}
	return img
}

// MaxMagnitude is the largest flow vector length of item n.
func MaxMagnitude(flow *nn.Tensor, n int) float64 {
	var m float64
	for y := 0; y < flow.H; y++ {
		for x := 0; x < flow.W; x++ {
			m = math.Max(m, math.Hypot(float64(flow.At(n, 0, y, x)), float64(flow.At(n, 1, y, x))))
		}
	}
	return m
}

// FlowToColor codes flow direction as hue and magnitude as saturation,
// relative to maxMag. maxMag <= 0 uses the largest vector of the item.
// Pixels whose validity channel is zero are black.
func FlowToColor(flow *nn.Tensor, n int, maxMag float64) image.Image {
	if maxMag <= 0 {
		maxMag = MaxMagnitude(flow, n)
	}
	if maxMag == 0 {
		maxMag = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, flow.W, flow.H))
	for y := 0; y < flow.H; y++ {
		for x := 0; x < flow.W; x++ {
			if flow.C > 2 && flow.At(n, 2, y, x) == 0 {
				img.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			u, v := float64(flow.At(n, 0, y, x)), float64(flow.At(n, 1, y, x))
			hue := math.Mod(math.Atan2(-v, -u)/math.Pi*180+180, 360)
			sat := math.Min(math.Hypot(u, v)/maxMag, 1)
			c := colorful.Hsv(hue, sat, 1).Clamped()
			img.SetRGBA(x, y, color.RGBA{R: clamp8(c.R), G: clamp8(c.G), B: clamp8(c.B), A: 255})
		}
	}
	return img
}
