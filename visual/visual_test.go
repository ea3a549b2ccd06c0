package visual

import (
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/openfluke/tomnet/nn"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestFlowToColor(t *testing.T) {
	// zero, right, invalid
	flow := nn.NewTensorFrom([]float32{
		0, 2, 2,
		0, 0, 0,
		1, 1, 0,
	}, 1, 3, 1, 3)
	img := FlowToColor(flow, 0, 0)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgba(img.At(0, 0)))
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, rgba(img.At(1, 0)))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, rgba(img.At(2, 0)))

	assert.Equal(t, 2.0, MaxMagnitude(flow, 0))
	// half saturation against a larger reference magnitude
	half := rgba(FlowToColor(flow, 0, 4).At(1, 0))
	assert.Equal(t, uint8(255), half.R)
	assert.InDelta(t, 128, int(half.G), 1)
}

func TestImageFromTensor(t *testing.T) {
	rgb := nn.NewTensorFrom([]float32{1, 0, 0, 0.5, 0, 2}, 1, 3, 1, 2)
	img := ImageFromTensor(rgb, 0)
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, rgba(img.At(0, 0)))
	assert.Equal(t, color.RGBA{0, 128, 255, 255}, rgba(img.At(1, 0)))

	gray := ImageFromTensor(nn.NewTensorFrom([]float32{0, 1, 0.25, 0.75}, 2, 1, 1, 2), 1)
	assert.IsType(t, &image.Gray{}, gray)
	assert.Equal(t, color.Gray{Y: 64}, gray.At(0, 0))
}

func TestPNGSinkWritesGrid(t *testing.T) {
	fs := afero.NewMemMapFs()
	tile := ImageFromTensor(nn.NewTensor(1, 3, 4, 8), 0)
	sink := &PNGSink{Fs: fs, TileSize: 16}
	require.NoError(t, sink.Save("out.png", []image.Image{tile, nil, tile, tile, tile}, 3))

	f, err := fs.Open("out.png")
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 48, 16), img.Bounds())
	// the empty cell stays white, drawn tiles are black
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgba(img.At(20, 2)))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, rgba(img.At(2, 2)))

	assert.Error(t, sink.Save("empty.png", nil, 3))
	assert.Error(t, sink.Save("blank.png", []image.Image{nil}, 1))
}
