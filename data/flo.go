package data

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// floMagic is the float32 tag at the start of a Middlebury .flo file.
const floMagic = 202021.25

// ReadFlo decodes a Middlebury .flo file into a 1×2×H×W tensor.
func ReadFlo(r io.Reader) (*nn.Tensor, error) {
	var header struct {
		Magic         float32
		Width, Height int32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading flo header")
	}
	if header.Magic != floMagic {
		return nil, errors.Errorf("bad flo magic %v", header.Magic)
	}
	if header.Width <= 0 || header.Height <= 0 || header.Width > 1<<15 || header.Height > 1<<15 {
		return nil, errors.Errorf("bad flo size %dx%d", header.Width, header.Height)
	}
	w, h := int(header.Width), int(header.Height)
	raw := make([]float32, 2*w*h)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, errors.Wrap(err, "reading flo data")
	}
	out := nn.NewTensor(1, 2, h, w)
	plane := w * h
	for p := 0; p < plane; p++ {
		out.Data[p] = raw[2*p]
		out.Data[plane+p] = raw[2*p+1]
	}
	return out, nil
}

// WriteFlo encodes batch item 0 of flow's u and v channels.
func WriteFlo(wr io.Writer, flow *nn.Tensor) error {
	if flow.C < 2 {
		return errors.WithStack(nn.NewShapeMismatchError("write flo", flow))
	}
	header := []interface{}{float32(floMagic), int32(flow.W), int32(flow.H)}
	for _, v := range header {
		if err := binary.Write(wr, binary.LittleEndian, v); err != nil {
			return errors.Wrap(err, "writing flo header")
		}
	}
	plane := flow.Plane()
	raw := make([]float32, 2*plane)
	for p := 0; p < plane; p++ {
		raw[2*p] = flow.Data[p]
		raw[2*p+1] = flow.Data[plane+p]
	}
	return errors.Wrap(binary.Write(wr, binary.LittleEndian, raw), "writing flo data")
}

// flowUnknown marks pixels without ground truth in Middlebury files.
const flowUnknown = 1e9

// withValidity appends a validity channel that is zero where u or v is
// unknown, and zeroes those vectors.
func withValidity(flow *nn.Tensor) *nn.Tensor {
	out := nn.NewTensor(flow.N, 3, flow.H, flow.W)
	plane := flow.Plane()
	for n := 0; n < flow.N; n++ {
		src := flow.Data[n*flow.C*plane:]
		dst := out.Data[n*3*plane:]
		for p := 0; p < plane; p++ {
			u, v := src[p], src[plane+p]
			if math.Abs(float64(u)) >= flowUnknown || math.Abs(float64(v)) >= flowUnknown {
				continue
			}
			dst[p], dst[plane+p], dst[2*plane+p] = u, v, 1
		}
	}
	return out
}
