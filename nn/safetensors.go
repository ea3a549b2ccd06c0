package nn

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// TensorWithShape is one named entry of a safetensors file.
type TensorWithShape struct {
	DType  string
	Shape  []int
	Values []float32
}

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// FromTensor exports t as an F32 safetensors entry with an NCHW shape.
func FromTensor(t *Tensor) TensorWithShape {
	return TensorWithShape{DType: "F32", Shape: []int{t.N, t.C, t.H, t.W}, Values: t.Data}
}

// ToTensor converts an entry with up to four dimensions back to a Tensor.
// Shorter shapes are left-padded with ones.
func (ts TensorWithShape) ToTensor() (*Tensor, error) {
	if len(ts.Shape) > 4 {
		return nil, errors.Errorf("tensor has %d dimensions, at most 4 supported", len(ts.Shape))
	}
	dims := [4]int{1, 1, 1, 1}
	copy(dims[4-len(ts.Shape):], ts.Shape)
	if dims[0]*dims[1]*dims[2]*dims[3] != len(ts.Values) {
		return nil, errors.Errorf("shape %v does not match %d values", ts.Shape, len(ts.Values))
	}
	return NewTensorFrom(append([]float32(nil), ts.Values...), dims[0], dims[1], dims[2], dims[3]), nil
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and
// returns tensors by name together with the __metadata__ entries.
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])

	if uint64(len(data)-8) < headerSize {
		return nil, nil, errors.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	// Parse header
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse header")
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	metadata := make(map[string]string)
	tensors := make(map[string]TensorWithShape)
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, errors.Wrap(err, "failed to parse metadata")
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %s: bad header entry", name)
		}
		if len(info.Offset) != 2 {
			return nil, nil, errors.Errorf("tensor %s: bad data offsets", name)
		}

		// Calculate number of elements
		numElements := 1
		for _, dim := range info.Shape {
			numElements *= dim
		}
		width := getBytesPerElement(info.DType)
		start, end := info.Offset[0], info.Offset[1]
		if width == 0 {
			return nil, nil, errors.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		if start < 0 || end > len(allData) || end-start != numElements*width {
			return nil, nil, errors.Errorf("tensor %s: data out of bounds", name)
		}

		buf := allData[start:end]
		values := make([]float32, numElements)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F16":
			for i := range values {
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		case "BF16":
			for i := range values {
				values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		}
		tensors[name] = TensorWithShape{DType: info.DType, Shape: info.Shape, Values: values}
	}

	return tensors, metadata, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
