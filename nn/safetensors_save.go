package nn

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// SerializeSafetensors converts tensors to safetensors format bytes. Only F32
// entries are written so values round-trip bit for bit. metadata may be nil.
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	// Build header metadata
	header := make(map[string]interface{})
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	currentOffset := 0

	// Sort names for deterministic order
	var names []string
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	// Calculate sizes and build header
	for _, name := range names {
		tensor := tensors[name]
		if tensor.DType != "F32" {
			return nil, errors.Errorf("tensor %s: unsupported dtype %s", name, tensor.DType)
		}
		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if numElements != len(tensor.Values) {
			return nil, errors.Errorf("tensor %s: shape %v does not match %d values", name, tensor.Shape, len(tensor.Values))
		}
		dataSize := numElements * getBytesPerElement(tensor.DType)

		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}

		currentOffset += dataSize
	}

	// Serialize header to JSON
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))

	// Write header size (little-endian)
	binary.LittleEndian.PutUint64(result[0:8], headerSize)

	// Write header JSON
	copy(result[8:8+headerSize], headerJSON)

	// Write tensor data
	offset := 8 + int(headerSize)
	for _, name := range names {
		for _, val := range tensors[name].Values {
			binary.LittleEndian.PutUint32(result[offset:], math.Float32bits(val))
			offset += 4
		}
	}

	return result, nil
}

// getBytesPerElement returns bytes per element for a dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// ParametersToSafetensors exports every parameter, trainable or not, under
// its dotted name.
func ParametersToSafetensors(params []*Parameter) map[string]TensorWithShape {
	out := make(map[string]TensorWithShape, len(params))
	for _, p := range params {
		out[p.Name] = FromTensor(p.Value)
	}
	return out
}

// LoadParameters copies stored values into params by name. Every parameter
// must be present with a matching element count.
func LoadParameters(params []*Parameter, tensors map[string]TensorWithShape) error {
	for _, p := range params {
		ts, ok := tensors[p.Name]
		if !ok {
			return errors.Errorf("missing parameter %s", p.Name)
		}
		if len(ts.Values) != p.Value.Size() {
			return errors.WithStack(&ShapeMismatchError{Op: "load " + p.Name, Shapes: [][4]int{p.Value.Shape()}})
		}
		copy(p.Value.Data, ts.Values)
	}
	return nil
}
