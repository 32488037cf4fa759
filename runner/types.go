package runner

import (
	"fmt"
	"unsafe"

	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// DataType represents the precision of numerical data moved to or from a device
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
	Float16
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt DataType) int64 {
	switch dt {
	case Float16:
		return 2
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 8
	}
}

// ScalarType returns the kernel argument type hint for dt
func (dt DataType) ScalarType() platform.ScalarType {
	switch dt {
	case Float32:
		return platform.Float32
	case Float64:
		return platform.Float64
	case INT32:
		return platform.Int32
	case INT64:
		return platform.Int64
	default:
		return platform.Untyped
	}
}

// GetDataTypeFromSample returns the DataType based on a sample value
func GetDataTypeFromSample(sample interface{}) DataType {
	switch sample.(type) {
	case float32, []float32:
		return Float32
	case float64, []float64:
		return Float64
	case int32, []int32:
		return INT32
	case int64, []int64:
		return INT64
	case float16.Float16, []float16.Float16:
		return Float16
	default:
		return 0
	}
}

// Element lists the host element types that can be viewed as raw bytes
type Element interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint8 | ~uint16
}

// AsBytes views data as bytes without copying
func AsBytes[T Element](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var sample T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(sample)))
}

// FromBytes copies raw bytes into a new slice of T. Trailing bytes that do
// not form a whole element are ignored.
func FromBytes[T Element](b []byte) []T {
	var sample T
	out := make([]T, len(b)/int(unsafe.Sizeof(sample)))
	copy(AsBytes(out), b)
	return out
}

// ConvertTo encodes host data as device elements of type to. Supported host
// types are []float64, []float32, []int32, []int64 and []float16.Float16.
func ConvertTo(hostData interface{}, to DataType) ([]byte, error) {
	switch data := hostData.(type) {
	case []float64:
		switch to {
		case Float64:
			return AsBytes(data), nil
		case Float32:
			converted := make([]float32, len(data))
			for i, v := range data {
				converted[i] = float32(v)
			}
			return AsBytes(converted), nil
		case Float16:
			converted := make([]float16.Float16, len(data))
			for i, v := range data {
				converted[i] = float16.Fromfloat32(float32(v))
			}
			return AsBytes(converted), nil
		}
	case []float32:
		switch to {
		case Float32:
			return AsBytes(data), nil
		case Float64:
			converted := make([]float64, len(data))
			for i, v := range data {
				converted[i] = float64(v)
			}
			return AsBytes(converted), nil
		case Float16:
			converted := make([]float16.Float16, len(data))
			for i, v := range data {
				converted[i] = float16.Fromfloat32(v)
			}
			return AsBytes(converted), nil
		}
	case []float16.Float16:
		switch to {
		case Float16:
			return AsBytes(data), nil
		case Float32:
			converted := make([]float32, len(data))
			for i, v := range data {
				converted[i] = v.Float32()
			}
			return AsBytes(converted), nil
		}
	case []int32:
		switch to {
		case INT32:
			return AsBytes(data), nil
		case INT64:
			converted := make([]int64, len(data))
			for i, v := range data {
				converted[i] = int64(v)
			}
			return AsBytes(converted), nil
		}
	case []int64:
		switch to {
		case INT64:
			return AsBytes(data), nil
		case INT32:
			// Convert int64 to int32 (with potential data loss)
			converted := make([]int32, len(data))
			for i, v := range data {
				converted[i] = int32(v)
			}
			return AsBytes(converted), nil
		}
	default:
		return nil, errors.Errorf("unsupported host type for conversion: %T", hostData)
	}
	return nil, errors.Errorf("unsupported conversion from %v to %v", GetDataTypeFromSample(hostData), to)
}

// ConvertFrom decodes device elements of type from into hostData, which must
// be large enough to hold them.
func ConvertFrom(b []byte, from DataType, hostData interface{}) error {
	switch host := hostData.(type) {
	case []float64:
		switch from {
		case Float64:
			copy(AsBytes(host), b)
			return nil
		case Float32:
			for i, v := range FromBytes[float32](b) {
				host[i] = float64(v)
			}
			return nil
		case Float16:
			for i, v := range FromBytes[float16.Float16](b) {
				host[i] = float64(v.Float32())
			}
			return nil
		}
	case []float32:
		switch from {
		case Float32:
			copy(AsBytes(host), b)
			return nil
		case Float64:
			for i, v := range FromBytes[float64](b) {
				host[i] = float32(v)
			}
			return nil
		case Float16:
			for i, v := range FromBytes[float16.Float16](b) {
				host[i] = v.Float32()
			}
			return nil
		}
	case []int32:
		switch from {
		case INT32:
			copy(AsBytes(host), b)
			return nil
		case INT64:
			for i, v := range FromBytes[int64](b) {
				host[i] = int32(v)
			}
			return nil
		}
	case []int64:
		switch from {
		case INT64:
			copy(AsBytes(host), b)
			return nil
		case INT32:
			for i, v := range FromBytes[int32](b) {
				host[i] = int64(v)
			}
			return nil
		}
	default:
		return errors.Errorf("unsupported host type for conversion: %T", hostData)
	}
	return errors.Errorf("unsupported conversion from device %v to host %T", from, hostData)
}

// MatrixBytes packs m column-major as float64, the layout device kernels index
// with element (i,j) at j*rows + i.
func MatrixBytes(m mat.Matrix) []byte {
	rows, cols := m.Dims()
	flat := make([]float64, rows*cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			flat[j*rows+i] = m.At(i, j)
		}
	}
	return AsBytes(flat)
}

// MatrixFromBytes unpacks column-major float64 data into m.
func MatrixFromBytes(m *mat.Dense, b []byte) error {
	rows, cols := m.Dims()
	if len(b) < rows*cols*8 {
		return errors.Errorf("matrix %dx%d needs %d bytes, got %d", rows, cols, rows*cols*8, len(b))
	}
	flat := FromBytes[float64](b)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			// Column-major: position j*rows + i contains element (i,j)
			m.Set(i, j, flat[j*rows+i])
		}
	}
	return nil
}
