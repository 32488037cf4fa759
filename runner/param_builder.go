package runner

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Direction indicates parameter data flow
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInOut
	DirectionTemp
	DirectionScalar
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionInOut:
		return "inout"
	case DirectionTemp:
		return "temp"
	case DirectionScalar:
		return "scalar"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParamBuilder provides a fluent interface for building kernel parameters
type ParamBuilder struct {
	spec ParamSpec
}

// ParamSpec holds the complete specification for a kernel parameter
type ParamSpec struct {
	Name        string
	Direction   Direction
	HostBinding interface{}

	// Type and size in elements (inferred or explicit)
	DataType DataType
	Size     int64

	// Data movement
	DoCopyTo    bool
	DoCopyBack  bool
	ConvertType DataType // 0 means no conversion

	// Device backs the parameter with an existing allocation instead of a
	// per-launch one.
	Device platform.Token

	// Matrix attributes
	IsMatrix   bool
	MatrixRows int
	MatrixCols int
}

func param(name string, dir Direction) *ParamBuilder {
	spec := ParamSpec{Name: name, Direction: dir}
	switch dir {
	case DirectionInput:
		spec.DoCopyTo = true
	case DirectionOutput:
		spec.DoCopyBack = true
	case DirectionInOut:
		spec.DoCopyTo, spec.DoCopyBack = true, true
	}
	return &ParamBuilder{spec: spec}
}

// Input is read by the kernel and copied to the device before the launch.
func Input(name string) *ParamBuilder { return param(name, DirectionInput) }

// Output is written by the kernel and copied back after the launch.
func Output(name string) *ParamBuilder { return param(name, DirectionOutput) }

// InOut is copied both ways.
func InOut(name string) *ParamBuilder { return param(name, DirectionInOut) }

// Scalar is passed by value.
func Scalar(name string) *ParamBuilder { return param(name, DirectionScalar) }

// Temp is a device-only array that lives for one launch.
func Temp(name string) *ParamBuilder { return param(name, DirectionTemp) }

// Bind associates a host variable with this parameter
func (p *ParamBuilder) Bind(hostVar interface{}) *ParamBuilder {
	p.spec.HostBinding = hostVar

	// Infer type and size if possible
	p.inferFromBinding()

	return p
}

// On backs the parameter with an existing device allocation
func (p *ParamBuilder) On(t platform.Token) *ParamBuilder {
	p.spec.Device = t
	return p
}

// Copy sets bidirectional copy (host→device before, device→host after)
func (p *ParamBuilder) Copy() *ParamBuilder {
	p.spec.DoCopyTo = true
	p.spec.DoCopyBack = true
	return p
}

// CopyTo sets host→device copy before kernel execution
func (p *ParamBuilder) CopyTo() *ParamBuilder {
	p.spec.DoCopyTo = true
	return p
}

// CopyBack sets device→host copy after kernel execution
func (p *ParamBuilder) CopyBack() *ParamBuilder {
	p.spec.DoCopyBack = true
	return p
}

// NoCopy explicitly disables data movement
func (p *ParamBuilder) NoCopy() *ParamBuilder {
	p.spec.DoCopyTo = false
	p.spec.DoCopyBack = false
	return p
}

// Convert sets type conversion during copy operations
func (p *ParamBuilder) Convert(toType DataType) *ParamBuilder {
	p.spec.ConvertType = toType
	return p
}

// Type sets explicit type (mainly for Temp arrays)
func (p *ParamBuilder) Type(dataType DataType) *ParamBuilder {
	p.spec.DataType = dataType
	return p
}

// Size sets explicit size in elements (mainly for Temp arrays)
func (p *ParamBuilder) Size(elements int) *ParamBuilder {
	p.spec.Size = int64(elements)
	return p
}

// Spec returns the accumulated specification.
func (p *ParamBuilder) Spec() ParamSpec {
	return p.spec
}

// inferFromBinding extracts type and size information from the host binding
func (p *ParamBuilder) inferFromBinding() {
	if p.spec.HostBinding == nil {
		return
	}

	// Handle mat.Matrix
	if m, ok := p.spec.HostBinding.(mat.Matrix); ok {
		rows, cols := m.Dims()
		p.spec.Size = int64(rows * cols)
		p.spec.DataType = Float64 // gonum matrices are float64
		p.spec.IsMatrix = true
		p.spec.MatrixRows = rows
		p.spec.MatrixCols = cols
		return
	}

	v := reflect.ValueOf(p.spec.HostBinding)
	t := v.Type()

	// Handle slices
	if t.Kind() == reflect.Slice {
		p.spec.Size = int64(v.Len())
		p.spec.DataType = GetDataTypeFromSample(p.spec.HostBinding)
		return
	}

	// Handle scalars
	switch t.Kind() {
	case reflect.Float32:
		p.spec.DataType = Float32
		p.spec.Size = 1
	case reflect.Float64:
		p.spec.DataType = Float64
		p.spec.Size = 1
	case reflect.Int, reflect.Int64:
		p.spec.DataType = INT64
		p.spec.Size = 1
	case reflect.Int32:
		p.spec.DataType = INT32
		p.spec.Size = 1
	}
}

// Validate checks if the parameter specification is complete and valid
func (p ParamSpec) Validate() error {
	if p.Name == "" {
		return errors.Errorf("parameter name cannot be empty")
	}

	// Scalars don't need size
	if p.Direction == DirectionScalar {
		if p.HostBinding == nil {
			return errors.Errorf("scalar %s needs a binding", p.Name)
		}
		if p.DataType == 0 {
			return errors.Errorf("scalar %s has unsupported type %T", p.Name, p.HostBinding)
		}
		return nil
	}

	// Arrays need size and type
	if p.Size == 0 {
		return errors.Errorf("array %s needs size", p.Name)
	}
	if p.DataType == 0 {
		return errors.Errorf("array %s needs type", p.Name)
	}

	// Temp arrays cannot have host bindings or copy operations
	if p.Direction == DirectionTemp {
		if p.HostBinding != nil {
			return errors.Errorf("temp array %s cannot have host binding", p.Name)
		}
		if p.DoCopyTo || p.DoCopyBack {
			return errors.Errorf("temp array %s cannot have copy operations", p.Name)
		}
	}

	if p.IsMatrix && p.ConvertType != 0 && p.ConvertType != Float64 {
		return errors.Errorf("matrix %s cannot be converted to %v", p.Name, p.ConvertType)
	}

	return nil
}

// IsConst returns whether the kernel only reads this parameter
func (p ParamSpec) IsConst() bool {
	switch p.Direction {
	case DirectionInput, DirectionScalar:
		return true
	case DirectionOutput, DirectionInOut, DirectionTemp:
		return false
	default:
		return true
	}
}

// NeedsCopyTo returns whether this parameter needs host→device copy
func (p ParamSpec) NeedsCopyTo() bool {
	return p.DoCopyTo && p.HostBinding != nil
}

// NeedsCopyBack returns whether this parameter needs device→host copy
func (p ParamSpec) NeedsCopyBack() bool {
	return p.DoCopyBack && p.HostBinding != nil
}

// GetEffectiveType returns the type to use on device (considering conversion)
func (p ParamSpec) GetEffectiveType() DataType {
	if p.ConvertType != 0 {
		return p.ConvertType
	}
	return p.DataType
}

// DeviceBytes returns the size of the device buffer backing the parameter
func (p ParamSpec) DeviceBytes() int64 {
	return p.Size * SizeOfType(p.GetEffectiveType())
}

// scalarArg encodes a scalar binding as a by-value kernel argument of the
// effective type.
func (p ParamSpec) scalarArg() (platform.KernelArg, error) {
	var (
		f     float64
		i     int64
		isInt bool
	)
	switch v := p.HostBinding.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		i, isInt = int64(v), true
	case int32:
		i, isInt = int64(v), true
	case int64:
		i, isInt = v, true
	default:
		return platform.KernelArg{}, errors.Errorf("scalar %s has unsupported type %T", p.Name, v)
	}
	if isInt {
		f = float64(i)
	} else {
		i = int64(f)
	}
	switch p.GetEffectiveType() {
	case Float64:
		return platform.Val(f), nil
	case Float32:
		return platform.Val(float32(f)), nil
	case INT32:
		return platform.Val(int32(i)), nil
	case INT64:
		return platform.Val(i), nil
	case Float16:
		data := binary.NativeEndian.AppendUint16(nil, float16.Fromfloat32(float32(f)).Bits())
		return platform.KernelArg{Kind: platform.Value, Data: data, Size: 2, Align: 2, AllocSize: 2}, nil
	}
	return platform.KernelArg{}, errors.Errorf("scalar %s has unsupported type %v", p.Name, p.GetEffectiveType())
}
