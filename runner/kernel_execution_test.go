package runner

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

func TestKernelAxpyWithConversion(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	const n = 256
	y := make([]float64, n)
	x := make([]float32, n)
	for i := range y {
		y[i] = float64(i)
		x[i] = 1
	}

	r.Kernel(simID, 0, "kernels.sim", "axpy").
		Grid(n, 1, 1).Block(64, 1, 1).
		Params(
			InOut("y").Bind(y),
			Input("x").Bind(x).Convert(Float64),
			Scalar("alpha").Bind(2.0),
			Scalar("n").Bind(int32(n)),
		).
		Run()

	for i := range y {
		require.Equal(t, float64(i)+2, y[i], "element %d", i)
	}
	// inputs are not copied back
	assert.Equal(t, float32(1), x[0])
}

func TestKernelMatrixCopyBack(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, float64(10*i+j))
		}
	}

	r.Kernel(simID, 0, "kernels.sim", "scale").
		Grid(16, 1, 1).Block(16, 1, 1).
		Params(
			InOut("M").Bind(m),
			Scalar("alpha").Bind(0.5),
			Scalar("n").Bind(int32(16)),
		).
		Run()

	assert.Equal(t, 0.5*23, m.At(2, 3))
	assert.Equal(t, 0.5*32, m.At(3, 2))
}

func TestKernelOutputAndExistingBuffer(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	const n = 128

	out := make([]float32, n)
	r.Kernel(simID, 0, "kernels.sim", "fill").
		Grid(n, 1, 1).Block(32, 1, 1).
		Params(
			Output("x").Bind(out),
			Scalar("v").Bind(float32(3.5)),
			Scalar("n").Bind(int32(n)),
		).
		Run()
	assert.Equal(t, float32(3.5), out[0])
	assert.Equal(t, float32(3.5), out[n-1])

	buf := r.Alloc(simID, 0, n*4)
	r.Kernel(simID, 0, "kernels.sim", "iota").
		Grid(n, 1, 1).Block(32, 1, 1).
		Params(
			Output("x").Type(INT32).Size(n).On(buf),
			Scalar("n").Bind(int32(n)),
		).
		Run()
	// the caller's buffer outlives the launch
	host := make([]byte, n*4)
	r.CopyToHost(simID, 0, buf, 0, host)
	assert.Equal(t, int32(n-1), FromBytes[int32](host)[n-1])
	r.Release(simID, 0, buf)
}

func TestKernelStructArgument(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	const n = 64
	y := make([]float64, n)
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	params := make([]byte, 12)
	binary.NativeEndian.PutUint64(params[0:8], math.Float64bits(3))
	binary.NativeEndian.PutUint32(params[8:12], n)

	r.Kernel(simID, 0, "kernels.sim", "axpy_params").
		Grid(n, 1, 1).Block(64, 1, 1).
		Params(InOut("y").Bind(y), Input("x").Bind(x)).
		Struct(params, 8).
		Run()
	assert.Equal(t, 3*float64(n-1), y[n-1])
}

func TestKernelInvalidParameters(t *testing.T) {
	sink := &failure.CollectSink{}
	r, simID := newRuntime(t, sink)

	tests := []struct {
		name  string
		param *ParamBuilder
	}{
		{"EmptyName", Input("").Bind([]float64{1})},
		{"NoSize", Output("x").Type(Float64)},
		{"NoType", Temp("t").Size(8)},
		{"TempWithBinding", Temp("t").Bind([]float64{1})},
		{"TempWithCopy", Temp("t").Type(INT32).Size(8).CopyTo()},
		{"UnsupportedScalar", Scalar("s").Bind("text")},
		{"ConvertedMatrix", InOut("M").Bind(mat.NewDense(2, 2, nil)).Convert(Float32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink.Reset()
			r.Kernel(simID, 0, "kernels.sim", "invert_u8").
				Grid(64, 1, 1).Block(64, 1, 1).
				Params(tt.param).
				Run()
			failures := sink.Failures()
			require.Len(t, failures, 1)
			assert.Equal(t, failure.ConfigurationError, failures[0].Kind)
			assert.Equal(t, "launch_kernel", failures[0].Op)
		})
	}
}

func TestParamDefaults(t *testing.T) {
	in := Input("a").Bind([]float32{1, 2, 3}).Spec()
	assert.True(t, in.NeedsCopyTo())
	assert.False(t, in.NeedsCopyBack())
	assert.True(t, in.IsConst())
	assert.Equal(t, int64(3), in.Size)
	assert.Equal(t, int64(12), in.DeviceBytes())

	conv := Input("a").Bind([]float32{1, 2, 3}).Convert(Float16).Spec()
	assert.Equal(t, Float16, conv.GetEffectiveType())
	assert.Equal(t, int64(6), conv.DeviceBytes())

	out := Output("b").Bind([]int64{0}).Spec()
	assert.False(t, out.NeedsCopyTo())
	assert.True(t, out.NeedsCopyBack())
	assert.False(t, out.IsConst())

	io := InOut("c").Bind([]int32{0}).NoCopy().Spec()
	assert.False(t, io.NeedsCopyTo())
	assert.False(t, io.NeedsCopyBack())

	// copies need a binding
	assert.False(t, Output("d").Type(Float64).Size(4).Copy().Spec().NeedsCopyBack())

	m := InOut("M").Bind(mat.NewDense(3, 2, nil)).Spec()
	assert.True(t, m.IsMatrix)
	assert.Equal(t, 3, m.MatrixRows)
	assert.Equal(t, 2, m.MatrixCols)
	assert.Equal(t, Float64, m.DataType)

	assert.Equal(t, "inout", DirectionInOut.String())
	assert.Equal(t, "Direction(9)", Direction(9).String())
}

func TestScalarArguments(t *testing.T) {
	tests := []struct {
		name  string
		param *ParamBuilder
		size  uint32
		want  []byte
	}{
		{"Float64", Scalar("a").Bind(1.5), 8, platform.Val(1.5).Data},
		{"IntToFloat64", Scalar("a").Bind(2).Convert(Float64), 8, platform.Val(2.0).Data},
		{"Int", Scalar("n").Bind(7), 8, platform.Val(int64(7)).Data},
		{"Int32", Scalar("n").Bind(int32(7)), 4, platform.Val(int32(7)).Data},
		{"Float64ToInt32", Scalar("n").Bind(3.0).Convert(INT32), 4, platform.Val(int32(3)).Data},
		{"Float16", Scalar("h").Bind(float32(1.5)).Convert(Float16), 2,
			binary.NativeEndian.AppendUint16(nil, float16.Fromfloat32(1.5).Bits())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.param.Spec()
			require.NoError(t, spec.Validate())
			arg, err := spec.scalarArg()
			require.NoError(t, err)
			assert.Equal(t, platform.Value, arg.Kind)
			assert.Equal(t, tt.size, arg.Size)
			assert.Equal(t, tt.want, arg.Data)
		})
	}
}

func TestSpecQueriesOnBuilderResult(t *testing.T) {
	tests := []struct {
		name     string
		param    *ParamBuilder
		bytes    int64
		typ      DataType
		copyTo   bool
		copyBack bool
	}{
		{"Input", Input("x").Bind([]float64{1, 2, 3}), 24, Float64, true, false},
		{"Converted", Input("x").Bind([]float64{1, 2}).Convert(Float32), 8, Float32, true, false},
		{"UnboundOutput", Output("y").Type(INT32).Size(5).Copy(), 20, INT32, false, false},
		{"Temp", Temp("w").Type(Float64).Size(2), 16, Float64, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.param.Spec().Validate())
			assert.Equal(t, tt.bytes, tt.param.Spec().DeviceBytes())
			assert.Equal(t, tt.typ, tt.param.Spec().GetEffectiveType())
			assert.Equal(t, tt.copyTo, tt.param.Spec().NeedsCopyTo())
			assert.Equal(t, tt.copyBack, tt.param.Spec().NeedsCopyBack())
		})
	}
}
