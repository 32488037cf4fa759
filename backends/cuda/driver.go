package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// CUresult is a driver API status code.
type CUresult int32

const (
	cudaSuccess       CUresult = 0
	cudaErrorNotReady CUresult = 600
)

var cuResultNames = map[CUresult]string{
	1: "CUDA_ERROR_INVALID_VALUE", 2: "CUDA_ERROR_OUT_OF_MEMORY", 3: "CUDA_ERROR_NOT_INITIALIZED",
	100: "CUDA_ERROR_NO_DEVICE", 101: "CUDA_ERROR_INVALID_DEVICE", 200: "CUDA_ERROR_INVALID_IMAGE",
	201: "CUDA_ERROR_INVALID_CONTEXT", 209: "CUDA_ERROR_NO_BINARY_FOR_GPU", 218: "CUDA_ERROR_INVALID_PTX",
	400: "CUDA_ERROR_INVALID_HANDLE", 500: "CUDA_ERROR_NOT_FOUND", 600: "CUDA_ERROR_NOT_READY",
	700: "CUDA_ERROR_ILLEGAL_ADDRESS", 701: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	702: "CUDA_ERROR_LAUNCH_TIMEOUT", 719: "CUDA_ERROR_LAUNCH_FAILED",
}

func (r CUresult) String() string {
	if name, ok := cuResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// nvrtcResult is an NVRTC status code.
type nvrtcResult int32

const (
	cuDeviceAttributeMaxThreadsPerBlock      = 1
	cuDeviceAttributeMaxSharedMemoryPerBlock = 8
	cuDeviceAttributeMultiprocessorCount     = 16
	cuDeviceAttributeComputeCapabilityMajor  = 75
	cuDeviceAttributeComputeCapabilityMinor  = 76

	cuFuncAttributeMaxThreadsPerBlock = 0
	cuFuncAttributeSharedSizeBytes    = 1
	cuFuncAttributeConstSizeBytes     = 2
	cuFuncAttributeLocalSizeBytes     = 3
	cuFuncAttributeNumRegs            = 4

	cuMemHostAllocDeviceMap = 0x02
	cuMemAttachGlobal       = 0x01
	cuEventDefault          = 0
)

var (
	driverOnce sync.Once
	driverErr  error
	nvrtcOnce  sync.Once
	nvrtcErr   error

	cuInit                    func(flags uint32) CUresult
	cuDeviceGetCount          func(count *int32) CUresult
	cuDeviceGet               func(device *int32, ordinal int32) CUresult
	cuDeviceGetName           func(name *byte, n int32, dev int32) CUresult
	cuDeviceGetAttribute      func(pi *int32, attrib int32, dev int32) CUresult
	cuDeviceTotalMem          func(bytes *uint64, dev int32) CUresult
	cuDevicePrimaryCtxRetain  func(pctx *uintptr, dev int32) CUresult
	cuDevicePrimaryCtxRelease func(dev int32) CUresult
	cuCtxPushCurrent          func(ctx uintptr) CUresult
	cuCtxPopCurrent           func(pctx *uintptr) CUresult
	cuCtxSynchronize          func() CUresult
	cuMemAlloc                func(dptr *uint64, size uint64) CUresult
	cuMemAllocManaged         func(dptr *uint64, size uint64, flags uint32) CUresult
	cuMemHostAlloc            func(pp *unsafe.Pointer, size uint64, flags uint32) CUresult
	cuMemHostGetDevicePointer func(dptr *uint64, p unsafe.Pointer, flags uint32) CUresult
	cuMemFree                 func(dptr uint64) CUresult
	cuMemFreeHost             func(p unsafe.Pointer) CUresult
	cuMemcpyHtoD              func(dst uint64, src unsafe.Pointer, n uint64) CUresult
	cuMemcpyDtoH              func(dst unsafe.Pointer, src uint64, n uint64) CUresult
	cuMemcpyDtoD              func(dst uint64, src uint64, n uint64) CUresult
	cuModuleLoadData          func(mod *uintptr, image unsafe.Pointer) CUresult
	cuModuleGetFunction       func(fn *uintptr, mod uintptr, name *byte) CUresult
	cuFuncGetAttribute        func(pi *int32, attrib int32, fn uintptr) CUresult
	cuLaunchKernel            func(f uintptr, gx, gy, gz, bx, by, bz, sharedMem uint32, stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) CUresult
	cuEventCreate             func(ev *uintptr, flags uint32) CUresult
	cuEventRecord             func(ev uintptr, stream uintptr) CUresult
	cuEventQuery              func(ev uintptr) CUresult
	cuEventElapsedTime        func(ms *float32, start, end uintptr) CUresult
	cuEventDestroy            func(ev uintptr) CUresult
	cuGetErrorString          func(r CUresult, str **byte) CUresult

	nvrtcCreateProgram     func(prog *uintptr, src *byte, name *byte, numHeaders int32, headers **byte, includeNames **byte) nvrtcResult
	nvrtcCompileProgram    func(prog uintptr, numOptions int32, options **byte) nvrtcResult
	nvrtcGetPTXSize        func(prog uintptr, size *uint64) nvrtcResult
	nvrtcGetPTX            func(prog uintptr, ptx *byte) nvrtcResult
	nvrtcGetProgramLogSize func(prog uintptr, size *uint64) nvrtcResult
	nvrtcGetProgramLog     func(prog uintptr, log *byte) nvrtcResult
	nvrtcDestroyProgram    func(prog *uintptr) nvrtcResult
	nvrtcGetErrorString    func(r nvrtcResult) *byte
)

func dlopen(names ...string) (uintptr, error) {
	var lastErr error
	for _, name := range names {
		lib, err := purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err == nil {
			return lib, nil
		}
		lastErr = err
	}
	return 0, errors.Wrapf(lastErr, "cannot load %s", names[0])
}

// loadDriver binds libcuda and initialises the driver.
func loadDriver() error {
	driverOnce.Do(func() {
		lib, err := dlopen("libcuda.so.1", "libcuda.so")
		if err != nil {
			driverErr = err
			return
		}
		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRetain, lib, "cuDevicePrimaryCtxRetain")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRelease, lib, "cuDevicePrimaryCtxRelease_v2")
		purego.RegisterLibFunc(&cuCtxPushCurrent, lib, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, lib, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&cuCtxSynchronize, lib, "cuCtxSynchronize")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemAllocManaged, lib, "cuMemAllocManaged")
		purego.RegisterLibFunc(&cuMemHostAlloc, lib, "cuMemHostAlloc")
		purego.RegisterLibFunc(&cuMemHostGetDevicePointer, lib, "cuMemHostGetDevicePointer_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemFreeHost, lib, "cuMemFreeHost")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoD, lib, "cuMemcpyDtoD_v2")
		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuFuncGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")
		purego.RegisterLibFunc(&cuEventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&cuEventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&cuEventQuery, lib, "cuEventQuery")
		purego.RegisterLibFunc(&cuEventElapsedTime, lib, "cuEventElapsedTime")
		purego.RegisterLibFunc(&cuEventDestroy, lib, "cuEventDestroy_v2")
		purego.RegisterLibFunc(&cuGetErrorString, lib, "cuGetErrorString")

		if r := cuInit(0); r != cudaSuccess {
			driverErr = errors.Errorf("cuInit(): %s", r)
		}
	})
	return driverErr
}

// loadNVRTC binds the runtime compiler. It is only needed for .cu sources.
func loadNVRTC() error {
	nvrtcOnce.Do(func() {
		lib, err := dlopen("libnvrtc.so", "libnvrtc.so.12", "libnvrtc.so.11.2")
		if err != nil {
			nvrtcErr = err
			return
		}
		purego.RegisterLibFunc(&nvrtcCreateProgram, lib, "nvrtcCreateProgram")
		purego.RegisterLibFunc(&nvrtcCompileProgram, lib, "nvrtcCompileProgram")
		purego.RegisterLibFunc(&nvrtcGetPTXSize, lib, "nvrtcGetPTXSize")
		purego.RegisterLibFunc(&nvrtcGetPTX, lib, "nvrtcGetPTX")
		purego.RegisterLibFunc(&nvrtcGetProgramLogSize, lib, "nvrtcGetProgramLogSize")
		purego.RegisterLibFunc(&nvrtcGetProgramLog, lib, "nvrtcGetProgramLog")
		purego.RegisterLibFunc(&nvrtcDestroyProgram, lib, "nvrtcDestroyProgram")
		purego.RegisterLibFunc(&nvrtcGetErrorString, lib, "nvrtcGetErrorString")
	})
	return nvrtcErr
}

// cString returns a NUL-terminated copy of s.
func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

// goString copies a NUL-terminated C string.
func goString(p *byte) string {
	if p == nil {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

// describe decodes a driver status with cuGetErrorString.
func describe(r CUresult) string {
	var s *byte
	if cuGetErrorString != nil && cuGetErrorString(r, &s) == cudaSuccess && s != nil {
		return goString(s)
	}
	return r.String()
}
