//go:build opencl
// +build opencl

package gpu

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo windows LDFLAGS: -lOpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_int gs_build(cl_program prog, cl_device_id dev, const char* opts) {
	return clBuildProgram(prog, 1, &dev, opts, NULL, NULL);
}

static cl_program gs_create_program(cl_context ctx, const char* src, cl_int* err) {
	return clCreateProgramWithSource(ctx, 1, &src, NULL, err);
}

static cl_context gs_create_context(cl_platform_id plat, cl_device_id dev, cl_int* err) {
	cl_context_properties props[3] = {
		CL_CONTEXT_PLATFORM, (cl_context_properties)plat, 0
	};
	return clCreateContext(props, 1, &dev, NULL, NULL, err);
}

static cl_int gs_enqueue(cl_command_queue q, cl_kernel k, size_t global, size_t local, cl_event* ev) {
	return clEnqueueNDRangeKernel(q, k, 1, NULL, &global, &local, 0, NULL, ev);
}
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/fxnlabs/gpustress/internal/kernels"
	"go.uber.org/zap"
)

type clError C.cl_int

func (e clError) Error() string {
	return fmt.Sprintf("OpenCL error %d", int(e))
}

func clCheck(op string, code C.cl_int) error {
	if code == C.CL_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s: %w", op, clError(code))
}

type clDeviceHandle struct {
	platform C.cl_platform_id
	device   C.cl_device_id
}

// OpenCLBackend implements Backend on top of the system OpenCL ICD loader.
type OpenCLBackend struct {
	logger      *zap.Logger
	initialized bool
	platforms   []Platform
}

// NewOpenCLBackend creates a new OpenCL backend instance
func NewOpenCLBackend(logger *zap.Logger) *OpenCLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenCLBackend{logger: logger}
}

func (b *OpenCLBackend) Name() string {
	return "opencl"
}

// IsAvailable checks that at least one OpenCL platform is installed.
func (b *OpenCLBackend) IsAvailable() bool {
	var n C.cl_uint
	if C.clGetPlatformIDs(0, nil, &n) != C.CL_SUCCESS {
		return false
	}
	return n > 0
}

func (b *OpenCLBackend) Initialize() error {
	if b.initialized {
		return nil
	}
	var n C.cl_uint
	if err := clCheck("clGetPlatformIDs", C.clGetPlatformIDs(0, nil, &n)); err != nil {
		return err
	}
	if n == 0 {
		b.initialized = true
		return nil
	}
	ids := make([]C.cl_platform_id, n)
	if err := clCheck("clGetPlatformIDs", C.clGetPlatformIDs(n, &ids[0], nil)); err != nil {
		return err
	}

	for _, pid := range ids {
		p := Platform{
			Name:   platformString(pid, C.CL_PLATFORM_NAME),
			Vendor: platformString(pid, C.CL_PLATFORM_VENDOR),
		}
		var dn C.cl_uint
		code := C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, 0, nil, &dn)
		if code == C.CL_DEVICE_NOT_FOUND || dn == 0 {
			b.platforms = append(b.platforms, p)
			continue
		}
		if err := clCheck("clGetDeviceIDs", code); err != nil {
			return err
		}
		devs := make([]C.cl_device_id, dn)
		if err := clCheck("clGetDeviceIDs", C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, dn, &devs[0], nil)); err != nil {
			return err
		}
		for j, did := range devs {
			p.Devices = append(p.Devices, describeDevice(p.Name, j, pid, did))
		}
		b.platforms = append(b.platforms, p)
	}
	b.initialized = true
	b.logger.Info("OpenCL backend initialized", zap.Int("platforms", len(b.platforms)))
	return nil
}

func (b *OpenCLBackend) Cleanup() error {
	b.platforms = nil
	b.initialized = false
	return nil
}

func (b *OpenCLBackend) Platforms() ([]Platform, error) {
	if !b.initialized {
		return nil, fmt.Errorf("OpenCL backend not initialized")
	}
	return b.platforms, nil
}

func (b *OpenCLBackend) Open(d Descriptor) (Context, error) {
	h, ok := d.handle.(clDeviceHandle)
	if !ok {
		return nil, fmt.Errorf("device %s does not belong to the OpenCL backend", d.Label())
	}
	var code C.cl_int
	ctx := C.gs_create_context(h.platform, h.device, &code)
	if err := clCheck("clCreateContext", code); err != nil {
		return nil, err
	}
	return &clContext{logger: b.logger, desc: d, device: h.device, ctx: ctx}, nil
}

func platformString(pid C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(pid, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetPlatformInfo(pid, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

func deviceString(did C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(did, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(did, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

func describeDevice(platformName string, idx int, pid C.cl_platform_id, did C.cl_device_id) Descriptor {
	var (
		devType  C.cl_device_type
		units    C.cl_uint
		clock    C.cl_uint
		group    C.size_t
		memBytes C.cl_ulong
	)
	C.clGetDeviceInfo(did, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(devType)), unsafe.Pointer(&devType), nil)
	C.clGetDeviceInfo(did, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(units)), unsafe.Pointer(&units), nil)
	C.clGetDeviceInfo(did, C.CL_DEVICE_MAX_CLOCK_FREQUENCY, C.size_t(unsafe.Sizeof(clock)), unsafe.Pointer(&clock), nil)
	C.clGetDeviceInfo(did, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(group)), unsafe.Pointer(&group), nil)
	C.clGetDeviceInfo(did, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(memBytes)), unsafe.Pointer(&memBytes), nil)

	var t DeviceType
	if devType&C.CL_DEVICE_TYPE_CPU != 0 {
		t |= DeviceCPU
	}
	if devType&C.CL_DEVICE_TYPE_GPU != 0 {
		t |= DeviceGPU
	}
	if devType&C.CL_DEVICE_TYPE_ACCELERATOR != 0 {
		t |= DeviceAccelerator
	}
	return Descriptor{
		DeviceID:     idx,
		PlatformName: platformName,
		Name:         deviceString(did, C.CL_DEVICE_NAME),
		Vendor:       deviceString(did, C.CL_DEVICE_VENDOR),
		Type:         t,
		ComputeUnits: uint(units),
		MaxGroupSize: uint(group),
		GlobalMemory: uint64(memBytes),
		ClockMHz:     uint(clock),
		Backend:      "opencl",
		handle:       clDeviceHandle{platform: pid, device: did},
	}
}

type clContext struct {
	logger *zap.Logger
	desc   Descriptor
	device C.cl_device_id
	ctx    C.cl_context
}

func (c *clContext) NewQueue(profiling bool) (Queue, error) {
	var props C.cl_command_queue_properties
	if profiling {
		props = C.CL_QUEUE_PROFILING_ENABLE
	}
	var code C.cl_int
	q := C.clCreateCommandQueue(c.ctx, c.device, props, &code)
	if err := clCheck("clCreateCommandQueue", code); err != nil {
		return nil, err
	}
	return &clQueue{q: q, profiling: profiling}, nil
}

func (c *clContext) NewBuffer(elements int) (Buffer, error) {
	var code C.cl_int
	mem := C.clCreateBuffer(c.ctx, C.CL_MEM_READ_WRITE, C.size_t(elements)<<2, nil, &code)
	if err := clCheck("clCreateBuffer", code); err != nil {
		return nil, err
	}
	return &clBuffer{mem: mem, n: elements}, nil
}

func (c *clContext) Build(prog kernels.Program, opts BuildOptions) (Kernel, error) {
	src := C.CString(prog.Source)
	defer C.free(unsafe.Pointer(src))
	var code C.cl_int
	program := C.gs_create_program(c.ctx, src, &code)
	if err := clCheck("clCreateProgramWithSource", code); err != nil {
		return nil, err
	}

	copts := C.CString(opts.Defines())
	defer C.free(unsafe.Pointer(copts))
	buildErr := clCheck("clBuildProgram", C.gs_build(program, c.device, copts))
	log := c.buildLog(program)
	if buildErr != nil {
		C.clReleaseProgram(program)
		return nil, &BuildError{Device: c.desc.Label(), Log: log, Err: buildErr}
	}

	name := C.CString(prog.Name)
	defer C.free(unsafe.Pointer(name))
	kernel := C.clCreateKernel(program, name, &code)
	if err := clCheck("clCreateKernel", code); err != nil {
		C.clReleaseProgram(program)
		return nil, err
	}
	var group C.size_t
	if err := clCheck("clGetKernelWorkGroupInfo", C.clGetKernelWorkGroupInfo(kernel, c.device,
		C.CL_KERNEL_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(group)), unsafe.Pointer(&group), nil)); err != nil {
		C.clReleaseKernel(kernel)
		C.clReleaseProgram(program)
		return nil, err
	}
	return &clKernel{program: program, kernel: kernel, maxGroup: uint(group), log: log,
		variant: prog.Variant}, nil
}

func (c *clContext) buildLog(program C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(program, c.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(program, c.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

func (c *clContext) Release() error {
	return clCheck("clReleaseContext", C.clReleaseContext(c.ctx))
}

type clBuffer struct {
	mem C.cl_mem
	n   int
}

func (b *clBuffer) Len() int {
	return b.n
}

func (b *clBuffer) Release() error {
	return clCheck("clReleaseMemObject", C.clReleaseMemObject(b.mem))
}

type clKernel struct {
	mu       sync.Mutex
	program  C.cl_program
	kernel   C.cl_kernel
	maxGroup uint
	log      string
	variant  kernels.Variant
}

func (k *clKernel) MaxGroupSize() uint {
	return k.maxGroup
}

func (k *clKernel) BuildLog() string {
	return k.log
}

func (k *clKernel) Release() error {
	C.clReleaseKernel(k.kernel)
	return clCheck("clReleaseProgram", C.clReleaseProgram(k.program))
}

type clQueue struct {
	q         C.cl_command_queue
	profiling bool
}

func (q *clQueue) Write(buf Buffer, src []float32) error {
	b, ok := buf.(*clBuffer)
	if !ok || len(src) != b.n {
		return fmt.Errorf("write size mismatch")
	}
	return clCheck("clEnqueueWriteBuffer", C.clEnqueueWriteBuffer(q.q, b.mem, C.CL_TRUE, 0,
		C.size_t(b.n)<<2, unsafe.Pointer(&src[0]), 0, nil, nil))
}

func (q *clQueue) Read(buf Buffer, dst []float32) error {
	b, ok := buf.(*clBuffer)
	if !ok || len(dst) != b.n {
		return fmt.Errorf("read size mismatch")
	}
	return clCheck("clEnqueueReadBuffer", C.clEnqueueReadBuffer(q.q, b.mem, C.CL_TRUE, 0,
		C.size_t(b.n)<<2, unsafe.Pointer(&dst[0]), 0, nil, nil))
}

func (q *clQueue) Launch(k Kernel, args LaunchArgs) (Event, error) {
	kern, ok := k.(*clKernel)
	if !ok {
		return nil, fmt.Errorf("foreign kernel")
	}
	in, okIn := args.Input.(*clBuffer)
	out, okOut := args.Output.(*clBuffer)
	if !okIn || !okOut {
		return nil, fmt.Errorf("foreign buffer")
	}

	// Arguments are captured at enqueue time.
	kern.mu.Lock()
	defer kern.mu.Unlock()
	ws := C.cl_uint(args.WorkSize)
	if err := clCheck("clSetKernelArg", C.clSetKernelArg(kern.kernel, 0, C.size_t(unsafe.Sizeof(ws)), unsafe.Pointer(&ws))); err != nil {
		return nil, err
	}
	inMem, outMem := in.mem, out.mem
	if err := clCheck("clSetKernelArg", C.clSetKernelArg(kern.kernel, 1, C.size_t(unsafe.Sizeof(inMem)), unsafe.Pointer(&inMem))); err != nil {
		return nil, err
	}
	if err := clCheck("clSetKernelArg", C.clSetKernelArg(kern.kernel, 2, C.size_t(unsafe.Sizeof(outMem)), unsafe.Pointer(&outMem))); err != nil {
		return nil, err
	}
	if kern.variant.Polynomial() {
		if args.Poly == nil {
			return nil, fmt.Errorf("missing polynomial arguments")
		}
		for i, p := range args.Poly {
			v := C.cl_float(p)
			if err := clCheck("clSetKernelArg", C.clSetKernelArg(kern.kernel, C.cl_uint(3+i), C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v))); err != nil {
				return nil, err
			}
		}
	}

	var ev C.cl_event
	code := C.gs_enqueue(q.q, kern.kernel, C.size_t(args.WorkSize), C.size_t(args.GroupSize), &ev)
	if code == C.CL_INVALID_WORK_GROUP_SIZE {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkGroupSize, args.GroupSize)
	}
	if err := clCheck("clEnqueueNDRangeKernel", code); err != nil {
		return nil, err
	}
	return &clEvent{ev: ev, profiling: q.profiling}, nil
}

func (q *clQueue) Finish() error {
	return clCheck("clFinish", C.clFinish(q.q))
}

func (q *clQueue) Release() error {
	return clCheck("clReleaseCommandQueue", C.clReleaseCommandQueue(q.q))
}

type clEvent struct {
	ev        C.cl_event
	profiling bool
	released  bool
}

func (e *clEvent) Wait() error {
	code := C.clWaitForEvents(1, &e.ev)
	if s := e.Status(); s < 0 {
		return &ExecutionError{Status: s}
	}
	return clCheck("clWaitForEvents", code)
}

func (e *clEvent) Status() int {
	var status C.cl_int
	if code := C.clGetEventInfo(e.ev, C.CL_EVENT_COMMAND_EXECUTION_STATUS,
		C.size_t(unsafe.Sizeof(status)), unsafe.Pointer(&status), nil); code != C.CL_SUCCESS {
		return int(code)
	}
	return int(status)
}

func (e *clEvent) Duration() (time.Duration, error) {
	if !e.profiling {
		return 0, ErrProfilingDisabled
	}
	var start, end C.cl_ulong
	if err := clCheck("clGetEventProfilingInfo", C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_START,
		C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start), nil)); err != nil {
		return 0, err
	}
	if err := clCheck("clGetEventProfilingInfo", C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_END,
		C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil)); err != nil {
		return 0, err
	}
	return time.Duration(end - start), nil
}

func (e *clEvent) Release() {
	if !e.released {
		e.released = true
		C.clReleaseEvent(e.ev)
	}
}
