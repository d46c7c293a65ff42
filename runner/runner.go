package runner

import (
	"context"
	"fmt"
	"github.com/notargets/gocca"
	"github.com/notargets/meshbls/codegen"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/kernels"
)

// Runner compiles mesh-for tasks to OKL and executes them on an OCCA
// device. Every field a kernel references is allocated once and kept on the
// device until Free; written fields are copied back after each launch.
type Runner struct {
	Device       *gocca.OCCADevice
	Arch         config.Arch
	Binding      *kernels.MeshBinding
	Kernels      map[string]*gocca.OCCAKernel
	PooledMemory map[*ir.Field]*gocca.OCCAMemory
	Sources      map[string]string

	host map[*ir.Field][]float64
}

// NewRunner creates a Runner for a bound mesh. The arch must match the one
// the tasks were compiled for.
func NewRunner(device *gocca.OCCADevice, mb *kernels.MeshBinding, arch config.Arch) *Runner {
	if device == nil || mb == nil {
		panic("device and mesh binding cannot be nil")
	}
	kr := &Runner{
		Device:       device,
		Arch:         arch,
		Binding:      mb,
		Kernels:      make(map[string]*gocca.OCCAKernel),
		PooledMemory: make(map[*ir.Field]*gocca.OCCAMemory),
		Sources:      make(map[string]string),
		host:         make(map[*ir.Field][]float64, len(mb.Host)),
	}
	for f, v := range mb.Host {
		kr.host[f] = append([]float64(nil), v...)
	}
	return kr
}

// Field returns a copy of the host view of f
func (kr *Runner) Field(f *ir.Field) []float64 {
	return append([]float64(nil), kr.host[f]...)
}

// Run executes every top-level task under root in order
func (kr *Runner) Run(ctx context.Context, root *ir.Block) error {
	for _, s := range root.Statements {
		o, ok := s.(*ir.OffloadedStmt)
		if !ok {
			return fmt.Errorf("top level statement %T is not a task", s)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := kr.RunTask(o); err != nil {
			return fmt.Errorf("task %s: %w", o.Name, err)
		}
	}
	return nil
}

// RunTask generates, builds and launches one task, then copies the fields it
// writes back to the host
func (kr *Runner) RunTask(o *ir.OffloadedStmt) error {
	gen, err := codegen.Generate(o, kr.Arch)
	if err != nil {
		return err
	}
	kernel, err := kr.BuildKernel(gen.Source, gen.Name)
	if err != nil {
		return err
	}

	args := []interface{}{o.Mesh.NumPatches}
	for _, f := range gen.Fields {
		mem, err := kr.memory(f)
		if err != nil {
			return err
		}
		args = append(args, mem)
	}

	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	kr.Device.Finish()

	for _, f := range gen.Outputs {
		if err := fromDevice(kr.PooledMemory[f], f, kr.host[f]); err != nil {
			return fmt.Errorf("post-kernel copy failed: %w", err)
		}
	}
	return nil
}

func (kr *Runner) memory(f *ir.Field) (*gocca.OCCAMemory, error) {
	if mem, ok := kr.PooledMemory[f]; ok {
		return mem, nil
	}
	host, ok := kr.host[f]
	if !ok {
		host = make([]float64, f.Size)
		kr.host[f] = host
	}
	mem, err := kr.allocate(f, host)
	if err != nil {
		return nil, err
	}
	kr.PooledMemory[f] = mem
	return mem, nil
}

// BuildKernel compiles and registers a kernel, reusing an earlier build of
// the same source
func (kr *Runner) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	if kernel, ok := kr.Kernels[kernelName]; ok && kr.Sources[kernelName] == kernelSource {
		return kernel, nil
	}

	var kernel *gocca.OCCAKernel
	var err error
	if kr.Device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, props)
	} else {
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}

	if old, ok := kr.Kernels[kernelName]; ok {
		old.Free()
	}
	kr.Kernels[kernelName] = kernel
	kr.Sources[kernelName] = kernelSource
	return kernel, nil
}

// Free releases all kernels and device memory
func (kr *Runner) Free() {
	for _, kernel := range kr.Kernels {
		kernel.Free()
	}
	for _, mem := range kr.PooledMemory {
		mem.Free()
	}
	kr.Kernels = make(map[string]*gocca.OCCAKernel)
	kr.PooledMemory = make(map[*ir.Field]*gocca.OCCAMemory)
}
