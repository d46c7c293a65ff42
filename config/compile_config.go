package config

import (
	"fmt"
	"strings"
)

// Arch is the execution target a task is compiled for
type Arch int

const (
	X64 Arch = iota
	ARM64
	CUDA
	OpenCL
)

// IsSequential reports whether the target runs one worker per task, with
// no concurrency inside a block
func (a Arch) IsSequential() bool {
	return a == X64 || a == ARM64
}

func (a Arch) String() string {
	switch a {
	case X64:
		return "x64"
	case ARM64:
		return "arm64"
	case CUDA:
		return "cuda"
	case OpenCL:
		return "opencl"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}

// ParseArch converts a target name to an Arch
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "x64", "x86_64", "cpu":
		return X64, nil
	case "arm64":
		return ARM64, nil
	case "cuda":
		return CUDA, nil
	case "opencl":
		return OpenCL, nil
	}
	return 0, fmt.Errorf("unknown arch %q", name)
}

// CompileConfig holds the compile-time switches the mesh passes read
type CompileConfig struct {
	Arch Arch

	// Cache the index mapping of relation to-end element types
	MeshLocalizeToEndMapping bool
	// Cache the index mapping of relation from-end element types
	MeshLocalizeFromEndMapping bool
	// Cache the index mapping of every element type with cached attributes
	MeshLocalizeAllAttrMappings bool
	// Derive owned reordered indices arithmetically instead of loading them
	OptimizeMeshReorderedMapping bool

	// Print a summary line per rewritten task
	Verbose bool
}

// Default returns the configuration used when none is supplied
func Default() *CompileConfig {
	return &CompileConfig{
		Arch:                         X64,
		MeshLocalizeToEndMapping:     true,
		MeshLocalizeFromEndMapping:   false,
		MeshLocalizeAllAttrMappings:  false,
		OptimizeMeshReorderedMapping: true,
	}
}

// WithArch returns a copy targeting arch
func (c *CompileConfig) WithArch(arch Arch) *CompileConfig {
	cp := *c
	cp.Arch = arch
	return &cp
}

func (c *CompileConfig) String() string {
	return fmt.Sprintf("arch=%s to_end=%v from_end=%v all_attr=%v reordered_fast_path=%v",
		c.Arch, c.MeshLocalizeToEndMapping, c.MeshLocalizeFromEndMapping,
		c.MeshLocalizeAllAttrMappings, c.OptimizeMeshReorderedMapping)
}
