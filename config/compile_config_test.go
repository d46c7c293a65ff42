package config

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, X64, cfg.Arch)
	assert.True(t, cfg.MeshLocalizeToEndMapping)
	assert.False(t, cfg.MeshLocalizeFromEndMapping)
	assert.False(t, cfg.MeshLocalizeAllAttrMappings)
	assert.True(t, cfg.OptimizeMeshReorderedMapping)
}

func TestWithArchCopies(t *testing.T) {
	cfg := Default()
	gpu := cfg.WithArch(CUDA)
	assert.Equal(t, CUDA, gpu.Arch)
	assert.Equal(t, X64, cfg.Arch)
}

func TestParseArch(t *testing.T) {
	tests := []struct {
		name       string
		arch       Arch
		sequential bool
	}{
		{"x64", X64, true},
		{"CPU", X64, true},
		{"arm64", ARM64, true},
		{"cuda", CUDA, false},
		{"OpenCL", OpenCL, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch, err := ParseArch(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.arch, arch)
			assert.Equal(t, tt.sequential, arch.IsSequential())
		})
	}

	_, err := ParseArch("tpu")
	assert.Error(t, err)
}
