package main

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDumpIRAndOKL(t *testing.T) {
	out, err := execute(t, "--kernel", "vertex_accumulate", "--nx", "3", "--ny", "3",
		"--patch-size", "3", "--arch", "cuda", "--ir", "--okl")
	require.NoError(t, err)

	assert.Contains(t, out, "mesh: 9 cells, 16 vertices, 3 patches")
	assert.Contains(t, out, "config: arch=cuda")
	assert.Contains(t, out, "report: bls_size=")
	assert.Contains(t, out, "# before")
	assert.Contains(t, out, "# after")
	assert.Contains(t, out, "bls_epilogue {")
	assert.Contains(t, out, "@kernel void vertex_accumulate(")
	assert.NotContains(t, out, "# interpreter")
}

func TestExecuteInterpreter(t *testing.T) {
	out, err := execute(t, "--kernel", "vertex_copy", "--nx", "2", "--ny", "1", "--exec")
	require.NoError(t, err)
	assert.Contains(t, out, "# interpreter")
	assert.Contains(t, out, "S = [0 2 4 6 8 10]")
	assert.Contains(t, out, "X = [0 2 4 6 8 10]")
}

func TestNoCache(t *testing.T) {
	out, err := execute(t, "--no-cache", "--exec")
	require.NoError(t, err)
	assert.NotContains(t, out, "report:")
	assert.True(t, strings.Contains(out, "C = ["))
}

func TestBadArguments(t *testing.T) {
	tests := map[string][]string{
		"unknown kernel": {"--kernel", "nope"},
		"unknown arch":   {"--arch", "mips"},
		"bad grid":       {"--nx", "0"},
		"missing mesh":   {"--mesh", "/nonexistent/mesh.neu"},
		"positional":     {"extra"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestMetisPatches(t *testing.T) {
	if os.Getenv("MESHBLS_METIS_TESTS") == "" {
		t.Skip("set MESHBLS_METIS_TESTS to run METIS tests")
	}
	out, err := execute(t, "--metis", "--nx", "6", "--ny", "6", "--patch-size", "9", "--exec")
	require.NoError(t, err)
	assert.Contains(t, out, "mesh: 36 cells, 49 vertices, 4 patches")
	assert.Contains(t, out, "# interpreter")
}
