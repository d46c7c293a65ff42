package interp

import (
	"context"
	"fmt"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/kernels"
	"github.com/notargets/meshbls/mesh"
	"github.com/notargets/meshbls/transforms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type runCase struct {
	name     string
	arch     config.Arch
	nested   bool
	cached   bool
	fastPath bool
	fromEnd  bool
	allAttr  bool
	noToEnd  bool // attributes cached, mappings left in global memory
}

func runCases() []runCase {
	var cases []runCase
	for _, arch := range []config.Arch{config.X64, config.CUDA} {
		cases = append(cases, runCase{name: arch.String() + "/global", arch: arch})
		for _, nested := range []bool{false, true} {
			for _, fast := range []bool{true, false} {
				cases = append(cases, runCase{
					name:     fmt.Sprintf("%s/nested=%v/fast=%v", arch, nested, fast),
					arch:     arch,
					nested:   nested,
					cached:   true,
					fastPath: fast,
				})
			}
		}
		for _, nested := range []bool{false, true} {
			for _, fast := range []bool{true, false} {
				cases = append(cases, runCase{
					name:     fmt.Sprintf("%s/attr_only/nested=%v/fast=%v", arch, nested, fast),
					arch:     arch,
					nested:   nested,
					cached:   true,
					fastPath: fast,
					noToEnd:  true,
				})
			}
		}
		cases = append(cases,
			runCase{name: arch.String() + "/from_end", arch: arch, cached: true, fastPath: true, fromEnd: true},
			runCase{name: arch.String() + "/all_attr", arch: arch, cached: true, allAttr: true},
		)
	}
	return cases
}

func buildLayout(t *testing.T, nx, ny, target int) *mesh.Layout {
	t.Helper()
	pb := &mesh.PatchBuilder{
		Topology:        mesh.GridTopology(nx, ny),
		TargetPatchSize: target,
		Strategy:        mesh.BreadthFirstPatch,
	}
	layout, err := pb.Build()
	require.NoError(t, err)
	return layout
}

func runKernel(t *testing.T, layout *mesh.Layout, build func(*kernels.MeshBinding, kernels.Options) *kernels.Kernel,
	rc runCase) (*kernels.Kernel, *Executor) {
	t.Helper()
	mb := kernels.BindLayout("grid", layout)
	k := build(mb, kernels.Options{BlockDim: 4, Nested: rc.nested})
	if rc.cached {
		cfg := config.Default().WithArch(rc.arch)
		cfg.OptimizeMeshReorderedMapping = rc.fastPath
		cfg.MeshLocalizeFromEndMapping = rc.fromEnd
		cfg.MeshLocalizeAllAttrMappings = rc.allAttr
		cfg.MeshLocalizeToEndMapping = !rc.noToEnd
		require.NoError(t, transforms.MakeMeshBlockLocal(k.Root, cfg, transforms.Args{KernelName: k.Name}))
	}
	ex := NewExecutor(mb, rc.arch)
	require.NoError(t, ex.Run(context.Background(), k.Root))
	return k, ex
}

// incidentCells counts the cells touching each vertex, by reordered id
func incidentCells(layout *mesh.Layout) []float64 {
	count := make([]float64, layout.Topology.NumVertices)
	for _, verts := range layout.Topology.CellToVertex {
		for _, v := range verts {
			count[layout.G2R[mesh.Vertex][v]]++
		}
	}
	return count
}

func TestVertexAccumulate(t *testing.T) {
	layout := buildLayout(t, 4, 4, 4)
	require.Equal(t, 4, layout.NumPatches)
	expected := incidentCells(layout)

	for _, rc := range runCases() {
		t.Run(rc.name, func(t *testing.T) {
			k, ex := runKernel(t, layout, kernels.VertexAccumulate, rc)
			assert.Equal(t, expected, ex.Memory.Field(k.Field("C")))
		})
	}
}

func TestVertexGather(t *testing.T) {
	layout := buildLayout(t, 4, 3, 3)
	topo := layout.Topology
	expected := make([]float64, topo.NumCells()*topo.Arity)
	for c, verts := range topo.CellToVertex {
		row := layout.G2R[mesh.Cell][c] * topo.Arity
		for k, v := range verts {
			expected[row+k] = float64(2 * layout.G2R[mesh.Vertex][v])
		}
	}

	for _, rc := range runCases() {
		t.Run(rc.name, func(t *testing.T) {
			k, ex := runKernel(t, layout, kernels.VertexGather, rc)
			assert.Equal(t, expected, ex.Memory.Field(k.Field("S")))
		})
	}
}

func TestVertexCopy(t *testing.T) {
	layout := buildLayout(t, 5, 2, 3)
	expected := make([]float64, layout.Topology.NumVertices)
	for r := range expected {
		expected[r] = float64(2 * r)
	}

	for _, rc := range runCases() {
		t.Run(rc.name, func(t *testing.T) {
			k, ex := runKernel(t, layout, kernels.VertexCopy, rc)
			assert.Equal(t, expected, ex.Memory.Field(k.Field("S")))
		})
	}
}

func TestWeightedScatter(t *testing.T) {
	layout := buildLayout(t, 4, 4, 5)
	degree := incidentCells(layout)
	expectedA := make([]float64, len(degree))
	for r, d := range degree {
		expectedA[r] = d * 0.5 * float64(r)
	}

	for _, rc := range runCases() {
		t.Run(rc.name, func(t *testing.T) {
			k, ex := runKernel(t, layout, kernels.WeightedScatter, rc)
			assert.Equal(t, expectedA, ex.Memory.Field(k.Field("A")))
			assert.Equal(t, degree, ex.Memory.Field(k.Field("N")))
		})
	}
}

func TestAttributeOnlyCaching(t *testing.T) {
	layout := buildLayout(t, 5, 4, 6)
	degree := incidentCells(layout)
	for _, arch := range []config.Arch{config.X64, config.CUDA} {
		for _, fast := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/fast=%v", arch, fast), func(t *testing.T) {
				mb := kernels.BindLayout("grid", layout)
				k := kernels.WeightedScatter(mb, kernels.Options{BlockDim: 4})
				cfg := config.Default().WithArch(arch)
				cfg.MeshLocalizeToEndMapping = false
				cfg.OptimizeMeshReorderedMapping = fast

				report, err := transforms.RunOffload(k.Task, cfg, transforms.Args{KernelName: k.Name})
				require.NoError(t, err)
				require.NoError(t, ir.TypeCheck(k.Root))
				assert.Empty(t, report.Mappings)
				for _, name := range []string{"A", "N", "X"} {
					_, ok := report.Slot(name)
					assert.True(t, ok, name)
				}
				// Accumulated attributes are pushed back from the epilogue
				assert.NotEmpty(t, ir.Gather[*ir.AtomicOpStmt](k.Task.BlsEpilogue, nil))

				ex := NewExecutor(mb, arch)
				require.NoError(t, ex.Run(context.Background(), k.Root))
				assert.Equal(t, degree, ex.Memory.Field(k.Field("N")))
			})
		}
	}
}

func TestFastPathEquivalence(t *testing.T) {
	layout := buildLayout(t, 6, 5, 7)
	for name, build := range kernels.Library {
		for _, arch := range []config.Arch{config.X64, config.CUDA} {
			t.Run(name+"/"+arch.String(), func(t *testing.T) {
				fast, exFast := runKernel(t, layout, build, runCase{arch: arch, cached: true, fastPath: true})
				slow, exSlow := runKernel(t, layout, build, runCase{arch: arch, cached: true})
				for fieldName, f := range fast.Fields {
					assert.Equal(t, exSlow.Memory.Field(slow.Field(fieldName)), exFast.Memory.Field(f), fieldName)
				}
			})
		}
	}
}

func TestSerialPatches(t *testing.T) {
	layout := buildLayout(t, 4, 4, 4)
	mb := kernels.BindLayout("grid", layout)
	k := kernels.VertexAccumulate(mb, kernels.Options{BlockDim: 2})
	cfg := config.Default().WithArch(config.CUDA)
	require.NoError(t, transforms.MakeMeshBlockLocal(k.Root, cfg, transforms.Args{KernelName: k.Name}))

	ex := NewExecutor(mb, config.CUDA)
	ex.MaxConcurrentPatches = 1
	require.NoError(t, ex.Run(context.Background(), k.Root))
	assert.Equal(t, incidentCells(layout), ex.Memory.Field(k.Field("C")))
}

func TestCancelledContext(t *testing.T) {
	layout := buildLayout(t, 4, 4, 4)
	mb := kernels.BindLayout("grid", layout)
	k := kernels.VertexAccumulate(mb, kernels.Options{BlockDim: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewExecutor(mb, config.X64).Run(ctx, k.Root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsNonMeshTasks(t *testing.T) {
	layout := buildLayout(t, 2, 2, 0)
	mb := kernels.BindLayout("grid", layout)
	root := ir.NewBlock()
	root.PushBack(ir.NewOffloaded(ir.TaskSerial, "serial"))
	assert.Error(t, NewExecutor(mb, config.X64).Run(context.Background(), root))
}

func TestMemoryBounds(t *testing.T) {
	f := &ir.Field{Name: "f", DataType: ir.INT32, Size: 2}
	m := NewMemory(map[*ir.Field][]float64{f: {0, 0}})

	require.NoError(t, m.store(f, 1, 7.9))
	assert.Equal(t, []float64{0, 7}, m.Field(f))
	assert.ErrorIs(t, m.store(f, 2, 1), ErrOutOfBounds)

	s := make(scratch, 12)
	require.NoError(t, s.store(8, ir.Float32, 1.5))
	v, err := s.load(8, ir.Float32)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	_, err = s.load(8, ir.Float64)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Error(t, s.store(2, ir.INT32, 1))
}
