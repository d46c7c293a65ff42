package transforms

import (
	"github.com/google/go-cmp/cmp"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/kernels"
	"github.com/notargets/meshbls/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sort"
	"testing"
)

func buildBinding(t *testing.T) *kernels.MeshBinding {
	t.Helper()
	pb := &mesh.PatchBuilder{
		Topology:        mesh.GridTopology(4, 4),
		TargetPatchSize: 4,
		Strategy:        mesh.BreadthFirstPatch,
	}
	layout, err := pb.Build()
	require.NoError(t, err)
	return kernels.BindLayout("grid", layout)
}

func countNested(b *ir.Block) int {
	return len(ir.Gather(b, func(c *ir.MeshIndexConversionStmt) bool {
		return c.ConvType == mesh.G2R && ir.Is[*ir.MeshIndexConversionStmt](c.Idx)
	}))
}

func TestSimplifyNestedConversion(t *testing.T) {
	mb := buildBinding(t)
	k := kernels.VertexAccumulate(mb, kernels.Options{BlockDim: 4, Nested: true})
	arity := mb.Layout.Topology.Arity
	require.Equal(t, arity, countNested(k.Task.Body))

	assert.Equal(t, arity, SimplifyNestedConversion(k.Task.Body))
	assert.Zero(t, countNested(k.Task.Body))
	l2r := ir.Gather(k.Task.Body, func(c *ir.MeshIndexConversionStmt) bool { return c.ConvType == mesh.L2R })
	assert.Len(t, l2r, arity)

	once := ir.Print(k.Root)
	assert.Zero(t, SimplifyNestedConversion(k.Task.Body))
	if diff := cmp.Diff(once, ir.Print(k.Root)); diff != "" {
		t.Errorf("second canonicalization changed the IR (-once +twice):\n%s", diff)
	}
	require.NoError(t, ir.TypeCheck(k.Root))
}

func TestSimplifyNestedConversionMatchesCanonicalForm(t *testing.T) {
	nested := kernels.VertexGather(buildBinding(t), kernels.Options{BlockDim: 1, Nested: true})
	SimplifyNestedConversion(nested.Task.Body)

	// The rewritten accesses go through l2r exactly like the direct form
	ptrs := ir.Gather(nested.Task.Body, func(p *ir.GlobalPtrStmt) bool { return p.Field == nested.Field("X") })
	require.NotEmpty(t, ptrs)
	for _, p := range ptrs {
		conv, ok := p.Indices[0].(*ir.MeshIndexConversionStmt)
		require.True(t, ok)
		assert.Equal(t, mesh.Key(mesh.Vertex, mesh.L2R), conv.Key())
	}
}

func TestSlotAllocation(t *testing.T) {
	mb := buildBinding(t)
	k := kernels.WeightedScatter(mb, kernels.Options{BlockDim: 4})
	k.Task.BlsSize = 6 // scratch already used by an earlier pass

	report, err := RunOffload(k.Task, config.Default(), Args{KernelName: k.Name})
	require.NoError(t, err)
	require.NoError(t, ir.TypeCheck(k.Root))

	// mapping, then A, N and X in name order
	require.Len(t, report.Slots, 4)
	names := make(map[string]int)
	for _, s := range report.Slots {
		names[s.Name]++
		assert.Zero(t, s.Offset%s.DataType.Size(), "slot %s at %d", s.Name, s.Offset)
		assert.GreaterOrEqual(t, s.Offset, 6)
		assert.Equal(t, mb.Layout.PatchMaxElementNum[mesh.Vertex], s.Count)
	}
	for name, n := range names {
		assert.Equal(t, 1, n, "slot %s allocated more than once", name)
	}

	slots := append([]Slot(nil), report.Slots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Offset < slots[j].Offset })
	for i := 1; i < len(slots); i++ {
		assert.LessOrEqual(t, slots[i-1].End(), slots[i].Offset)
	}
	assert.Equal(t, slots[len(slots)-1].End(), k.Task.BlsSize)

	mapping, ok := report.Slot("verts_l2r")
	require.True(t, ok)
	assert.Equal(t, 8, mapping.Offset)
	assert.Nil(t, mapping.Field)
	a, ok := report.Slot("A")
	require.True(t, ok)
	assert.Equal(t, ir.Float64, a.DataType)
	assert.Equal(t, k.Field("A"), a.Field)
}

func TestSharedAttributeSlot(t *testing.T) {
	// Every corner of a cell reads X through its own pointer; all of them
	// share one slot
	mb := buildBinding(t)
	k := kernels.VertexGather(mb, kernels.Options{BlockDim: 4})
	arity := mb.Layout.Topology.Arity
	require.Len(t, ir.Gather(k.Task.Body, func(p *ir.GlobalPtrStmt) bool { return p.Field == k.Field("X") }), arity)

	report, err := RunOffload(k.Task, config.Default(), Args{})
	require.NoError(t, err)
	count := 0
	for _, s := range report.Slots {
		if s.Field == k.Field("X") {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, arity, report.PtrRewrites)
}

func TestCoverage(t *testing.T) {
	for name, build := range kernels.Library {
		t.Run(name, func(t *testing.T) {
			k := build(buildBinding(t), kernels.Options{BlockDim: 4})
			require.NoError(t, MakeMeshBlockLocal(k.Root, config.Default(), Args{KernelName: name}))

			left := ir.Gather(k.Task.Body, func(p *ir.GlobalPtrStmt) bool {
				return k.Task.IsMeshLocal(p.Field) && ir.Is[*ir.MeshIndexConversionStmt](p.Indices[0])
			})
			assert.Empty(t, left)
			assert.NotEmpty(t, ir.Gather[*ir.BlockLocalPtrStmt](k.Task.Body, nil))
		})
	}
}

func TestMappingSelection(t *testing.T) {
	vertexL2R := mesh.Key(mesh.Vertex, mesh.L2R)
	cellL2R := mesh.Key(mesh.Cell, mesh.L2R)
	tests := []struct {
		name     string
		toEnd    bool
		fromEnd  bool
		allAttr  bool
		expected []mesh.MappingKey
	}{
		{"default", true, false, false, []mesh.MappingKey{vertexL2R}},
		{"from_end", true, true, false, []mesh.MappingKey{vertexL2R, cellL2R}},
		{"none", false, false, false, nil},
		{"all_attr", false, false, true, []mesh.MappingKey{vertexL2R}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := kernels.VertexGather(buildBinding(t), kernels.Options{BlockDim: 4})
			cfg := config.Default()
			cfg.MeshLocalizeToEndMapping = tt.toEnd
			cfg.MeshLocalizeFromEndMapping = tt.fromEnd
			cfg.MeshLocalizeAllAttrMappings = tt.allAttr

			report, err := RunOffload(k.Task, cfg, Args{})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, report.Mappings)
			require.NoError(t, ir.TypeCheck(k.Root))

			// X is cached whether or not its mapping is
			_, ok := report.Slot("X")
			assert.True(t, ok)
		})
	}
}

func TestNestedConversionLeavesNoDeadMapping(t *testing.T) {
	k := kernels.VertexAccumulate(buildBinding(t), kernels.Options{BlockDim: 4, Nested: true})
	report, err := RunOffload(k.Task, config.Default(), Args{})
	require.NoError(t, err)
	require.NoError(t, ir.TypeCheck(k.Root))

	assert.Equal(t, []mesh.MappingKey{mesh.Key(mesh.Vertex, mesh.L2R)}, report.Mappings)
	_, ok := report.Slot("verts_l2g")
	assert.False(t, ok)

	// The inner l2g survives without users and is never loaded into scratch
	l2g := ir.Gather(k.Task.Body, func(c *ir.MeshIndexConversionStmt) bool { return c.ConvType == mesh.L2G })
	require.NotEmpty(t, l2g)
	for _, conv := range l2g {
		assert.Empty(t, ir.Users(k.Task.Body, conv))
	}
}

func TestReorderedFastPathShape(t *testing.T) {
	tests := []struct {
		name      string
		arch      config.Arch
		fastPath  bool
		prologue  int
		linearIdx bool
	}{
		{"x64/fast", config.X64, true, 2, false},
		{"x64/general", config.X64, false, 1, false},
		{"cuda/fast", config.CUDA, true, 2, true},
		{"cuda/general", config.CUDA, false, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := kernels.VertexAccumulate(buildBinding(t), kernels.Options{BlockDim: 8})
			cfg := config.Default().WithArch(tt.arch)
			cfg.OptimizeMeshReorderedMapping = tt.fastPath
			require.NoError(t, MakeMeshBlockLocal(k.Root, cfg, Args{}))

			o := k.Task
			assert.Len(t, ir.Gather[*ir.WhileStmt](o.BlsPrologue, nil), tt.prologue)
			assert.Len(t, ir.Gather[*ir.WhileStmt](o.BlsEpilogue, nil), 1)
			assert.Equal(t, tt.linearIdx, len(ir.Gather[*ir.LoopLinearIndexStmt](o.BlsPrologue, nil)) > 0)

			// The loop stride is the block width on parallel targets
			stride := 1
			if !tt.arch.IsSequential() {
				stride = 8
			}
			for _, w := range ir.Gather[*ir.WhileStmt](o.BlsPrologue, nil) {
				steps := ir.Gather(w.Body, func(b *ir.BinaryOpStmt) bool {
					c, ok := b.RHS.(*ir.ConstStmt)
					return b.Op == ir.OpAdd && ok && ir.Is[*ir.LocalLoadStmt](b.LHS) && c.Value == float64(stride)
				})
				assert.Len(t, steps, 1)
			}
		})
	}
}

func TestAtomicDowngrade(t *testing.T) {
	scratchAtomics := func(o *ir.OffloadedStmt) int {
		return len(ir.Gather(o.Body, func(a *ir.AtomicOpStmt) bool {
			return ir.Is[*ir.BlockLocalPtrStmt](a.Dest)
		}))
	}

	for _, arch := range []config.Arch{config.X64, config.ARM64, config.CUDA, config.OpenCL} {
		t.Run(arch.String(), func(t *testing.T) {
			mb := buildBinding(t)
			k := kernels.WeightedScatter(mb, kernels.Options{BlockDim: 4})
			report, err := RunOffload(k.Task, config.Default().WithArch(arch), Args{})
			require.NoError(t, err)
			require.NoError(t, ir.TypeCheck(k.Root))

			arity := mb.Layout.Topology.Arity
			if arch.IsSequential() {
				assert.Zero(t, scratchAtomics(k.Task))
				assert.Equal(t, 2*arity, report.AtomicDowngrades)
			} else {
				assert.Equal(t, 2*arity, scratchAtomics(k.Task))
				assert.Zero(t, report.AtomicDowngrades)
			}
			// The epilogue always folds into global memory atomically
			assert.Len(t, ir.Gather[*ir.AtomicOpStmt](k.Task.BlsEpilogue, nil), 2)
		})
	}
}

func TestAtomicDowngradeKeepsOtherOps(t *testing.T) {
	mb := buildBinding(t)
	m := mb.Attribute("M", ir.Float32, mesh.Vertex, nil)
	o := mb.NewMeshFor("max", mesh.Cell, []mesh.ElementType{mesh.Vertex}, 1)
	body := o.Body
	i := body.PushBack(ir.NewLoopIndex(o))
	dest := body.PushBack(ir.NewBlockLocalPtr(body.PushBack(ir.ConstI32(0)), ir.Float32))
	body.PushBack(ir.NewAtomicOp(ir.AtomicMax, dest, body.PushBack(ir.NewConst(ir.Float32, 1))))
	body.PushBack(ir.NewGlobalStore(body.PushBack(ir.NewGlobalPtr(m, i)), body.PushBack(ir.NewConst(ir.Float32, 2))))

	report, err := RunOffload(o, config.Default(), Args{})
	require.NoError(t, err)
	assert.Zero(t, report.AtomicDowngrades)
	assert.Len(t, ir.Gather[*ir.AtomicOpStmt](o.Body, nil), 1)
}

func TestBlsSizeNeverZero(t *testing.T) {
	k := kernels.VertexCopy(buildBinding(t), kernels.Options{BlockDim: 4})
	k.Task.MeshLocal = nil
	cfg := config.Default()
	cfg.MeshLocalizeToEndMapping = false

	require.NoError(t, MakeMeshBlockLocal(k.Root, cfg, Args{}))
	assert.Equal(t, 1, k.Task.BlsSize)
	assert.NotNil(t, k.Task.BlsEpilogue)
	assert.Zero(t, k.Task.BlsEpilogue.Len())
}

func TestMissingTotalOffsetIsSkipped(t *testing.T) {
	k := kernels.VertexAccumulate(buildBinding(t), kernels.Options{BlockDim: 4})
	delete(k.Task.TotalOffsetLocal, mesh.Vertex)

	report, err := RunOffload(k.Task, config.Default(), Args{})
	require.NoError(t, err)
	assert.Empty(t, report.Slots)
	assert.Empty(t, report.Mappings)
	assert.Equal(t, 1, k.Task.BlsSize)
	assert.Len(t, ir.Gather(k.Task.Body, func(p *ir.GlobalPtrStmt) bool { return p.Field == k.Field("C") }),
		k.Binding.Layout.Topology.Arity)
}

func TestNonMeshTaskUntouched(t *testing.T) {
	root := ir.NewBlock()
	o := root.PushBack(ir.NewOffloaded(ir.TaskRangeFor, "range")).(*ir.OffloadedStmt)
	o.Body.PushBack(ir.ConstI32(3))
	before := ir.Print(root)

	report, err := RunOffload(o, config.Default(), Args{})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Nil(t, o.BlsPrologue)
	assert.Equal(t, 0, o.BlsSize)

	require.NoError(t, MakeMeshBlockLocal(root, nil, Args{KernelName: "range"}))
	assert.Equal(t, before, ir.Print(root))
}

func TestUnsupportedAccess(t *testing.T) {
	cv := mesh.Relation(mesh.Cell, mesh.Vertex)
	tests := []struct {
		name     string
		expected error
		body     func(o *ir.OffloadedStmt, x *ir.Field, i, v ir.Stmt)
	}{
		{"write", ErrWriteAccess, func(o *ir.OffloadedStmt, x *ir.Field, i, v ir.Stmt) {
			b := o.Body
			r := b.PushBack(ir.NewMeshIndexConversion(o.Mesh, mesh.Vertex, v, mesh.L2R))
			b.PushBack(ir.NewGlobalStore(b.PushBack(ir.NewGlobalPtr(x, r)), b.PushBack(ir.NewConst(ir.Float32, 1))))
		}},
		{"read_accumulate", ErrReadAccumulate, func(o *ir.OffloadedStmt, x *ir.Field, i, v ir.Stmt) {
			b := o.Body
			r := b.PushBack(ir.NewMeshIndexConversion(o.Mesh, mesh.Vertex, v, mesh.L2R))
			val := b.PushBack(ir.NewGlobalLoad(b.PushBack(ir.NewGlobalPtr(x, r))))
			b.PushBack(ir.NewAtomicOp(ir.AtomicAdd, b.PushBack(ir.NewGlobalPtr(x, r)), val))
		}},
		{"g2r", ErrG2RMapping, func(o *ir.OffloadedStmt, x *ir.Field, i, v ir.Stmt) {
			b := o.Body
			r := b.PushBack(ir.NewMeshIndexConversion(o.Mesh, mesh.Vertex, i, mesh.G2R))
			b.PushBack(ir.NewGlobalLoad(b.PushBack(ir.NewGlobalPtr(x, r))))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := buildBinding(t)
			x := mb.Attribute("X", ir.Float32, mesh.Vertex, nil)
			root := ir.NewBlock()
			o := mb.NewMeshFor(tt.name, mesh.Cell, []mesh.ElementType{mesh.Vertex}, 4)
			o.MeshLocal = []*ir.Field{x}
			root.PushBack(o)
			i := o.Body.PushBack(ir.NewLoopIndex(o))
			tt.body(o, x, i, kernels.RelationAccess(o, o.Body, cv, i, 0))
			prologueLen := o.BlsPrologue.Len()

			err := MakeMeshBlockLocal(root, config.Default(), Args{KernelName: "bad"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
			assert.Contains(t, err.Error(), "kernel bad")

			// Nothing was emitted
			assert.Equal(t, prologueLen, o.BlsPrologue.Len())
			assert.Nil(t, o.BlsEpilogue)
			assert.Empty(t, ir.Gather[*ir.BlockLocalPtrStmt](o.Body, nil))
		})
	}
}

func TestVerboseReport(t *testing.T) {
	k := kernels.VertexAccumulate(buildBinding(t), kernels.Options{BlockDim: 4})
	report, err := RunOffload(k.Task, config.Default(), Args{})
	require.NoError(t, err)
	assert.Contains(t, report.String(), "verts_l2r@0")
	assert.Contains(t, report.String(), "C@")
	assert.Equal(t, k.Binding.Layout.Topology.Arity, report.ConvRewrites)
}
