package kernels

import (
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
)

// Options control how library kernels are expressed
type Options struct {
	BlockDim int
	// Nested expresses local to reordered conversions as l2g followed by g2r
	Nested bool
}

func (opts Options) blockDim() int {
	if opts.BlockDim <= 0 {
		return 1
	}
	return opts.BlockDim
}

// Kernel is a single-task program over a bound mesh
type Kernel struct {
	Name    string
	Root    *ir.Block
	Task    *ir.OffloadedStmt
	Binding *MeshBinding
	Fields  map[string]*ir.Field
}

// Field returns a kernel field by name
func (k *Kernel) Field(name string) *ir.Field {
	return k.Fields[name]
}

func newKernel(name string, mb *MeshBinding, task *ir.OffloadedStmt, fields ...*ir.Field) *Kernel {
	k := &Kernel{
		Name:    name,
		Root:    ir.NewBlock(),
		Task:    task,
		Binding: mb,
		Fields:  make(map[string]*ir.Field),
	}
	k.Root.PushBack(task)
	for _, f := range fields {
		k.Fields[f.Name] = f
	}
	return k
}

// Names of the library kernels
const (
	VertexAccumulateName = "vertex_accumulate"
	VertexGatherName     = "vertex_gather"
	VertexCopyName       = "vertex_copy"
	WeightedScatterName  = "weighted_scatter"
)

// Library lists the kernel constructors by name
var Library = map[string]func(*MeshBinding, Options) *Kernel{
	VertexAccumulateName: VertexAccumulate,
	VertexGatherName:     VertexGather,
	VertexCopyName:       VertexCopy,
	WeightedScatterName:  WeightedScatter,
}

// VertexAccumulate adds one to attribute C of every vertex of every cell,
// so C counts the cells incident to each vertex. C is accumulate-only.
//
//	for c in cells: for v in c.verts: C[v] += 1
func VertexAccumulate(mb *MeshBinding, opts Options) *Kernel {
	c := mb.Attribute("C", ir.Float32, mesh.Vertex, nil)
	cv := mesh.Relation(mesh.Cell, mesh.Vertex)
	task := mb.NewMeshFor(VertexAccumulateName, mesh.Cell, []mesh.ElementType{mesh.Vertex}, opts.blockDim())
	task.MeshLocal = []*ir.Field{c}

	body := task.Body
	i := body.PushBack(ir.NewLoopIndex(task))
	one := body.PushBack(ir.NewConst(ir.Float32, 1))
	for k := 0; k < mb.Mesh.RelationArity[cv]; k++ {
		v := RelationAccess(task, body, cv, i, k)
		r := Reordered(task, body, mesh.Vertex, v, opts.Nested)
		ptr := body.PushBack(ir.NewGlobalPtr(c, r))
		body.PushBack(ir.NewAtomicOp(ir.AtomicAdd, ptr, one))
	}
	return newKernel(VertexAccumulateName, mb, task, c)
}

// VertexGather copies the read-only vertex attribute X into a per cell
// corner sink S laid out by reordered cell id.
//
//	for c in cells: for k, v in c.verts: S[c*arity+k] = X[v]
func VertexGather(mb *MeshBinding, opts Options) *Kernel {
	cv := mesh.Relation(mesh.Cell, mesh.Vertex)
	arity := mb.Mesh.RelationArity[cv]
	x := mb.Attribute("X", ir.Float32, mesh.Vertex, func(r int) float64 { return float64(2 * r) })
	s := mb.Field("S", ir.Float32, mb.Layout.Topology.NumCells()*arity)
	task := mb.NewMeshFor(VertexGatherName, mesh.Cell, []mesh.ElementType{mesh.Vertex}, opts.blockDim())
	task.MeshLocal = []*ir.Field{x}

	body := task.Body
	i := body.PushBack(ir.NewLoopIndex(task))
	cr := Reordered(task, body, mesh.Cell, i, opts.Nested)
	row := body.PushBack(ir.NewBinaryOp(ir.OpMul, cr, body.PushBack(ir.ConstI32(arity))))
	for k := 0; k < arity; k++ {
		v := RelationAccess(task, body, cv, i, k)
		r := Reordered(task, body, mesh.Vertex, v, opts.Nested)
		val := body.PushBack(ir.NewGlobalLoad(body.PushBack(ir.NewGlobalPtr(x, r))))
		pos := body.PushBack(ir.NewBinaryOp(ir.OpAdd, row, body.PushBack(ir.ConstI32(k))))
		body.PushBack(ir.NewGlobalStore(body.PushBack(ir.NewGlobalPtr(s, pos)), val))
	}
	return newKernel(VertexGatherName, mb, task, x, s)
}

// VertexCopy copies X into S for every vertex, iterating over vertices.
//
//	for v in verts: S[v] = X[v]
func VertexCopy(mb *MeshBinding, opts Options) *Kernel {
	x := mb.Attribute("X", ir.Float32, mesh.Vertex, func(r int) float64 { return float64(2 * r) })
	s := mb.Attribute("S", ir.Float32, mesh.Vertex, nil)
	task := mb.NewMeshFor(VertexCopyName, mesh.Vertex, nil, opts.blockDim())
	task.MeshLocal = []*ir.Field{x}

	body := task.Body
	i := body.PushBack(ir.NewLoopIndex(task))
	r := Reordered(task, body, mesh.Vertex, i, opts.Nested)
	val := body.PushBack(ir.NewGlobalLoad(body.PushBack(ir.NewGlobalPtr(x, r))))
	body.PushBack(ir.NewGlobalStore(body.PushBack(ir.NewGlobalPtr(s, r)), val))
	return newKernel(VertexCopyName, mb, task, x, s)
}

// WeightedScatter mixes element sizes under one mapping: the f64 vertex
// attribute X is read, A (f64) accumulates X and N (i32) counts incident
// cells.
//
//	for c in cells: for v in c.verts: A[v] += X[v]; N[v] += 1
func WeightedScatter(mb *MeshBinding, opts Options) *Kernel {
	cv := mesh.Relation(mesh.Cell, mesh.Vertex)
	x := mb.Attribute("X", ir.Float64, mesh.Vertex, func(r int) float64 { return 0.5 * float64(r) })
	a := mb.Attribute("A", ir.Float64, mesh.Vertex, nil)
	n := mb.Attribute("N", ir.INT32, mesh.Vertex, nil)
	task := mb.NewMeshFor(WeightedScatterName, mesh.Cell, []mesh.ElementType{mesh.Vertex}, opts.blockDim())
	task.MeshLocal = []*ir.Field{a, n, x}

	body := task.Body
	i := body.PushBack(ir.NewLoopIndex(task))
	one := body.PushBack(ir.ConstI32(1))
	for k := 0; k < mb.Mesh.RelationArity[cv]; k++ {
		v := RelationAccess(task, body, cv, i, k)
		r := Reordered(task, body, mesh.Vertex, v, opts.Nested)
		val := body.PushBack(ir.NewGlobalLoad(body.PushBack(ir.NewGlobalPtr(x, r))))
		body.PushBack(ir.NewAtomicOp(ir.AtomicAdd, body.PushBack(ir.NewGlobalPtr(a, r)), val))
		body.PushBack(ir.NewAtomicOp(ir.AtomicAdd, body.PushBack(ir.NewGlobalPtr(n, r)), one))
	}
	return newKernel(WeightedScatterName, mb, task, x, a, n)
}
