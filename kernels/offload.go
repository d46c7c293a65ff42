package kernels

import (
	"fmt"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
)

// MeshBinding is a patch layout exposed to the IR: the mesh descriptor and
// the host contents of every field it owns
type MeshBinding struct {
	Layout *mesh.Layout
	Mesh   *ir.Mesh
	Host   map[*ir.Field][]float64
}

// BindLayout creates the index mapping, patch metadata and relation fields
// of a layout
func BindLayout(name string, layout *mesh.Layout) *MeshBinding {
	if layout == nil {
		panic("layout cannot be nil")
	}
	mb := &MeshBinding{
		Layout: layout,
		Mesh:   ir.NewMesh(name, layout.NumPatches),
		Host:   make(map[*ir.Field][]float64),
	}
	m := mb.Mesh

	for _, et := range layout.ElementTypes() {
		for _, ct := range []mesh.ConvType{mesh.L2G, mesh.G2R, mesh.L2R} {
			key := mesh.Key(et, ct)
			m.IndexMapping[key] = mb.intField(key.String(), layout.Mapping(key))
		}
		m.OwnedOffsets[et] = mb.intField(et.String()+"_owned_offsets", layout.OwnedOffsets[et])
		m.TotalOffsets[et] = mb.intField(et.String()+"_total_offsets", layout.TotalOffsets[et])
		m.PatchMaxElementNum[et] = layout.PatchMaxElementNum[et]
	}

	cv := mesh.Relation(mesh.Cell, mesh.Vertex)
	m.Relations[cv] = mb.intField("rel_"+cv.String(), layout.CellVertexLocal)
	m.RelationArity[cv] = layout.Topology.Arity
	return mb
}

func (mb *MeshBinding) intField(name string, values []int) *ir.Field {
	f := &ir.Field{Name: name, DataType: ir.INT32, Size: len(values)}
	host := make([]float64, len(values))
	for i, v := range values {
		host[i] = float64(v)
	}
	mb.Host[f] = host
	return f
}

// Attribute declares an attribute over every element of et, initialized
// from init (indexed by reordered id) when init is not nil
func (mb *MeshBinding) Attribute(name string, dt ir.DataType, et mesh.ElementType,
	init func(r int) float64) *ir.Field {
	n := mb.Layout.Topology.Count(et)
	f := ir.NewAttribute(name, dt, et, n)
	host := make([]float64, n)
	if init != nil {
		for r := range host {
			host[r] = ir.Truncate(dt, init(r))
		}
	}
	mb.Host[f] = host
	return f
}

// Field declares a plain global field of n elements
func (mb *MeshBinding) Field(name string, dt ir.DataType, n int) *ir.Field {
	f := &ir.Field{Name: name, DataType: dt, Size: n}
	mb.Host[f] = make([]float64, n)
	return f
}

// NewMeshFor creates a mesh-for task over the owned elements of from. The
// prologue computes the owned/total counts and offsets of the current
// patch for from and every to-end type.
func (mb *MeshBinding) NewMeshFor(name string, from mesh.ElementType, to []mesh.ElementType,
	blockDim int) *ir.OffloadedStmt {
	if blockDim <= 0 {
		panic(fmt.Sprintf("block dim must be positive, got %d", blockDim))
	}
	o := ir.NewOffloaded(ir.TaskMeshFor, name)
	o.Mesh = mb.Mesh
	o.MajorFromType = from
	o.MajorToTypes = append([]mesh.ElementType(nil), to...)
	o.BlockDim = blockDim

	pro := o.EnsurePrologue()
	patch := pro.PushBack(ir.NewMeshPatchIndex())
	next := pro.PushBack(ir.NewBinaryOp(ir.OpAdd, patch, pro.PushBack(ir.ConstI32(1))))

	types := append([]mesh.ElementType{from}, to...)
	for _, et := range types {
		if _, done := o.TotalOffsetLocal[et]; done {
			continue
		}
		o.OwnedOffsetLocal[et], o.OwnedNumLocal[et] = countsFrom(pro, mb.Mesh.OwnedOffsets[et], patch, next)
		o.TotalOffsetLocal[et], o.TotalNumLocal[et] = countsFrom(pro, mb.Mesh.TotalOffsets[et], patch, next)
	}
	return o
}

// countsFrom loads offsets[patch] and offsets[patch+1]-offsets[patch]
func countsFrom(b *ir.Block, offsets *ir.Field, patch, next ir.Stmt) (offset, num ir.Stmt) {
	offset = b.PushBack(ir.NewGlobalLoad(b.PushBack(ir.NewGlobalPtr(offsets, patch))))
	end := b.PushBack(ir.NewGlobalLoad(b.PushBack(ir.NewGlobalPtr(offsets, next))))
	num = b.PushBack(ir.NewBinaryOp(ir.OpSub, end, offset))
	return offset, num
}

// RelationAccess emits the patch-local index of the k-th to-end neighbour
// of local element idx
func RelationAccess(o *ir.OffloadedStmt, b *ir.Block, rel mesh.RelationType, idx ir.Stmt, k int) ir.Stmt {
	field, ok := o.Mesh.Relations[rel]
	if !ok {
		panic(fmt.Sprintf("mesh %s has no relation %s", o.Mesh.Name, rel))
	}
	arity := o.Mesh.RelationArity[rel]
	base := b.PushBack(ir.NewBinaryOp(ir.OpAdd, o.TotalOffsetLocal[rel.FromEnd()], idx))
	row := b.PushBack(ir.NewBinaryOp(ir.OpMul, base, b.PushBack(ir.ConstI32(arity))))
	pos := b.PushBack(ir.NewBinaryOp(ir.OpAdd, row, b.PushBack(ir.ConstI32(k))))
	return b.PushBack(ir.NewGlobalLoad(b.PushBack(ir.NewGlobalPtr(field, pos))))
}

// Reordered emits the conversion of a local index to the reordered index,
// either directly or as the two-step l2g, g2r chain
func Reordered(o *ir.OffloadedStmt, b *ir.Block, et mesh.ElementType, idx ir.Stmt, nested bool) ir.Stmt {
	if !nested {
		return b.PushBack(ir.NewMeshIndexConversion(o.Mesh, et, idx, mesh.L2R))
	}
	global := b.PushBack(ir.NewMeshIndexConversion(o.Mesh, et, idx, mesh.L2G))
	return b.PushBack(ir.NewMeshIndexConversion(o.Mesh, et, global, mesh.G2R))
}
