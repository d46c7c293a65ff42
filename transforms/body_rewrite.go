package transforms

import (
	"github.com/notargets/meshbls/ir"
)

// replaceGlobalPtrs points every body access to f through a mesh index
// conversion at f's scratch slot, indexed by the conversion's local index
func (c *blsContext) replaceGlobalPtrs(f *ir.Field) {
	dt := f.DataType
	offset := c.attrOffsets[f]

	ptrs := ir.Gather(c.offload.Body, func(p *ir.GlobalPtrStmt) bool {
		return p.Field == f && len(p.Indices) == 1 && ir.Is[*ir.MeshIndexConversionStmt](p.Indices[0])
	})
	for _, p := range ptrs {
		local := p.Indices[0].(*ir.MeshIndexConversionStmt).Idx
		vec := &ir.VecStatement{}
		idxBytes := vec.PushBack(ir.NewBinaryOp(ir.OpMul, local, vec.PushBack(ir.ConstI32(dt.Size()))))
		base := vec.PushBack(ir.ConstI32(offset))
		addr := vec.PushBack(ir.NewBinaryOp(ir.OpAdd, base, idxBytes))
		vec.PushBack(ir.NewBlockLocalPtr(addr, dt))
		ir.ReplaceWith(p, vec)
	}
	c.report.PtrRewrites += len(ptrs)
}

// replaceConvStatements turns every body conversion through the current
// key into a load from the mapping's scratch slot
func (c *blsContext) replaceConvStatements() {
	convs := ir.Gather(c.offload.Body, func(conv *ir.MeshIndexConversionStmt) bool {
		return conv.Mesh == c.offload.Mesh && conv.Key() == c.key
	})
	for _, conv := range convs {
		vec := &ir.VecStatement{}
		base := vec.PushBack(ir.ConstI32(c.mappingOffset))
		ptr := scratchPtr(vec, base, conv.Idx, c.mappingType)
		vec.PushBack(ir.NewGlobalLoad(ptr))
		ir.ReplaceWith(conv, vec)
	}
	c.report.ConvRewrites += len(convs)
}
