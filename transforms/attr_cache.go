package transforms

import (
	"github.com/notargets/meshbls/ir"
)

// fetchAttrToBls fills the scratch slot of every attribute cached under the
// current key at local index idx. Read attributes are loaded from global
// memory at mappingVal; accumulated ones start from zero. The body is
// redirected to an attribute's slot the first time the slot is filled.
func (c *blsContext) fetchAttrToBls(body *ir.Block, idx, mappingVal ir.Stmt) {
	for _, a := range c.rec[c.key] {
		dt := a.Field.DataType
		offset, first := c.attributeSlot(a.Field)

		var value ir.Stmt
		if a.Flags.HasRead() {
			value = body.PushBack(ir.NewGlobalLoad(body.PushBack(ir.NewGlobalPtr(a.Field, mappingVal))))
		} else {
			value = body.PushBack(ir.NewConst(dt, 0))
		}
		base := body.PushBack(ir.ConstI32(offset))
		body.PushBack(ir.NewGlobalStore(scratchPtr(body, base, idx, dt), value))

		if first {
			c.replaceGlobalPtrs(a.Field)
		}
	}
}

// pushAttrToGlobal atomically adds the scratch value of every accumulated
// attribute under the current key into global memory at mappingVal
func (c *blsContext) pushAttrToGlobal(body *ir.Block, idx, mappingVal ir.Stmt) {
	for _, a := range c.rec[c.key] {
		if !a.Flags.HasAccumulate() {
			continue
		}
		dt := a.Field.DataType
		base := body.PushBack(ir.ConstI32(c.attrOffsets[a.Field]))
		partial := body.PushBack(ir.NewGlobalLoad(scratchPtr(body, base, idx, dt)))
		dest := body.PushBack(ir.NewGlobalPtr(a.Field, mappingVal))
		body.PushBack(ir.NewAtomicOp(ir.AtomicAdd, dest, partial))
	}
}
