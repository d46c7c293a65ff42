package transforms

import (
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
)

// bodyEmitter appends the work of one iteration for local index idx
type bodyEmitter func(body *ir.Block, idx ir.Stmt)

// valueEmitter appends the computation of the mapping value of idx and
// returns it
type valueEmitter func(body *ir.Block, idx ir.Stmt) ir.Stmt

// attrEmitter appends the attribute work of one iteration once the mapping
// value of idx is known
type attrEmitter func(body *ir.Block, idx, mappingVal ir.Stmt)

// loopBuilder emits a strided loop over [start, end) that evaluates value
// per iteration, returning the index the loop stopped at
type loopBuilder func(start, end ir.Stmt, value valueEmitter) ir.Stmt

// createXlogue emits into the current region
//
//	i := start
//	while i < end { body(i); i += stride }
//
// and returns the final value of i
func (c *blsContext) createXlogue(start, end ir.Stmt, body bodyEmitter) ir.Stmt {
	b := c.block
	idx := b.PushBack(ir.NewAlloca(c.mappingType))
	b.PushBack(ir.NewLocalStore(idx, start))
	stride := b.PushBack(ir.ConstI32(c.stride()))

	loop := ir.NewBlock()
	idxVal := loop.PushBack(ir.NewLocalLoad(idx))
	cond := loop.PushBack(ir.NewBinaryOp(ir.OpCmpLt, idxVal, end))
	loop.PushBack(ir.NewWhileControl(cond))
	body(loop, idxVal)
	next := loop.PushBack(ir.NewBinaryOp(ir.OpAdd, idxVal, stride))
	loop.PushBack(ir.NewLocalStore(idx, next))
	b.PushBack(ir.NewWhile(loop))

	return b.PushBack(ir.NewLocalLoad(idx))
}

// createCacheMapping emits a strided loop storing the mapping value of
// every index into the mapping's scratch slot
func (c *blsContext) createCacheMapping(start, end ir.Stmt, value valueEmitter) ir.Stmt {
	base := c.block.PushBack(ir.ConstI32(c.mappingOffset))
	return c.createXlogue(start, end, func(body *ir.Block, idx ir.Stmt) {
		ptr := scratchPtr(body, base, idx, c.mappingType)
		body.PushBack(ir.NewGlobalStore(ptr, value(body, idx)))
	})
}

// plainLoop drives the mapping value without keeping a scratch copy
func (c *blsContext) plainLoop(start, end ir.Stmt, value valueEmitter) ir.Stmt {
	return c.createXlogue(start, end, func(body *ir.Block, idx ir.Stmt) {
		value(body, idx)
	})
}

// fetchMapping walks the local elements of the current key's element type.
// For local-to-reordered mappings with the fast path enabled, owned
// elements are numbered contiguously from the owned offset, so a first loop
// derives their value arithmetically and a second loop loads the ghosts.
func (c *blsContext) fetchMapping(loop loopBuilder, attr attrEmitter) {
	o := c.offload
	et := c.key.Element
	start := c.threadIndex()
	totalNum := o.TotalNumLocal[et]
	totalOffset := o.TotalOffsetLocal[et]

	load := func(body *ir.Block, idx ir.Stmt) ir.Stmt {
		pos := body.PushBack(ir.NewBinaryOp(ir.OpAdd, totalOffset, idx))
		val := body.PushBack(ir.NewGlobalLoad(body.PushBack(ir.NewGlobalPtr(c.mappingField, pos))))
		attr(body, idx, val)
		return val
	}

	ownedNum, hasOwned := o.OwnedNumLocal[et]
	ownedOffset, hasOffset := o.OwnedOffsetLocal[et]
	if c.cfg.OptimizeMeshReorderedMapping && c.key.Conv == mesh.L2R && hasOwned && hasOffset {
		ghostStart := loop(start, ownedNum, func(body *ir.Block, idx ir.Stmt) ir.Stmt {
			global := body.PushBack(ir.NewBinaryOp(ir.OpAdd, idx, ownedOffset))
			attr(body, idx, global)
			return global
		})
		loop(ghostStart, totalNum, load)
		return
	}
	loop(start, totalNum, load)
}

// scratchPtr appends the address base + idx*size(dt) in scratch
func scratchPtr(c ir.Container, base, idx ir.Stmt, dt ir.DataType) ir.Stmt {
	idxBytes := c.PushBack(ir.NewBinaryOp(ir.OpMul, idx, c.PushBack(ir.ConstI32(dt.Size()))))
	offset := c.PushBack(ir.NewBinaryOp(ir.OpAdd, base, idxBytes))
	return c.PushBack(ir.NewBlockLocalPtr(offset, dt))
}
