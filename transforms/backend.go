package transforms

import (
	"github.com/notargets/meshbls/ir"
)

// downgradeScratchAtomics replaces atomic adds into scratch with a plain
// load, add and store on targets where one worker runs the whole block.
// Other atomic kinds are kept.
func (c *blsContext) downgradeScratchAtomics() int {
	if !c.cfg.Arch.IsSequential() {
		return 0
	}
	atomics := ir.Gather(c.offload.Body, func(a *ir.AtomicOpStmt) bool {
		return a.Op == ir.AtomicAdd && ir.Is[*ir.BlockLocalPtrStmt](a.Dest)
	})
	for _, a := range atomics {
		vec := &ir.VecStatement{}
		old := vec.PushBack(ir.NewGlobalLoad(a.Dest))
		sum := vec.PushBack(ir.NewBinaryOp(ir.OpAdd, old, a.Val))
		vec.PushBack(ir.NewGlobalStore(a.Dest, sum))
		ir.ReplaceWith(a, vec)
	}
	return len(atomics)
}
