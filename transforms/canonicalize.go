package transforms

import (
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
)

// SimplifyNestedConversion rewrites g2r(l2g(i)) on the same mesh and
// element type into l2r(i) and returns the number of rewrites. The inner
// l2g conversion is left in place for any other users.
func SimplifyNestedConversion(body *ir.Block) int {
	nested := ir.Gather(body, func(outer *ir.MeshIndexConversionStmt) bool {
		inner, ok := outer.Idx.(*ir.MeshIndexConversionStmt)
		if !ok {
			return false
		}
		return outer.ConvType == mesh.G2R && inner.ConvType == mesh.L2G &&
			outer.Mesh == inner.Mesh && outer.IdxType == inner.IdxType
	})

	for _, outer := range nested {
		inner := outer.Idx.(*ir.MeshIndexConversionStmt)
		vec := &ir.VecStatement{}
		vec.PushBack(ir.NewMeshIndexConversion(outer.Mesh, outer.IdxType, inner.Idx, mesh.L2R))
		ir.ReplaceWith(outer, vec)
	}
	return len(nested)
}
