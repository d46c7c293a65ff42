package transforms

import (
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
	"github.com/samber/lo"
	"slices"
)

// gatherCandidateMappings selects the index mappings to copy into scratch.
// A mapping qualifies when its element type is a relation end of the task
// and localization of that end is enabled. Global-to-reordered mappings
// have no local index space and are never candidates, and neither are
// conversions nothing reads, such as the l2g left behind by
// SimplifyNestedConversion.
func (c *blsContext) gatherCandidateMappings() {
	o := c.offload
	convs := ir.Gather(o.Body, func(conv *ir.MeshIndexConversionStmt) bool {
		return conv.ConvType != mesh.G2R && len(ir.Users(o.Body, conv)) > 0
	})
	for _, conv := range convs {
		isFromEnd := conv.IdxType == o.MajorFromType
		isToEnd := lo.Contains(o.MajorToTypes, conv.IdxType)
		for _, rel := range o.MinorRelationTypes {
			isFromEnd = isFromEnd || conv.IdxType == rel.FromEnd()
			isToEnd = isToEnd || conv.IdxType == rel.ToEnd()
		}
		if (isToEnd && c.cfg.MeshLocalizeToEndMapping) ||
			(isFromEnd && c.cfg.MeshLocalizeFromEndMapping) {
			c.mappings[conv.Key()] = true
		}
	}

	if c.cfg.MeshLocalizeAllAttrMappings {
		for _, key := range c.rec.Keys() {
			c.mappings[key] = true
		}
	}
}

// mappingKeys returns the localized mappings in ascending order
func (c *blsContext) mappingKeys() []mesh.MappingKey {
	keys := lo.Keys(c.mappings)
	slices.SortFunc(keys, mesh.MappingKey.Compare)
	return keys
}

// cachedKeys returns every key the rewrite will touch
func (c *blsContext) cachedKeys() []mesh.MappingKey {
	keys := lo.Union(c.mappingKeys(), c.rec.Keys())
	slices.SortFunc(keys, mesh.MappingKey.Compare)
	return keys
}
