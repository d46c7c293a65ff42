package ir

import (
	"fmt"
	"github.com/notargets/meshbls/mesh"
)

// Field is a typed global array. Mesh attributes are fields indexed by one
// element type's reordered index space.
type Field struct {
	Name     string
	DataType DataType
	Size     int // Number of elements

	// Attribute fields belong to a mesh element type
	IsAttribute bool
	Element     mesh.ElementType
}

func (f *Field) String() string {
	return fmt.Sprintf("%s:%s[%d]", f.Name, f.DataType, f.Size)
}

// Bytes returns the storage size of the field
func (f *Field) Bytes() int {
	return f.Size * f.DataType.Size()
}

// NewAttribute declares a mesh attribute on an element type
func NewAttribute(name string, dt DataType, et mesh.ElementType, size int) *Field {
	return &Field{Name: name, DataType: dt, Size: size, IsAttribute: true, Element: et}
}

// Mesh describes the fields through which an offloaded task sees a patched
// mesh: index mappings, patch metadata and relations
type Mesh struct {
	Name       string
	NumPatches int

	// Concrete mapping array per (element type, conversion kind)
	IndexMapping map[mesh.MappingKey]*Field

	// Worst-case local element count per patch
	PatchMaxElementNum map[mesh.ElementType]int

	// Cumulative owned and total counts, length NumPatches+1
	OwnedOffsets map[mesh.ElementType]*Field
	TotalOffsets map[mesh.ElementType]*Field

	// Patch-local relation tables with a fixed arity
	Relations     map[mesh.RelationType]*Field
	RelationArity map[mesh.RelationType]int
}

// NewMesh returns an empty mesh descriptor
func NewMesh(name string, numPatches int) *Mesh {
	return &Mesh{
		Name:               name,
		NumPatches:         numPatches,
		IndexMapping:       make(map[mesh.MappingKey]*Field),
		PatchMaxElementNum: make(map[mesh.ElementType]int),
		OwnedOffsets:       make(map[mesh.ElementType]*Field),
		TotalOffsets:       make(map[mesh.ElementType]*Field),
		Relations:          make(map[mesh.RelationType]*Field),
		RelationArity:      make(map[mesh.RelationType]int),
	}
}

// Fields lists every field the mesh descriptor owns
func (m *Mesh) Fields() []*Field {
	var fields []*Field
	for _, et := range mesh.AllElementTypes {
		for _, ct := range []mesh.ConvType{mesh.L2G, mesh.G2R, mesh.L2R} {
			if f, ok := m.IndexMapping[mesh.Key(et, ct)]; ok {
				fields = append(fields, f)
			}
		}
		if f, ok := m.OwnedOffsets[et]; ok {
			fields = append(fields, f)
		}
		if f, ok := m.TotalOffsets[et]; ok {
			fields = append(fields, f)
		}
	}
	for _, from := range mesh.AllElementTypes {
		for _, to := range mesh.AllElementTypes {
			if f, ok := m.Relations[mesh.Relation(from, to)]; ok {
				fields = append(fields, f)
			}
		}
	}
	return fields
}
