package analysis

import (
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
	"github.com/samber/lo"
	"slices"
	"strings"
)

// AccessFlag records how a task body uses an attribute
type AccessFlag uint8

const (
	NoAccess AccessFlag = 0
	// Loaded from
	Read AccessFlag = 1 << (iota - 1)
	// Stored to
	Write
	// Atomically added to
	Accumulate
)

// Has checks if any of the given flags is set
func (f AccessFlag) Has(flags AccessFlag) bool {
	return f&flags != 0
}

func (f AccessFlag) HasRead() bool       { return f.Has(Read) }
func (f AccessFlag) HasWrite() bool      { return f.Has(Write) }
func (f AccessFlag) HasAccumulate() bool { return f.Has(Accumulate) }

func (f AccessFlag) String() string {
	if f == NoAccess {
		return "none"
	}
	var parts []string
	if f.HasRead() {
		parts = append(parts, "read")
	}
	if f.HasWrite() {
		parts = append(parts, "write")
	}
	if f.HasAccumulate() {
		parts = append(parts, "accumulate")
	}
	return strings.Join(parts, "|")
}

// AttributeAccess is one attribute and the union of its access flags under
// a mapping
type AttributeAccess struct {
	Field *ir.Field
	Flags AccessFlag
}

// Record maps an (element type, conversion kind) pair to the attributes
// accessed through it. Attribute lists are sorted by field name.
type Record map[mesh.MappingKey][]AttributeAccess

// Keys returns the recorded mappings in ascending order
func (r Record) Keys() []mesh.MappingKey {
	keys := lo.Keys(r)
	slices.SortFunc(keys, mesh.MappingKey.Compare)
	return keys
}

// Has reports whether any attribute is recorded under key
func (r Record) Has(key mesh.MappingKey) bool {
	return len(r[key]) > 0
}

// HasAccumulate reports whether any attribute under key is accumulated into
func (r Record) HasAccumulate(key mesh.MappingKey) bool {
	return lo.SomeBy(r[key], func(a AttributeAccess) bool {
		return a.Flags.HasAccumulate()
	})
}

// MeshLocalAnalyzer gathers the access flags of the attributes a task
// declared block-local
type MeshLocalAnalyzer struct {
	caches map[mesh.MappingKey]map[*ir.Field]AccessFlag
}

// NewMeshLocalAnalyzer analyzes the body of a mesh-for task. Only
// attributes listed in the task's MeshLocal set and addressed through a
// mesh index conversion are recorded.
func NewMeshLocalAnalyzer(o *ir.OffloadedStmt) *MeshLocalAnalyzer {
	a := &MeshLocalAnalyzer{caches: make(map[mesh.MappingKey]map[*ir.Field]AccessFlag)}
	if o == nil || o.Body == nil {
		return a
	}

	ptrs := ir.Gather(o.Body, func(p *ir.GlobalPtrStmt) bool {
		if !o.IsMeshLocal(p.Field) || len(p.Indices) != 1 {
			return false
		}
		return ir.Is[*ir.MeshIndexConversionStmt](p.Indices[0])
	})
	for _, ptr := range ptrs {
		conv := ptr.Indices[0].(*ir.MeshIndexConversionStmt)
		flags := NoAccess
		for _, user := range ir.Users(o.Body, ptr) {
			flags |= accessOf(user, ptr)
		}
		if flags != NoAccess {
			a.Insert(conv.Key(), ptr.Field, flags)
		}
	}
	return a
}

func accessOf(user, ptr ir.Stmt) AccessFlag {
	switch u := user.(type) {
	case *ir.GlobalLoadStmt:
		return Read
	case *ir.GlobalStoreStmt:
		if u.Dest == ptr {
			return Write
		}
	case *ir.AtomicOpStmt:
		if u.Dest != ptr {
			return NoAccess
		}
		if u.Op == ir.AtomicAdd {
			return Accumulate
		}
		return Read | Write
	}
	return NoAccess
}

// Insert merges flags for field under key
func (a *MeshLocalAnalyzer) Insert(key mesh.MappingKey, field *ir.Field, flags AccessFlag) {
	m, ok := a.caches[key]
	if !ok {
		m = make(map[*ir.Field]AccessFlag)
		a.caches[key] = m
	}
	m[field] |= flags
}

// Finalize returns the caching record. The analyzer is not modified.
func (a *MeshLocalAnalyzer) Finalize() Record {
	rec := make(Record, len(a.caches))
	for key, attrs := range a.caches {
		list := make([]AttributeAccess, 0, len(attrs))
		for f, flags := range attrs {
			list = append(list, AttributeAccess{Field: f, Flags: flags})
		}
		slices.SortFunc(list, func(x, y AttributeAccess) int {
			return strings.Compare(x.Field.Name, y.Field.Name)
		})
		rec[key] = list
	}
	return rec
}
