package ir

import "github.com/notargets/meshbls/mesh"

// TaskType is the kind of an offloaded task
type TaskType int

const (
	TaskSerial TaskType = iota
	TaskRangeFor
	TaskMeshFor
)

func (tt TaskType) String() string {
	return [...]string{"serial", "range_for", "mesh_for"}[tt]
}

// OffloadedStmt is one compiled parallel-loop unit. A mesh-for task is
// executed patch by patch, one patch per block of BlockDim workers. Each
// block runs BlsPrologue, then Body once per owned element of
// MajorFromType, then BlsEpilogue.
type OffloadedStmt struct {
	stmtBase
	TaskType TaskType
	Name     string

	Mesh               *Mesh
	MajorFromType      mesh.ElementType
	MajorToTypes       []mesh.ElementType
	MinorRelationTypes []mesh.RelationType

	BlockDim int
	BlsSize  int // Bytes of block-local scratch the task requires

	// Per element type count/offset values of the current patch, defined
	// in BlsPrologue by the offloading pass
	OwnedNumLocal    map[mesh.ElementType]Stmt
	OwnedOffsetLocal map[mesh.ElementType]Stmt
	TotalNumLocal    map[mesh.ElementType]Stmt
	TotalOffsetLocal map[mesh.ElementType]Stmt

	// Attributes declared block-local by the kernel author
	MeshLocal []*Field

	BlsPrologue *Block
	Body        *Block
	BlsEpilogue *Block
}

// NewOffloaded creates a task of the given type with an empty body
func NewOffloaded(tt TaskType, name string) *OffloadedStmt {
	o := &OffloadedStmt{
		TaskType:         tt,
		Name:             name,
		BlockDim:         1,
		OwnedNumLocal:    make(map[mesh.ElementType]Stmt),
		OwnedOffsetLocal: make(map[mesh.ElementType]Stmt),
		TotalNumLocal:    make(map[mesh.ElementType]Stmt),
		TotalOffsetLocal: make(map[mesh.ElementType]Stmt),
	}
	o.Body = o.newRegion()
	return o
}

// EnsurePrologue creates the prologue region if it does not exist
func (o *OffloadedStmt) EnsurePrologue() *Block {
	if o.BlsPrologue == nil {
		o.BlsPrologue = o.newRegion()
	}
	return o.BlsPrologue
}

// EnsureEpilogue creates the epilogue region if it does not exist
func (o *OffloadedStmt) EnsureEpilogue() *Block {
	if o.BlsEpilogue == nil {
		o.BlsEpilogue = o.newRegion()
	}
	return o.BlsEpilogue
}

func (o *OffloadedStmt) newRegion() *Block {
	return &Block{ParentStmt: o}
}

// Regions returns the existing code regions in execution order
func (o *OffloadedStmt) Regions() []*Block {
	var regions []*Block
	for _, b := range []*Block{o.BlsPrologue, o.Body, o.BlsEpilogue} {
		if b != nil {
			regions = append(regions, b)
		}
	}
	return regions
}

// IsMeshLocal reports whether f was declared block-local
func (o *OffloadedStmt) IsMeshLocal(f *Field) bool {
	for _, m := range o.MeshLocal {
		if m == f {
			return true
		}
	}
	return false
}

func (o *OffloadedStmt) localCounts() []map[mesh.ElementType]Stmt {
	return []map[mesh.ElementType]Stmt{
		o.OwnedNumLocal, o.OwnedOffsetLocal, o.TotalNumLocal, o.TotalOffsetLocal,
	}
}

func (o *OffloadedStmt) replaceLocalCount(old, repl Stmt) {
	for _, m := range o.localCounts() {
		for et, st := range m {
			if st == old {
				m[et] = repl
			}
		}
	}
}
