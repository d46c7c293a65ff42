package ir

import (
	"github.com/notargets/meshbls/mesh"
	"math"
)

// BinaryOpType is an arithmetic or comparison operator
type BinaryOpType int

const (
	OpAdd BinaryOpType = iota
	OpSub
	OpMul
	OpDiv
	OpMax
	OpCmpLt
)

func (op BinaryOpType) String() string {
	return [...]string{"add", "sub", "mul", "div", "max", "cmp_lt"}[op]
}

// IsComparison reports whether the operator yields a boolean
func (op BinaryOpType) IsComparison() bool {
	return op == OpCmpLt
}

// AtomicOpType is a read-modify-write operator
type AtomicOpType int

const (
	AtomicAdd AtomicOpType = iota
	AtomicMax
	AtomicMin
)

func (op AtomicOpType) String() string {
	return [...]string{"add", "max", "min"}[op]
}

// ConstStmt is a typed constant. Integer constants are stored exactly.
type ConstStmt struct {
	stmtBase
	DataType DataType
	Value    float64
}

// NewConst returns a constant of type dt
func NewConst(dt DataType, v float64) *ConstStmt {
	return &ConstStmt{DataType: dt, Value: v}
}

// ConstI32 returns a 32 bit integer constant
func ConstI32(v int) *ConstStmt {
	return &ConstStmt{DataType: INT32, Value: float64(v)}
}

// BinaryOpStmt applies Op to LHS and RHS
type BinaryOpStmt struct {
	stmtBase
	Op       BinaryOpType
	LHS, RHS Stmt
}

func NewBinaryOp(op BinaryOpType, lhs, rhs Stmt) *BinaryOpStmt {
	return &BinaryOpStmt{Op: op, LHS: lhs, RHS: rhs}
}

func (s *BinaryOpStmt) Operands() []*Stmt { return []*Stmt{&s.LHS, &s.RHS} }

// MeshIndexConversionStmt converts Idx, an index of IdxType elements, from
// one index space to another
type MeshIndexConversionStmt struct {
	stmtBase
	Mesh     *Mesh
	IdxType  mesh.ElementType
	Idx      Stmt
	ConvType mesh.ConvType
}

func NewMeshIndexConversion(m *Mesh, et mesh.ElementType, idx Stmt, ct mesh.ConvType) *MeshIndexConversionStmt {
	return &MeshIndexConversionStmt{Mesh: m, IdxType: et, Idx: idx, ConvType: ct}
}

func (s *MeshIndexConversionStmt) Operands() []*Stmt { return []*Stmt{&s.Idx} }

// Key returns the mapping the conversion goes through
func (s *MeshIndexConversionStmt) Key() mesh.MappingKey {
	return mesh.Key(s.IdxType, s.ConvType)
}

// GlobalPtrStmt addresses one element of a global field
type GlobalPtrStmt struct {
	stmtBase
	Field   *Field
	Indices []Stmt
}

func NewGlobalPtr(f *Field, indices ...Stmt) *GlobalPtrStmt {
	return &GlobalPtrStmt{Field: f, Indices: indices}
}

func (s *GlobalPtrStmt) Operands() []*Stmt {
	ops := make([]*Stmt, len(s.Indices))
	for i := range s.Indices {
		ops[i] = &s.Indices[i]
	}
	return ops
}

// BlockLocalPtrStmt addresses the block-local scratch buffer at a byte
// offset, viewed as ElemType
type BlockLocalPtrStmt struct {
	stmtBase
	Offset   Stmt
	ElemType DataType
}

func NewBlockLocalPtr(offset Stmt, dt DataType) *BlockLocalPtrStmt {
	return &BlockLocalPtrStmt{Offset: offset, ElemType: dt}
}

func (s *BlockLocalPtrStmt) Operands() []*Stmt { return []*Stmt{&s.Offset} }

// GlobalLoadStmt loads through a pointer
type GlobalLoadStmt struct {
	stmtBase
	Src Stmt
}

func NewGlobalLoad(src Stmt) *GlobalLoadStmt { return &GlobalLoadStmt{Src: src} }

func (s *GlobalLoadStmt) Operands() []*Stmt { return []*Stmt{&s.Src} }

// GlobalStoreStmt stores Val through Dest
type GlobalStoreStmt struct {
	stmtBase
	Dest, Val Stmt
}

func NewGlobalStore(dest, val Stmt) *GlobalStoreStmt {
	return &GlobalStoreStmt{Dest: dest, Val: val}
}

func (s *GlobalStoreStmt) Operands() []*Stmt { return []*Stmt{&s.Dest, &s.Val} }

// AtomicOpStmt atomically combines Val into Dest and yields the old value
type AtomicOpStmt struct {
	stmtBase
	Op        AtomicOpType
	Dest, Val Stmt
}

func NewAtomicOp(op AtomicOpType, dest, val Stmt) *AtomicOpStmt {
	return &AtomicOpStmt{Op: op, Dest: dest, Val: val}
}

func (s *AtomicOpStmt) Operands() []*Stmt { return []*Stmt{&s.Dest, &s.Val} }

// AllocaStmt declares a worker-private variable
type AllocaStmt struct {
	stmtBase
	DataType DataType
}

func NewAlloca(dt DataType) *AllocaStmt { return &AllocaStmt{DataType: dt} }

// LocalLoadStmt reads a worker-private variable
type LocalLoadStmt struct {
	stmtBase
	Src Stmt
}

func NewLocalLoad(src Stmt) *LocalLoadStmt { return &LocalLoadStmt{Src: src} }

func (s *LocalLoadStmt) Operands() []*Stmt { return []*Stmt{&s.Src} }

// LocalStoreStmt writes a worker-private variable
type LocalStoreStmt struct {
	stmtBase
	Dest, Val Stmt
}

func NewLocalStore(dest, val Stmt) *LocalStoreStmt {
	return &LocalStoreStmt{Dest: dest, Val: val}
}

func (s *LocalStoreStmt) Operands() []*Stmt { return []*Stmt{&s.Dest, &s.Val} }

// WhileStmt repeats Body until a WhileControlStmt inside it breaks out
type WhileStmt struct {
	stmtBase
	Body *Block
}

// NewWhile takes ownership of body
func NewWhile(body *Block) *WhileStmt {
	w := &WhileStmt{Body: body}
	body.ParentStmt = w
	return w
}

// WhileControlStmt leaves the innermost while loop when Cond is zero
type WhileControlStmt struct {
	stmtBase
	Cond Stmt
}

func NewWhileControl(cond Stmt) *WhileControlStmt { return &WhileControlStmt{Cond: cond} }

func (s *WhileControlStmt) Operands() []*Stmt { return []*Stmt{&s.Cond} }

// LoopIndexStmt is the local element index of the current mesh-for iteration
type LoopIndexStmt struct {
	stmtBase
	Loop *OffloadedStmt
}

func NewLoopIndex(loop *OffloadedStmt) *LoopIndexStmt { return &LoopIndexStmt{Loop: loop} }

// LoopLinearIndexStmt is the worker's linear index inside its block
type LoopLinearIndexStmt struct {
	stmtBase
	Loop *OffloadedStmt
}

func NewLoopLinearIndex(loop *OffloadedStmt) *LoopLinearIndexStmt {
	return &LoopLinearIndexStmt{Loop: loop}
}

// MeshPatchIndexStmt is the index of the patch the block is processing
type MeshPatchIndexStmt struct {
	stmtBase
}

func NewMeshPatchIndex() *MeshPatchIndexStmt { return &MeshPatchIndexStmt{} }

// Truncate converts v to the representable value of dt
func Truncate(dt DataType, v float64) float64 {
	switch dt {
	case INT32:
		return float64(int32(math.Trunc(v)))
	case INT64:
		return float64(int64(math.Trunc(v)))
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}
