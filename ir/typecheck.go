package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTypeCheck is wrapped by every type checking failure
var ErrTypeCheck = errors.New("type check failed")

// TypeCheck assigns a return type to every statement under root and
// validates operand kinds and definition order. Values defined in a task's
// prologue are visible to its body and epilogue.
func TypeCheck(root *Block) error {
	tc := &typeChecker{defined: make(map[Stmt]bool)}
	tc.block(root)
	return tc.err()
}

// TypeCheckOffload checks a single task that is not attached to a root block
func TypeCheckOffload(o *OffloadedStmt) error {
	tc := &typeChecker{defined: make(map[Stmt]bool)}
	tc.offload(o)
	return tc.err()
}

type typeChecker struct {
	defined map[Stmt]bool
	errs    []string
}

func (tc *typeChecker) err() error {
	if len(tc.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n  %s", ErrTypeCheck, strings.Join(tc.errs, "\n  "))
}

func (tc *typeChecker) fail(s Stmt, format string, args ...interface{}) {
	tc.errs = append(tc.errs, fmt.Sprintf("%T: %s", s, fmt.Sprintf(format, args...)))
}

func (tc *typeChecker) block(b *Block) {
	if b == nil {
		return
	}
	for _, s := range b.Statements {
		if s.Parent() != b {
			tc.fail(s, "parent link does not point to its block")
		}
		tc.stmt(s)
		tc.defined[s] = true
	}
}

func (tc *typeChecker) offload(o *OffloadedStmt) {
	tc.block(o.BlsPrologue)
	for _, m := range o.localCounts() {
		for et, s := range m {
			if !tc.defined[s] {
				tc.fail(o, "%s count/offset statement is not defined in the prologue", et)
			}
		}
	}
	tc.block(o.Body)
	tc.block(o.BlsEpilogue)
}

// operand checks that s is defined before use and returns its type
func (tc *typeChecker) operand(user, s Stmt) Type {
	if s == nil {
		tc.fail(user, "nil operand")
		return Type{}
	}
	if !tc.defined[s] {
		tc.fail(user, "operand %T used before definition", s)
	}
	return s.RetType()
}

func (tc *typeChecker) scalar(user, s Stmt) Type {
	t := tc.operand(user, s)
	if t.Ptr || t.IsVoid() {
		tc.fail(user, "expected scalar operand, got %s", t)
	}
	return t
}

func (tc *typeChecker) integer(user, s Stmt) Type {
	t := tc.scalar(user, s)
	if !t.Ptr && !t.IsVoid() && !t.Elem.IsInteger() {
		tc.fail(user, "expected integer operand, got %s", t)
	}
	return t
}

func (tc *typeChecker) pointer(user, s Stmt) Type {
	t := tc.operand(user, s)
	if !t.Ptr {
		tc.fail(user, "expected pointer operand, got %s", t)
	}
	return t
}

func (tc *typeChecker) stmt(s Stmt) {
	switch st := s.(type) {
	case *ConstStmt:
		st.setRetType(Scalar(st.DataType))
	case *BinaryOpStmt:
		l, r := tc.scalar(st, st.LHS), tc.scalar(st, st.RHS)
		if st.Op.IsComparison() {
			st.setRetType(Scalar(INT32))
		} else {
			st.setRetType(Scalar(Promote(l.Elem, r.Elem)))
		}
	case *MeshIndexConversionStmt:
		tc.integer(st, st.Idx)
		if st.Mesh == nil {
			tc.fail(st, "conversion without mesh")
		}
		st.setRetType(Scalar(INT32))
	case *GlobalPtrStmt:
		if st.Field == nil {
			tc.fail(st, "pointer to nil field")
			return
		}
		if len(st.Indices) != 1 {
			tc.fail(st, "expected one index into %s, got %d", st.Field.Name, len(st.Indices))
		}
		for _, idx := range st.Indices {
			tc.integer(st, idx)
		}
		st.setRetType(PtrTo(st.Field.DataType))
	case *BlockLocalPtrStmt:
		tc.integer(st, st.Offset)
		if st.ElemType.Size() == 0 {
			tc.fail(st, "block local pointer without element type")
		}
		st.setRetType(PtrTo(st.ElemType))
	case *GlobalLoadStmt:
		t := tc.pointer(st, st.Src)
		st.setRetType(Scalar(t.Elem))
	case *GlobalStoreStmt:
		tc.pointer(st, st.Dest)
		tc.scalar(st, st.Val)
	case *AtomicOpStmt:
		t := tc.pointer(st, st.Dest)
		tc.scalar(st, st.Val)
		st.setRetType(Scalar(t.Elem))
	case *AllocaStmt:
		st.setRetType(Scalar(st.DataType))
	case *LocalLoadStmt:
		tc.operand(st, st.Src)
		if a, ok := st.Src.(*AllocaStmt); ok {
			st.setRetType(Scalar(a.DataType))
		} else {
			tc.fail(st, "local load from %T", st.Src)
		}
	case *LocalStoreStmt:
		tc.operand(st, st.Dest)
		if !Is[*AllocaStmt](st.Dest) {
			tc.fail(st, "local store to %T", st.Dest)
		}
		tc.scalar(st, st.Val)
	case *WhileStmt:
		tc.block(st.Body)
	case *WhileControlStmt:
		tc.integer(st, st.Cond)
		if !tc.insideWhile(st) {
			tc.fail(st, "while control outside of a while loop")
		}
	case *LoopIndexStmt, *LoopLinearIndexStmt, *MeshPatchIndexStmt:
		s.setRetType(Scalar(INT32))
	case *OffloadedStmt:
		tc.offload(st)
	default:
		tc.fail(s, "unknown statement")
	}
}

func (tc *typeChecker) insideWhile(s Stmt) bool {
	for b := s.Parent(); b != nil && b.ParentStmt != nil; b = b.ParentStmt.Parent() {
		if Is[*WhileStmt](b.ParentStmt) {
			return true
		}
	}
	return false
}
