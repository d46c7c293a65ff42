package ir

// Stmt is one IR statement. A statement's value is referenced by the
// statements that list it as an operand.
type Stmt interface {
	// Parent returns the block holding the statement
	Parent() *Block
	// RetType is the value type, assigned by TypeCheck
	RetType() Type
	// Operands returns the addresses of the operand slots so passes can
	// redirect uses in place
	Operands() []*Stmt

	setParent(b *Block)
	setRetType(t Type)
}

type stmtBase struct {
	parent  *Block
	retType Type
}

func (s *stmtBase) Parent() *Block { return s.parent }
func (s *stmtBase) RetType() Type { return s.retType }
func (s *stmtBase) setParent(b *Block) { s.parent = b }
func (s *stmtBase) setRetType(t Type) { s.retType = t }
func (s *stmtBase) Operands() []*Stmt { return nil }

// Container collects statements in order
type Container interface {
	PushBack(s Stmt) Stmt
}

// Push appends s to c and returns it with its concrete type
func Push[T Stmt](c Container, s T) T {
	c.PushBack(s)
	return s
}

// VecStatement is a detached sequence of statements used as a replacement
type VecStatement struct {
	Stmts []Stmt
}

// PushBack appends a statement
func (v *VecStatement) PushBack(s Stmt) Stmt {
	v.Stmts = append(v.Stmts, s)
	return s
}

// Back returns the last statement, or nil
func (v *VecStatement) Back() Stmt {
	if len(v.Stmts) == 0 {
		return nil
	}
	return v.Stmts[len(v.Stmts)-1]
}

// Is reports whether s holds a statement of type T
func Is[T Stmt](s Stmt) bool {
	_, ok := s.(T)
	return ok
}
