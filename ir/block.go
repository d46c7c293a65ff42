package ir

import "fmt"

// Block is an ordered scope of statements
type Block struct {
	Statements []Stmt
	ParentStmt Stmt // nil for the root block
}

// NewBlock returns an empty block
func NewBlock() *Block {
	return &Block{}
}

// PushBack appends s and makes the block its parent
func (b *Block) PushBack(s Stmt) Stmt {
	s.setParent(b)
	b.Statements = append(b.Statements, s)
	return s
}

// Len returns the number of statements directly in the block
func (b *Block) Len() int {
	return len(b.Statements)
}

// Locate returns the position of s in the block, or -1
func (b *Block) Locate(s Stmt) int {
	for i, st := range b.Statements {
		if st == s {
			return i
		}
	}
	return -1
}

// Erase removes s from the block
func (b *Block) Erase(s Stmt) {
	if i := b.Locate(s); i >= 0 {
		b.Statements = append(b.Statements[:i], b.Statements[i+1:]...)
	}
}

// Root climbs to the outermost enclosing block
func (b *Block) Root() *Block {
	for b.ParentStmt != nil && b.ParentStmt.Parent() != nil {
		b = b.ParentStmt.Parent()
	}
	return b
}

// ReplaceWith substitutes old by the statements of vec, in place, and
// redirects every use of old to the last statement of vec
func ReplaceWith(old Stmt, vec *VecStatement) {
	b := old.Parent()
	if b == nil {
		panic(fmt.Sprintf("cannot replace detached statement %T", old))
	}
	i := b.Locate(old)
	if i < 0 {
		panic(fmt.Sprintf("statement %T not found in its parent block", old))
	}

	stmts := make([]Stmt, 0, len(b.Statements)+len(vec.Stmts)-1)
	stmts = append(stmts, b.Statements[:i]...)
	for _, s := range vec.Stmts {
		s.setParent(b)
		stmts = append(stmts, s)
	}
	stmts = append(stmts, b.Statements[i+1:]...)
	b.Statements = stmts
	old.setParent(nil)

	if last := vec.Back(); last != nil {
		for _, scope := range scopeOf(b) {
			ReplaceUsages(scope, old, last)
		}
		if o, ok := b.Root().ParentStmt.(*OffloadedStmt); ok {
			o.replaceLocalCount(old, last)
		}
	}
}

// scopeOf returns the blocks a statement in b may be referenced from. A
// detached offloaded task is its own scope.
func scopeOf(b *Block) []*Block {
	root := b.Root()
	if o, ok := root.ParentStmt.(*OffloadedStmt); ok {
		return o.Regions()
	}
	return []*Block{root}
}

// ReplaceUsages redirects every operand referencing old to repl
func ReplaceUsages(root *Block, old, repl Stmt) {
	Walk(root, func(s Stmt) {
		for _, op := range s.Operands() {
			if *op == old {
				*op = repl
			}
		}
		if o, ok := s.(*OffloadedStmt); ok {
			o.replaceLocalCount(old, repl)
		}
	})
}

// Users returns every statement under root that has s as an operand
func Users(root *Block, s Stmt) []Stmt {
	var users []Stmt
	Walk(root, func(st Stmt) {
		for _, op := range st.Operands() {
			if *op == s {
				users = append(users, st)
				return
			}
		}
	})
	return users
}

// Walk visits every statement under b in program order, descending into
// nested scopes before moving on
func Walk(b *Block, fn func(Stmt)) {
	if b == nil {
		return
	}
	// Statements may be replaced while walking; iterate a snapshot
	stmts := append([]Stmt(nil), b.Statements...)
	for _, s := range stmts {
		fn(s)
		switch st := s.(type) {
		case *WhileStmt:
			Walk(st.Body, fn)
		case *OffloadedStmt:
			for _, region := range st.Regions() {
				Walk(region, fn)
			}
		}
	}
}

// GatherStatements collects the statements under b that satisfy pred
func GatherStatements(b *Block, pred func(Stmt) bool) []Stmt {
	var out []Stmt
	Walk(b, func(s Stmt) {
		if pred(s) {
			out = append(out, s)
		}
	})
	return out
}

// Gather collects the statements of type T under b that satisfy pred
func Gather[T Stmt](b *Block, pred func(T) bool) []T {
	var out []T
	Walk(b, func(s Stmt) {
		if st, ok := s.(T); ok && (pred == nil || pred(st)) {
			out = append(out, st)
		}
	})
	return out
}
