package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Print renders the IR under b as text. Values are numbered in order of
// first appearance so the output only depends on the IR's structure.
func Print(b *Block) string {
	p := &printer{names: make(map[Stmt]int)}
	p.block(b)
	return p.sb.String()
}

// PrintOffload renders a single task
func PrintOffload(o *OffloadedStmt) string {
	p := &printer{names: make(map[Stmt]int)}
	p.stmt(o)
	return p.sb.String()
}

type printer struct {
	sb     strings.Builder
	names  map[Stmt]int
	indent int
}

func (p *printer) name(s Stmt) string {
	if s == nil {
		return "<nil>"
	}
	n, ok := p.names[s]
	if !ok {
		n = len(p.names)
		p.names[s] = n
	}
	return fmt.Sprintf("$%d", n)
}

func (p *printer) line(format string, args ...interface{}) {
	p.sb.WriteString(strings.Repeat("  ", p.indent))
	p.sb.WriteString(fmt.Sprintf(format, args...))
	p.sb.WriteString("\n")
}

func (p *printer) block(b *Block) {
	if b == nil {
		return
	}
	for _, s := range b.Statements {
		p.stmt(s)
	}
}

func (p *printer) region(label string, b *Block) {
	if b == nil {
		return
	}
	p.line("%s {", label)
	p.indent++
	p.block(b)
	p.indent--
	p.line("}")
}

func (p *printer) stmt(s Stmt) {
	switch st := s.(type) {
	case *ConstStmt:
		p.line("%s = const %s %v", p.name(st), st.DataType, st.Value)
	case *BinaryOpStmt:
		p.line("%s = %s %s %s", p.name(st), st.Op, p.name(st.LHS), p.name(st.RHS))
	case *MeshIndexConversionStmt:
		p.line("%s = mesh_index_conversion %s %s %s", p.name(st), st.IdxType, st.ConvType, p.name(st.Idx))
	case *GlobalPtrStmt:
		indices := make([]string, len(st.Indices))
		for i, idx := range st.Indices {
			indices[i] = p.name(idx)
		}
		p.line("%s = global_ptr %s [%s]", p.name(st), st.Field.Name, strings.Join(indices, ", "))
	case *BlockLocalPtrStmt:
		p.line("%s = block_local_ptr %s [%s]", p.name(st), st.ElemType, p.name(st.Offset))
	case *GlobalLoadStmt:
		p.line("%s = global_load %s", p.name(st), p.name(st.Src))
	case *GlobalStoreStmt:
		p.line("global_store %s <- %s", p.name(st.Dest), p.name(st.Val))
	case *AtomicOpStmt:
		p.line("%s = atomic_%s %s %s", p.name(st), st.Op, p.name(st.Dest), p.name(st.Val))
	case *AllocaStmt:
		p.line("%s = alloca %s", p.name(st), st.DataType)
	case *LocalLoadStmt:
		p.line("%s = local_load %s", p.name(st), p.name(st.Src))
	case *LocalStoreStmt:
		p.line("local_store %s <- %s", p.name(st.Dest), p.name(st.Val))
	case *WhileStmt:
		p.region("while", st.Body)
	case *WhileControlStmt:
		p.line("while_control %s", p.name(st.Cond))
	case *LoopIndexStmt:
		p.line("%s = loop_index", p.name(st))
	case *LoopLinearIndexStmt:
		p.line("%s = loop_linear_index", p.name(st))
	case *MeshPatchIndexStmt:
		p.line("%s = mesh_patch_idx", p.name(st))
	case *OffloadedStmt:
		p.line("offload %s %s (from %s, block_dim %d, bls_size %d, mesh_local [%s]) {",
			st.TaskType, st.Name, st.MajorFromType, st.BlockDim, st.BlsSize, fieldNames(st.MeshLocal))
		p.indent++
		p.region("bls_prologue", st.BlsPrologue)
		p.region("body", st.Body)
		p.region("bls_epilogue", st.BlsEpilogue)
		p.indent--
		p.line("}")
	default:
		p.line("%s = <unknown %T>", p.name(s), s)
	}
}

func fieldNames(fields []*Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
