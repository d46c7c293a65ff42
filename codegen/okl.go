package codegen

import (
	"errors"
	"fmt"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupported is returned for IR the OKL backend cannot express
var ErrUnsupported = errors.New("unsupported by the OKL backend")

// Kernel is the OKL source of one mesh-for task. The generated kernel takes
// NumPatches followed by one pointer per entry of Fields.
type Kernel struct {
	Name    string
	Source  string
	Fields  []*ir.Field
	Outputs []*ir.Field // Fields the kernel stores to
	Threads int         // Inner loop extent per patch
}

// Generate emits the OKL kernel of a mesh-for task. Patches map to @outer
// iterations and the workers of a block to @inner iterations. Values the
// prologue defines at its top level live in @exclusive storage so the body
// and epilogue loops can read them. Block-local scratch is one @shared array
// of BlsSize bytes.
func Generate(o *ir.OffloadedStmt, arch config.Arch) (*Kernel, error) {
	if o == nil || o.TaskType != ir.TaskMeshFor {
		return nil, fmt.Errorf("%w: only mesh_for tasks are generated", ErrUnsupported)
	}
	if err := ir.TypeCheckOffload(o); err != nil {
		return nil, err
	}
	g := &generator{
		task:     o,
		names:    make(map[ir.Stmt]string),
		shared:   make(map[ir.Stmt]bool),
		used:     make(map[ir.Stmt]bool),
		fields:   make(map[*ir.Field]bool),
		written:  make(map[*ir.Field]bool),
		threads:  o.BlockDim,
		ownedNum: o.OwnedNumLocal[o.MajorFromType],
	}
	if arch.IsSequential() || g.threads < 1 {
		g.threads = 1
	}
	if g.ownedNum == nil {
		return nil, fmt.Errorf("task %s has no owned %s count", o.Name, o.MajorFromType)
	}
	g.scan()

	var body strings.Builder
	g.sb = &body
	if err := g.kernel(); err != nil {
		return nil, fmt.Errorf("task %s: %w", o.Name, err)
	}

	k := &Kernel{Name: kernelName(o.Name), Threads: g.threads}
	for f := range g.fields {
		k.Fields = append(k.Fields, f)
	}
	sort.Slice(k.Fields, func(i, j int) bool { return k.Fields[i].Name < k.Fields[j].Name })
	for _, f := range k.Fields {
		if g.written[f] {
			k.Outputs = append(k.Outputs, f)
		}
	}

	var src strings.Builder
	src.WriteString(g.preamble())
	src.WriteString(g.signature(k))
	src.WriteString(body.String())
	k.Source = src.String()
	return k, nil
}

type generator struct {
	task    *ir.OffloadedStmt
	threads int
	sb      *strings.Builder
	indent  int

	names   map[ir.Stmt]string
	shared  map[ir.Stmt]bool // Prologue values held in @exclusive storage
	used    map[ir.Stmt]bool // Statements some operand refers to
	fields  map[*ir.Field]bool
	written map[*ir.Field]bool

	ownedNum ir.Stmt
}

// scan collects the kernel arguments and the statements whose values are
// read by another statement
func (g *generator) scan() {
	o := g.task
	for _, b := range o.Regions() {
		ir.Walk(b, func(s ir.Stmt) {
			for _, op := range s.Operands() {
				g.used[*op] = true
			}
			switch st := s.(type) {
			case *ir.GlobalPtrStmt:
				g.fields[st.Field] = true
			case *ir.MeshIndexConversionStmt:
				if f, ok := st.Mesh.IndexMapping[st.Key()]; ok {
					g.fields[f] = true
				}
			case *ir.GlobalStoreStmt:
				g.markWritten(st.Dest)
			case *ir.AtomicOpStmt:
				g.markWritten(st.Dest)
			}
		})
	}
	if o.BlsPrologue != nil {
		for _, s := range o.BlsPrologue.Statements {
			if t := s.RetType(); !t.IsVoid() && !t.Ptr {
				g.shared[s] = true
			}
		}
	}
}

func (g *generator) markWritten(dest ir.Stmt) {
	if p, ok := dest.(*ir.GlobalPtrStmt); ok {
		g.written[p.Field] = true
	}
}

func (g *generator) name(s ir.Stmt) string {
	n, ok := g.names[s]
	if !ok {
		n = "v" + strconv.Itoa(len(g.names))
		g.names[s] = n
	}
	return n
}

func (g *generator) line(format string, args ...interface{}) {
	g.sb.WriteString(strings.Repeat("  ", g.indent))
	g.sb.WriteString(fmt.Sprintf(format, args...))
	g.sb.WriteString("\n")
}

func (g *generator) preamble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("#define BLOCK_DIM %d\n", g.threads))
	if g.task.BlsSize > 0 {
		sb.WriteString(fmt.Sprintf("#define BLS_SIZE %d\n", g.task.BlsSize))
		sb.WriteString("#define BLS_PTR(T, off) ((T *) (((char *) bls) + (off)))\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (g *generator) signature(k *Kernel) string {
	params := []string{"const int NumPatches"}
	for _, f := range k.Fields {
		constStr := "const "
		if g.written[f] {
			constStr = ""
		}
		params = append(params, fmt.Sprintf("@restrict %s%s *%s", constStr, f.DataType.CName(), f.Name))
	}
	return fmt.Sprintf("@kernel void %s(%s) {\n", k.Name, strings.Join(params, ",\n\t"))
}

func (g *generator) kernel() error {
	o := g.task
	g.indent = 1
	g.line("for (int p = 0; p < NumPatches; ++p; @outer) {")
	g.indent++
	if o.BlsSize > 0 {
		// Eight byte elements keep every slot suitably aligned
		g.line("@shared double bls[(BLS_SIZE + 7) / 8];")
	}
	if o.BlsPrologue != nil {
		for _, s := range o.BlsPrologue.Statements {
			if g.shared[s] {
				g.line("@exclusive %s %s;", s.RetType().Elem.CName(), g.name(s))
			}
		}
	}

	if err := g.inner("prologue", o.BlsPrologue, ""); err != nil {
		return err
	}
	loop := fmt.Sprintf("for (int e = t; e < %s; e += BLOCK_DIM) {", g.name(g.ownedNum))
	if err := g.inner("body", o.Body, loop); err != nil {
		return err
	}
	if err := g.inner("epilogue", o.BlsEpilogue, ""); err != nil {
		return err
	}
	g.indent--
	g.line("}")
	g.indent--
	g.line("}")
	return nil
}

// inner emits one @inner loop running b on every worker, optionally nested
// in an extra loop header
func (g *generator) inner(label string, b *ir.Block, header string) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	g.line("// %s", label)
	g.line("for (int t = 0; t < BLOCK_DIM; ++t; @inner) {")
	g.indent++
	if header != "" {
		g.line("%s", header)
		g.indent++
	}
	if err := g.block(b); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if header != "" {
		g.indent--
		g.line("}")
	}
	g.indent--
	g.line("}")
	return nil
}

func (g *generator) block(b *ir.Block) error {
	for _, s := range b.Statements {
		if err := g.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

// define emits the definition of a value-producing statement
func (g *generator) define(s ir.Stmt, expr string) {
	t := s.RetType()
	switch {
	case g.shared[s]:
		g.line("%s = %s;", g.name(s), expr)
	case t.Ptr:
		g.line("%s *%s = %s;", t.Elem.CName(), g.name(s), expr)
	default:
		g.line("%s %s = %s;", t.Elem.CName(), g.name(s), expr)
	}
}

func (g *generator) stmt(s ir.Stmt) error {
	switch st := s.(type) {
	case *ir.ConstStmt:
		g.define(st, literal(st.DataType, st.Value))
	case *ir.BinaryOpStmt:
		g.define(st, binary(st.Op, g.name(st.LHS), g.name(st.RHS)))
	case *ir.MeshIndexConversionStmt:
		expr, err := g.conversion(st)
		if err != nil {
			return err
		}
		g.define(st, expr)
	case *ir.GlobalPtrStmt:
		constStr := "const "
		if g.written[st.Field] {
			constStr = ""
		}
		g.line("%s%s *%s = %s + %s;", constStr, st.Field.DataType.CName(), g.name(st),
			st.Field.Name, g.name(st.Indices[0]))
	case *ir.BlockLocalPtrStmt:
		if g.task.BlsSize == 0 {
			return fmt.Errorf("%w: block local pointer in a task without scratch", ErrUnsupported)
		}
		g.define(st, fmt.Sprintf("BLS_PTR(%s, %s)", st.ElemType.CName(), g.name(st.Offset)))
	case *ir.GlobalLoadStmt:
		g.define(st, "*"+g.name(st.Src))
	case *ir.GlobalStoreStmt:
		g.line("*%s = %s;", g.name(st.Dest), g.name(st.Val))
	case *ir.AtomicOpStmt:
		return g.atomic(st)
	case *ir.AllocaStmt:
		g.define(st, "0")
	case *ir.LocalLoadStmt:
		g.define(st, g.name(st.Src))
	case *ir.LocalStoreStmt:
		g.line("%s = %s;", g.name(st.Dest), g.name(st.Val))
	case *ir.WhileStmt:
		g.line("while (1) {")
		g.indent++
		if err := g.block(st.Body); err != nil {
			return err
		}
		g.indent--
		g.line("}")
	case *ir.WhileControlStmt:
		g.line("if (!%s) break;", g.name(st.Cond))
	case *ir.LoopIndexStmt:
		if !g.insideBody(st) {
			return fmt.Errorf("%w: loop index outside the body", ErrUnsupported)
		}
		g.define(st, "e")
	case *ir.LoopLinearIndexStmt:
		g.define(st, "t")
	case *ir.MeshPatchIndexStmt:
		g.define(st, "p")
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, s)
	}
	return nil
}

func (g *generator) insideBody(s ir.Stmt) bool {
	for b := s.Parent(); b != nil; {
		if b == g.task.Body {
			return true
		}
		if b.ParentStmt == nil {
			return false
		}
		b = b.ParentStmt.Parent()
	}
	return false
}

// conversion reads the global mapping array, indexed by the patch's total
// offset for local indices
func (g *generator) conversion(st *ir.MeshIndexConversionStmt) (string, error) {
	mapping, ok := st.Mesh.IndexMapping[st.Key()]
	if !ok {
		return "", fmt.Errorf("mesh %s has no %s mapping", st.Mesh.Name, st.Key())
	}
	if st.ConvType == mesh.G2R {
		return fmt.Sprintf("%s[%s]", mapping.Name, g.name(st.Idx)), nil
	}
	offset, ok := g.task.TotalOffsetLocal[st.IdxType]
	if !ok {
		return "", fmt.Errorf("no total %s offset for %s conversion", st.IdxType, st.ConvType)
	}
	return fmt.Sprintf("%s[%s + %s]", mapping.Name, g.name(offset), g.name(st.Idx)), nil
}

// atomic emits OKL's @atomic update. Its result has no OKL value, so the
// backend rejects atomics whose result is read.
func (g *generator) atomic(st *ir.AtomicOpStmt) error {
	if st.Op != ir.AtomicAdd {
		return fmt.Errorf("%w: atomic_%s", ErrUnsupported, st.Op)
	}
	if g.used[st] {
		return fmt.Errorf("%w: result of atomic_%s is read", ErrUnsupported, st.Op)
	}
	dest := g.name(st.Dest)
	if _, ok := st.Dest.(*ir.BlockLocalPtrStmt); ok && g.threads == 1 {
		g.line("*%s += %s;", dest, g.name(st.Val))
		return nil
	}
	g.line("@atomic *%s += %s;", dest, g.name(st.Val))
	return nil
}

func binary(op ir.BinaryOpType, l, r string) string {
	switch op {
	case ir.OpAdd:
		return fmt.Sprintf("%s + %s", l, r)
	case ir.OpSub:
		return fmt.Sprintf("%s - %s", l, r)
	case ir.OpMul:
		return fmt.Sprintf("%s * %s", l, r)
	case ir.OpDiv:
		return fmt.Sprintf("%s / %s", l, r)
	case ir.OpMax:
		return fmt.Sprintf("(%s > %s ? %s : %s)", l, r, l, r)
	default:
		return fmt.Sprintf("(%s < %s)", l, r)
	}
}

func literal(dt ir.DataType, v float64) string {
	switch dt {
	case ir.INT32, ir.INT64:
		return strconv.FormatInt(int64(v), 10)
	case ir.Float32:
		return strconv.FormatFloat(v, 'e', -1, 32) + "f"
	default:
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
}

// kernelName turns a task name into a C identifier
func kernelName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			sb.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
