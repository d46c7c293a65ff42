package interp

import (
	"context"
	"errors"
	"fmt"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/kernels"
	"github.com/notargets/meshbls/mesh"
	"golang.org/x/sync/errgroup"
	"math"
)

// Executor runs offloaded mesh tasks the way a backend schedules them: one
// block per patch, BlockDim cooperating workers per block (a single worker
// on sequential targets) and a fresh scratch buffer per patch. Arch must
// match the target the tasks were compiled for.
type Executor struct {
	Arch   config.Arch
	Memory *Memory

	// Maximum number of patches in flight, 0 for no limit
	MaxConcurrentPatches int
}

// NewExecutor creates an executor over a copy of the binding's fields
func NewExecutor(mb *kernels.MeshBinding, arch config.Arch) *Executor {
	if mb == nil {
		panic("mesh binding cannot be nil")
	}
	return &Executor{
		Arch:   arch,
		Memory: NewMemory(mb.Host),
	}
}

// Run executes the offloaded tasks of root in order
func (e *Executor) Run(ctx context.Context, root *ir.Block) error {
	for _, s := range root.Statements {
		o, ok := s.(*ir.OffloadedStmt)
		if !ok {
			return fmt.Errorf("top level statement %T is not an offloaded task", s)
		}
		if err := e.RunTask(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// RunTask executes every patch of a mesh-for task. Patches run
// concurrently and share global memory.
func (e *Executor) RunTask(ctx context.Context, o *ir.OffloadedStmt) error {
	if o.TaskType != ir.TaskMeshFor {
		return fmt.Errorf("task %s: unsupported task type %s", o.Name, o.TaskType)
	}
	if o.Mesh == nil {
		return fmt.Errorf("task %s: mesh-for task without a mesh", o.Name)
	}
	if err := ir.TypeCheckOffload(o); err != nil {
		return fmt.Errorf("task %s: %w", o.Name, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if e.MaxConcurrentPatches > 0 {
		g.SetLimit(e.MaxConcurrentPatches)
	}
	for p := 0; p < o.Mesh.NumPatches; p++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.runPatch(o, p); err != nil {
				return fmt.Errorf("task %s patch %d: %w", o.Name, p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) workers(o *ir.OffloadedStmt) int {
	if e.Arch.IsSequential() || o.BlockDim < 1 {
		return 1
	}
	return o.BlockDim
}

// runPatch runs the prologue on every worker, distributes the owned
// elements round-robin over the workers, then runs the epilogue. Each
// region completes on all workers before the next one starts.
func (e *Executor) runPatch(o *ir.OffloadedStmt, patch int) error {
	bls := make(scratch, o.BlsSize)
	frames := make([]*frame, e.workers(o))
	for w := range frames {
		frames[w] = &frame{
			task:   o,
			mem:    e.Memory,
			bls:    bls,
			patch:  patch,
			worker: w,
			vals:   make(map[ir.Stmt]float64),
			ptrs:   make(map[ir.Stmt]pointer),
		}
	}

	for _, f := range frames {
		if err := f.execBlock(o.BlsPrologue); err != nil {
			return fmt.Errorf("prologue: %w", err)
		}
	}

	ownedStmt, ok := o.OwnedNumLocal[o.MajorFromType]
	if !ok {
		return fmt.Errorf("no owned %s count", o.MajorFromType)
	}
	owned := int(frames[0].vals[ownedStmt])
	for i := 0; i < owned; i++ {
		f := frames[i%len(frames)]
		f.loopIndex = i
		if err := f.execBlock(o.Body); err != nil {
			return fmt.Errorf("body, element %d: %w", i, err)
		}
	}

	for _, f := range frames {
		if err := f.execBlock(o.BlsEpilogue); err != nil {
			return fmt.Errorf("epilogue: %w", err)
		}
	}
	return nil
}

// pointer addresses a global field element or, with a nil field, a byte
// offset in scratch
type pointer struct {
	field *ir.Field
	index int
	dt    ir.DataType
}

// frame is the private state of one worker
type frame struct {
	task *ir.OffloadedStmt
	mem  *Memory
	bls  scratch

	patch, worker, loopIndex int

	vals map[ir.Stmt]float64
	ptrs map[ir.Stmt]pointer
}

var errBreak = errors.New("while loop exit")

func (f *frame) execBlock(b *ir.Block) error {
	if b == nil {
		return nil
	}
	for _, s := range b.Statements {
		if err := f.exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *frame) exec(s ir.Stmt) error {
	var err error
	switch st := s.(type) {
	case *ir.ConstStmt:
		f.vals[st] = st.Value
	case *ir.BinaryOpStmt:
		f.vals[st], err = evalBinary(st.Op, st.RetType().Elem, f.vals[st.LHS], f.vals[st.RHS])
	case *ir.MeshIndexConversionStmt:
		f.vals[st], err = f.convert(st)
	case *ir.GlobalPtrStmt:
		f.ptrs[st] = pointer{field: st.Field, index: int(f.vals[st.Indices[0]]), dt: st.Field.DataType}
	case *ir.BlockLocalPtrStmt:
		f.ptrs[st] = pointer{index: int(f.vals[st.Offset]), dt: st.ElemType}
	case *ir.GlobalLoadStmt:
		f.vals[st], err = f.load(st.Src)
	case *ir.GlobalStoreStmt:
		err = f.store(st.Dest, f.vals[st.Val])
	case *ir.AtomicOpStmt:
		f.vals[st], err = f.atomic(st)
	case *ir.AllocaStmt:
		f.vals[st] = 0
	case *ir.LocalLoadStmt:
		f.vals[st] = f.vals[st.Src]
	case *ir.LocalStoreStmt:
		f.vals[st.Dest] = ir.Truncate(st.Dest.RetType().Elem, f.vals[st.Val])
	case *ir.WhileStmt:
		for {
			err = f.execBlock(st.Body)
			if errors.Is(err, errBreak) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	case *ir.WhileControlStmt:
		if f.vals[st.Cond] == 0 {
			return errBreak
		}
	case *ir.LoopIndexStmt:
		f.vals[st] = float64(f.loopIndex)
	case *ir.LoopLinearIndexStmt:
		f.vals[st] = float64(f.worker)
	case *ir.MeshPatchIndexStmt:
		f.vals[st] = float64(f.patch)
	default:
		return fmt.Errorf("cannot execute %T", s)
	}
	return err
}

// convert evaluates an index conversion against the global mapping arrays
func (f *frame) convert(st *ir.MeshIndexConversionStmt) (float64, error) {
	mapping, ok := st.Mesh.IndexMapping[st.Key()]
	if !ok {
		return 0, fmt.Errorf("mesh %s has no %s mapping", st.Mesh.Name, st.Key())
	}
	idx := int(f.vals[st.Idx])
	if st.ConvType == mesh.G2R {
		return f.mem.load(mapping, idx)
	}
	offset, ok := f.task.TotalOffsetLocal[st.IdxType]
	if !ok {
		return 0, fmt.Errorf("no total %s offset for %s conversion", st.IdxType, st.ConvType)
	}
	return f.mem.load(mapping, int(f.vals[offset])+idx)
}

func (f *frame) pointer(s ir.Stmt) (pointer, error) {
	p, ok := f.ptrs[s]
	if !ok {
		return pointer{}, fmt.Errorf("%T is not an evaluated pointer", s)
	}
	return p, nil
}

func (f *frame) load(s ir.Stmt) (float64, error) {
	p, err := f.pointer(s)
	if err != nil {
		return 0, err
	}
	if p.field == nil {
		return f.bls.load(p.index, p.dt)
	}
	return f.mem.load(p.field, p.index)
}

func (f *frame) store(s ir.Stmt, v float64) error {
	p, err := f.pointer(s)
	if err != nil {
		return err
	}
	if p.field == nil {
		return f.bls.store(p.index, p.dt, v)
	}
	return f.mem.store(p.field, p.index, v)
}

// atomic returns the value held before the update. Scratch belongs to one
// block whose workers this executor runs in turn, so it needs no lock.
func (f *frame) atomic(st *ir.AtomicOpStmt) (float64, error) {
	p, err := f.pointer(st.Dest)
	if err != nil {
		return 0, err
	}
	val := f.vals[st.Val]
	apply := func(old float64) float64 {
		switch st.Op {
		case ir.AtomicMax:
			return math.Max(old, val)
		case ir.AtomicMin:
			return math.Min(old, val)
		default:
			return old + val
		}
	}
	if p.field != nil {
		return f.mem.atomic(p.field, p.index, apply)
	}
	old, err := f.bls.load(p.index, p.dt)
	if err != nil {
		return 0, err
	}
	return old, f.bls.store(p.index, p.dt, apply(old))
}

func evalBinary(op ir.BinaryOpType, dt ir.DataType, l, r float64) (float64, error) {
	var v float64
	switch op {
	case ir.OpAdd:
		v = l + r
	case ir.OpSub:
		v = l - r
	case ir.OpMul:
		v = l * r
	case ir.OpDiv:
		if dt.IsInteger() {
			if r == 0 {
				return 0, fmt.Errorf("integer division by zero")
			}
			v = math.Trunc(l / r)
		} else {
			v = l / r
		}
	case ir.OpMax:
		v = math.Max(l, r)
	case ir.OpCmpLt:
		if l < r {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown binary op %d", op)
	}
	return ir.Truncate(dt, v), nil
}
