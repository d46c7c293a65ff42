package transforms

import (
	"errors"
	"fmt"
	"github.com/notargets/meshbls/analysis"
	"github.com/notargets/meshbls/config"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
)

var (
	// ErrWriteAccess rejects caching an attribute the body stores to
	ErrWriteAccess = errors.New("block-local caching of written attributes is not supported")
	// ErrReadAccumulate rejects caching an attribute that is both read and accumulated
	ErrReadAccumulate = errors.New("block-local caching of attributes both read and accumulated is not supported")
	// ErrG2RMapping rejects localizing a global-to-reordered mapping
	ErrG2RMapping = errors.New("global-to-reordered mappings cannot be localized")
	// ErrMissingMapping reports a cached key the mesh has no storage for
	ErrMissingMapping = errors.New("mesh has no mapping for cached key")
)

// Args identifies the kernel being compiled in diagnostics
type Args struct {
	KernelName string
}

// MakeMeshBlockLocal caches index mappings and mesh attributes of every
// mesh-for task in root into block-local scratch, then type checks root.
// It must run after offloading, while global pointers are still explicit.
func MakeMeshBlockLocal(root *ir.Block, cfg *config.CompileConfig, args Args) error {
	if cfg == nil {
		cfg = config.Default()
	}
	for _, s := range root.Statements {
		o, ok := s.(*ir.OffloadedStmt)
		if !ok {
			continue
		}
		if _, err := RunOffload(o, cfg, args); err != nil {
			return fmt.Errorf("kernel %s: %w", args.KernelName, err)
		}
	}
	if err := ir.TypeCheck(root); err != nil {
		return fmt.Errorf("kernel %s: %w", args.KernelName, err)
	}
	return nil
}

// RunOffload rewrites a single task and reports what was cached. Tasks
// that are not mesh-for are left untouched and yield a nil report.
func RunOffload(o *ir.OffloadedStmt, cfg *config.CompileConfig, args Args) (*Report, error) {
	if o.TaskType != ir.TaskMeshFor {
		return nil, nil
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if o.Mesh == nil {
		return nil, fmt.Errorf("task %s: mesh-for task without a mesh", o.Name)
	}

	c := newBlsContext(o, cfg)
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", o.Name, err)
	}
	c.run()

	if cfg.Verbose {
		fmt.Printf("%s/%s: %s\n", args.KernelName, o.Name, c.report)
	}
	return c.report, nil
}

// blsContext holds the state of one task's rewrite. The current mapping
// fields are reset by useMapping before each key is processed.
type blsContext struct {
	offload *ir.OffloadedStmt
	cfg     *config.CompileConfig

	rec      analysis.Record
	mappings map[mesh.MappingKey]bool

	// Scratch cursor in bytes and the slot of every cached attribute
	cursor      int
	attrOffsets map[*ir.Field]int

	key           mesh.MappingKey
	mappingField  *ir.Field
	mappingType   ir.DataType
	mappingOffset int

	// Region new statements are appended to
	block *ir.Block

	report *Report
}

func newBlsContext(o *ir.OffloadedStmt, cfg *config.CompileConfig) *blsContext {
	c := &blsContext{
		offload:     o,
		cfg:         cfg,
		mappings:    make(map[mesh.MappingKey]bool),
		cursor:      o.BlsSize,
		attrOffsets: make(map[*ir.Field]int),
		report:      &Report{Task: o.Name},
	}

	c.report.Canonicalized = SimplifyNestedConversion(o.Body)
	c.rec = analysis.NewMeshLocalAnalyzer(o).Finalize()
	c.gatherCandidateMappings()
	return c
}

// validate rejects unsupported caching requests before anything is emitted
func (c *blsContext) validate() error {
	o := c.offload
	for _, key := range c.cachedKeys() {
		if key.Conv == mesh.G2R {
			return fmt.Errorf("%w: %s", ErrG2RMapping, key)
		}
		if !c.hasTotalOffset(key.Element) {
			continue
		}
		if _, ok := o.Mesh.IndexMapping[key]; !ok {
			return fmt.Errorf("%w: %s on mesh %s", ErrMissingMapping, key, o.Mesh.Name)
		}
		if _, ok := o.Mesh.PatchMaxElementNum[key.Element]; !ok {
			return fmt.Errorf("%w: no patch capacity for %s on mesh %s", ErrMissingMapping, key.Element, o.Mesh.Name)
		}
		for _, a := range c.rec[key] {
			if a.Flags.HasWrite() {
				return fmt.Errorf("%w: %s under %s", ErrWriteAccess, a.Field.Name, key)
			}
			if a.Flags.HasRead() && a.Flags.HasAccumulate() {
				return fmt.Errorf("%w: %s under %s", ErrReadAccumulate, a.Field.Name, key)
			}
		}
	}
	return nil
}

func (c *blsContext) run() {
	o := c.offload
	o.EnsurePrologue()
	o.EnsureEpilogue()

	// Localized mappings, with their attributes filled in the same loop
	for _, key := range c.mappingKeys() {
		if !c.hasTotalOffset(key.Element) {
			continue
		}
		c.useMapping(key)
		c.mappingOffset = c.allocate(key.String(), key, nil, c.mappingType)
		c.report.Mappings = append(c.report.Mappings, key)

		c.block = o.BlsPrologue
		c.fetchMapping(c.createCacheMapping, c.fetchAttrToBls)
		c.replaceConvStatements()

		if !c.rec.HasAccumulate(key) {
			continue
		}
		c.block = o.BlsEpilogue
		start := c.threadIndex()
		base := c.block.PushBack(ir.ConstI32(c.mappingOffset))
		c.createXlogue(start, o.TotalNumLocal[key.Element], func(body *ir.Block, idx ir.Stmt) {
			val := body.PushBack(ir.NewGlobalLoad(scratchPtr(body, base, idx, c.mappingType)))
			c.pushAttrToGlobal(body, idx, val)
		})
	}

	// Attributes whose mapping stays in global memory
	for _, key := range c.rec.Keys() {
		if c.mappings[key] || !c.hasTotalOffset(key.Element) {
			continue
		}
		c.useMapping(key)

		c.block = o.BlsPrologue
		c.fetchMapping(c.plainLoop, c.fetchAttrToBls)

		if !c.rec.HasAccumulate(key) {
			continue
		}
		c.block = o.BlsEpilogue
		c.fetchMapping(c.plainLoop, c.pushAttrToGlobal)
	}

	c.report.AtomicDowngrades = c.downgradeScratchAtomics()
	o.BlsSize = max(1, c.cursor)
	c.report.BlsSize = o.BlsSize
}

func (c *blsContext) useMapping(key mesh.MappingKey) {
	c.key = key
	c.mappingField = c.offload.Mesh.IndexMapping[key]
	c.mappingType = c.mappingField.DataType
	c.mappingOffset = 0
}

func (c *blsContext) hasTotalOffset(et mesh.ElementType) bool {
	_, ok := c.offload.TotalOffsetLocal[et]
	return ok
}

// threadIndex is the first local index a worker handles
func (c *blsContext) threadIndex() ir.Stmt {
	if c.cfg.Arch.IsSequential() {
		return c.block.PushBack(ir.ConstI32(0))
	}
	return c.block.PushBack(ir.NewLoopLinearIndex(c.offload))
}

// stride is the distance between consecutive indices of one worker
func (c *blsContext) stride() int {
	if c.cfg.Arch.IsSequential() {
		return 1
	}
	return c.offload.BlockDim
}
