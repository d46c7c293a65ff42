package mesh

import (
	"fmt"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
	"math"
	"sort"
)

// PatchStrategy defines how cells are ordered before being cut into patches
type PatchStrategy int

const (
	// BlockPatch keeps the declaration order of cells
	BlockPatch PatchStrategy = iota
	// BreadthFirstPatch orders cells by breadth-first distance over shared
	// vertices so that each patch is spatially compact
	BreadthFirstPatch
)

// Partitioner assigns every cell of a topology to one of numPatches patches
type Partitioner interface {
	Partition(t *Topology, numPatches int) ([]int, error)
}

// PatchBuilder cuts a mesh into patches. One patch is processed by one
// execution block of an offloaded mesh task.
type PatchBuilder struct {
	Topology *Topology

	TargetPatchSize int // Desired cells per patch
	Strategy        PatchStrategy

	// Optional. When set it decides patch membership and Strategy only
	// orders the cells inside each patch.
	Partitioner Partitioner
}

// Patch is the set of elements one execution block processes. Owned
// elements come first in the patch-local numbering, ghosts follow.
type Patch struct {
	ID    int
	Owned map[ElementType][]int // Original global ids, in local order
	Ghost map[ElementType][]int // Elements referenced but owned elsewhere
}

// Total returns the number of local elements of the given type
func (p *Patch) Total(et ElementType) int {
	return len(p.Owned[et]) + len(p.Ghost[et])
}

// Local returns the original global ids of all local elements of a type
func (p *Patch) Local(et ElementType) []int {
	local := make([]int, 0, p.Total(et))
	local = append(local, p.Owned[et]...)
	return append(local, p.Ghost[et]...)
}

// Layout is the complete patch decomposition of a mesh, flattened into the
// arrays an offloaded task reads at run time
type Layout struct {
	Topology   *Topology
	Patches    []Patch
	NumPatches int

	// Worst-case local element count per patch, the scratch capacity
	PatchMaxElementNum map[ElementType]int

	// Length NumPatches+1, cumulative counts
	OwnedOffsets map[ElementType][]int
	TotalOffsets map[ElementType][]int

	// Index mappings. L2G and L2R are indexed by TotalOffsets[p]+local,
	// G2R by original global id.
	L2G map[ElementType][]int
	L2R map[ElementType][]int
	G2R map[ElementType][]int

	// Patch-local vertex index of each local cell's k-th vertex, indexed
	// by (TotalOffsets[Cell][p]+localCell)*Arity+k
	CellVertexLocal []int
}

// ElementTypes lists the element types the layout carries
func (l *Layout) ElementTypes() []ElementType {
	return []ElementType{Vertex, Cell}
}

// Mapping returns the flattened mapping array for a key
func (l *Layout) Mapping(key MappingKey) []int {
	switch key.Conv {
	case L2G:
		return l.L2G[key.Element]
	case L2R:
		return l.L2R[key.Element]
	case G2R:
		return l.G2R[key.Element]
	}
	return nil
}

// Build creates the patch layout
func (pb *PatchBuilder) Build() (*Layout, error) {
	if pb.Topology == nil {
		return nil, fmt.Errorf("patch builder has no topology")
	}
	if err := pb.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if pb.Topology.NumCells() == 0 {
		return nil, fmt.Errorf("topology has no cells")
	}

	order := pb.orderCells()
	numPatches := pb.calculateNumPatches()
	part, err := pb.assignCells(order, numPatches)
	if err != nil {
		return nil, fmt.Errorf("cell partitioning failed: %w", err)
	}
	patches := pb.createPatches(order, part, numPatches)

	layout := &Layout{
		Topology:           pb.Topology,
		Patches:            patches,
		NumPatches:         numPatches,
		PatchMaxElementNum: make(map[ElementType]int),
		OwnedOffsets:       make(map[ElementType][]int),
		TotalOffsets:       make(map[ElementType][]int),
		L2G:                make(map[ElementType][]int),
		L2R:                make(map[ElementType][]int),
		G2R:                make(map[ElementType][]int),
	}
	for _, et := range layout.ElementTypes() {
		layout.buildMappings(et)
	}
	layout.buildCellVertexRelation()

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid patch layout: %w", err)
	}
	return layout, nil
}

// calculateNumPatches determines the patch count from the target size
func (pb *PatchBuilder) calculateNumPatches() int {
	target := pb.TargetPatchSize
	if target <= 0 {
		target = pb.Topology.NumCells()
	}
	numPatches := int(math.Ceil(float64(pb.Topology.NumCells()) / float64(target)))
	if numPatches < 1 {
		numPatches = 1
	}
	return numPatches
}

// orderCells returns the cell ids in the order patches are cut from
func (pb *PatchBuilder) orderCells() []int {
	n := pb.Topology.NumCells()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if pb.Strategy != BreadthFirstPatch {
		return order
	}

	g := simple.NewUndirectedGraph()
	for c := 0; c < n; c++ {
		g.AddNode(simple.Node(c))
	}
	for c, nbrs := range pb.Topology.CellNeighbors() {
		for _, d := range nbrs {
			if c < d {
				g.SetEdge(simple.Edge{F: simple.Node(c), T: simple.Node(d)})
			}
		}
	}

	// Neighbor iteration order of the graph is not stable, so rank cells by
	// (component, depth, id) instead of by visit order
	component := make([]int, n)
	depth := make([]int, n)
	var bf traverse.BreadthFirst
	comp := 0
	for c := 0; c < n; c++ {
		if bf.Visited(simple.Node(c)) {
			continue
		}
		component[c] = comp
		bf.Walk(g, simple.Node(c), func(node graph.Node, d int) bool {
			component[node.ID()] = comp
			depth[node.ID()] = d
			return false
		})
		comp++
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if component[a] != component[b] {
			return component[a] < component[b]
		}
		if depth[a] != depth[b] {
			return depth[a] < depth[b]
		}
		return a < b
	})
	return order
}

// assignCells returns the patch of every cell. Without a partitioner the
// ordered cells are cut into consecutive runs of equal size.
func (pb *PatchBuilder) assignCells(order []int, numPatches int) ([]int, error) {
	part := make([]int, len(order))
	if pb.Partitioner == nil || numPatches == 1 {
		cellsPerPatch := int(math.Ceil(float64(len(order)) / float64(numPatches)))
		for i, c := range order {
			part[c] = min(i/cellsPerPatch, numPatches-1)
		}
		return part, nil
	}

	assigned, err := pb.Partitioner.Partition(pb.Topology, numPatches)
	if err != nil {
		return nil, err
	}
	if len(assigned) != len(order) {
		return nil, fmt.Errorf("partitioner assigned %d cells, mesh has %d", len(assigned), len(order))
	}
	for c, p := range assigned {
		if p < 0 || p >= numPatches {
			return nil, fmt.Errorf("cell %d assigned to patch %d outside [0,%d)", c, p, numPatches)
		}
	}
	return assigned, nil
}

// createPatches fills patches with their cells, in order, and resolves
// vertex ownership
func (pb *PatchBuilder) createPatches(order, part []int, numPatches int) []Patch {
	patches := make([]Patch, numPatches)
	for i := range patches {
		patches[i] = Patch{
			ID:    i,
			Owned: map[ElementType][]int{Vertex: {}, Cell: {}},
			Ghost: map[ElementType][]int{Vertex: {}, Cell: {}},
		}
	}

	for _, c := range order {
		p := part[c]
		patches[p].Owned[Cell] = append(patches[p].Owned[Cell], c)
	}

	// A vertex is owned by the first patch that touches it
	owner := make([]int, pb.Topology.NumVertices)
	for v := range owner {
		owner[v] = -1
	}
	for p := range patches {
		seen := make(map[int]bool)
		for _, c := range patches[p].Owned[Cell] {
			for _, v := range pb.Topology.CellToVertex[c] {
				if seen[v] {
					continue
				}
				seen[v] = true
				if owner[v] == -1 {
					owner[v] = p
					patches[p].Owned[Vertex] = append(patches[p].Owned[Vertex], v)
				} else {
					patches[p].Ghost[Vertex] = append(patches[p].Ghost[Vertex], v)
				}
			}
		}
	}
	// Vertices no cell references still need an owner
	last := &patches[numPatches-1]
	for v, p := range owner {
		if p == -1 {
			last.Owned[Vertex] = append(last.Owned[Vertex], v)
		}
	}
	return patches
}

// buildMappings flattens one element type's patch membership into the
// offset and mapping arrays
func (l *Layout) buildMappings(et ElementType) {
	owned := make([]int, l.NumPatches+1)
	total := make([]int, l.NumPatches+1)
	g2r := make([]int, l.Topology.Count(et))

	// Reordered ids number owned elements patch by patch
	r := 0
	for p := range l.Patches {
		owned[p] = r
		for _, g := range l.Patches[p].Owned[et] {
			g2r[g] = r
			r++
		}
	}
	owned[l.NumPatches] = r

	var l2g, l2r []int
	maxTotal := 0
	for p := range l.Patches {
		total[p] = len(l2g)
		local := l.Patches[p].Local(et)
		for _, g := range local {
			l2g = append(l2g, g)
			l2r = append(l2r, g2r[g])
		}
		if len(local) > maxTotal {
			maxTotal = len(local)
		}
	}
	total[l.NumPatches] = len(l2g)

	l.OwnedOffsets[et] = owned
	l.TotalOffsets[et] = total
	l.L2G[et] = l2g
	l.L2R[et] = l2r
	l.G2R[et] = g2r
	l.PatchMaxElementNum[et] = maxTotal
}

// buildCellVertexRelation stores each cell's vertices as patch-local indices
func (l *Layout) buildCellVertexRelation() {
	arity := l.Topology.Arity
	l.CellVertexLocal = make([]int, l.TotalOffsets[Cell][l.NumPatches]*arity)
	for p := range l.Patches {
		localVertex := make(map[int]int)
		for i, g := range l.Patches[p].Local(Vertex) {
			localVertex[g] = i
		}
		base := l.TotalOffsets[Cell][p]
		for i, c := range l.Patches[p].Local(Cell) {
			for k, v := range l.Topology.CellToVertex[c] {
				l.CellVertexLocal[(base+i)*arity+k] = localVertex[v]
			}
		}
	}
}

// ValidateLayout checks the ownership and numbering invariants
func (l *Layout) ValidateLayout() error {
	for _, et := range l.ElementTypes() {
		count := l.Topology.Count(et)
		ownedBy := make([]int, count)
		for p := range l.Patches {
			for _, g := range l.Patches[p].Owned[et] {
				ownedBy[g]++
			}
		}
		for g, n := range ownedBy {
			if n != 1 {
				return fmt.Errorf("%s %d is owned by %d patches", et, g, n)
			}
		}
		for p := range l.Patches {
			start := l.OwnedOffsets[et][p]
			for j, g := range l.Patches[p].Owned[et] {
				if l.G2R[et][g] != start+j {
					return fmt.Errorf("patch %d: owned %s %d has reordered id %d, expected %d",
						p, et, g, l.G2R[et][g], start+j)
				}
			}
			if n := l.Patches[p].Total(et); n > l.PatchMaxElementNum[et] {
				return fmt.Errorf("patch %d: %d %s exceeds capacity %d",
					p, n, et, l.PatchMaxElementNum[et])
			}
		}
	}
	return nil
}
