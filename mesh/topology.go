package mesh

import (
	"fmt"
	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"slices"
)

// Topology is the host-side connectivity of a mesh: cells and the vertices
// each cell references. Every cell references exactly Arity vertices.
type Topology struct {
	NumVertices  int
	Arity        int
	CellToVertex [][]int
}

// NumCells returns the number of cells in the mesh
func (t *Topology) NumCells() int {
	return len(t.CellToVertex)
}

// Count returns the number of elements of the given type
func (t *Topology) Count(et ElementType) int {
	switch et {
	case Vertex:
		return t.NumVertices
	case Cell:
		return t.NumCells()
	default:
		return 0
	}
}

// Relations lists the relations this topology can serve
func (t *Topology) Relations() []RelationType {
	return []RelationType{Relation(Cell, Vertex)}
}

// Validate checks that every cell has Arity vertices in range
func (t *Topology) Validate() error {
	if t.Arity <= 0 {
		return fmt.Errorf("topology arity must be positive, got %d", t.Arity)
	}
	for c, verts := range t.CellToVertex {
		if len(verts) != t.Arity {
			return fmt.Errorf("cell %d has %d vertices, expected %d", c, len(verts), t.Arity)
		}
		for _, v := range verts {
			if v < 0 || v >= t.NumVertices {
				return fmt.Errorf("cell %d references vertex %d outside [0,%d)", c, v, t.NumVertices)
			}
		}
	}
	return nil
}

// VertexToCell builds the inverse relation, cells listed in ascending order
func (t *Topology) VertexToCell() [][]int {
	vc := make([][]int, t.NumVertices)
	for c, verts := range t.CellToVertex {
		for _, v := range verts {
			vc[v] = append(vc[v], c)
		}
	}
	return vc
}

// CellNeighbors lists, for each cell, the other cells sharing at least one
// vertex with it, in ascending order
func (t *Topology) CellNeighbors() [][]int {
	nbrs := make([][]int, t.NumCells())
	for _, cells := range t.VertexToCell() {
		for _, a := range cells {
			for _, b := range cells {
				if a != b {
					nbrs[a] = append(nbrs[a], b)
				}
			}
		}
	}
	for c := range nbrs {
		slices.Sort(nbrs[c])
		nbrs[c] = slices.Compact(nbrs[c])
	}
	return nbrs
}

// GridTopology builds an nx by ny grid of quadrilateral cells. Vertex
// (i, j) has index j*(nx+1)+i, and cell (i, j) has index j*nx+i.
func GridTopology(nx, ny int) *Topology {
	if nx <= 0 || ny <= 0 {
		panic(fmt.Sprintf("grid dimensions must be positive, got %dx%d", nx, ny))
	}
	t := &Topology{
		NumVertices:  (nx + 1) * (ny + 1),
		Arity:        4,
		CellToVertex: make([][]int, 0, nx*ny),
	}
	vid := func(i, j int) int { return j*(nx+1) + i }
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			t.CellToVertex = append(t.CellToVertex, []int{
				vid(i, j), vid(i+1, j), vid(i+1, j+1), vid(i, j+1),
			})
		}
	}
	return t
}

// LoadTopology reads a mesh file (Gambit neutral or Gmsh) and returns its
// cell to vertex connectivity
func LoadTopology(meshfile string) (*Topology, error) {
	msh, err := readers.ReadMeshFile(meshfile)
	if err != nil {
		return nil, fmt.Errorf("failed to read mesh %s: %w", meshfile, err)
	}
	return TopologyFromConnectivity(len(msh.Vertices), msh.EtoV)
}

// TopologyFromConnectivity builds a topology from an element to vertex table
func TopologyFromConnectivity(numVertices int, eToV [][]int) (*Topology, error) {
	if len(eToV) == 0 {
		return nil, fmt.Errorf("mesh has no cells")
	}
	t := &Topology{
		NumVertices:  numVertices,
		Arity:        len(eToV[0]),
		CellToVertex: make([][]int, len(eToV)),
	}
	for c, verts := range eToV {
		t.CellToVertex[c] = append([]int(nil), verts...)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
