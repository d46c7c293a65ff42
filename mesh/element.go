package mesh

import "fmt"

// ElementType identifies one kind of mesh element. The numeric value is the
// element order used to encode relations.
type ElementType uint8

const (
	Vertex ElementType = iota
	Edge
	Face
	Cell
)

// AllElementTypes lists the element types in order
var AllElementTypes = []ElementType{Vertex, Edge, Face, Cell}

func (et ElementType) String() string {
	switch et {
	case Vertex:
		return "verts"
	case Edge:
		return "edges"
	case Face:
		return "faces"
	case Cell:
		return "cells"
	default:
		return fmt.Sprintf("element(%d)", uint8(et))
	}
}

// Short returns the single letter tag used in generated names
func (et ElementType) Short() string {
	switch et {
	case Vertex:
		return "V"
	case Edge:
		return "E"
	case Face:
		return "F"
	case Cell:
		return "C"
	default:
		return "X"
	}
}

// ConvType is a conversion between mesh element index spaces
type ConvType uint8

const (
	// L2G maps a patch-local index to the original global index
	L2G ConvType = iota
	// G2R maps an original global index to the reordered index
	G2R
	// L2R maps a patch-local index directly to the reordered index
	L2R
)

func (ct ConvType) String() string {
	switch ct {
	case L2G:
		return "l2g"
	case G2R:
		return "g2r"
	case L2R:
		return "l2r"
	default:
		return fmt.Sprintf("conv(%d)", uint8(ct))
	}
}

// MappingKey names one index mapping: the element type it converts and the
// conversion kind. It is comparable and usable as a map key.
type MappingKey struct {
	Element ElementType
	Conv    ConvType
}

// Key is shorthand for building a MappingKey
func Key(et ElementType, ct ConvType) MappingKey {
	return MappingKey{Element: et, Conv: ct}
}

// Less orders keys by element type, then conversion kind
func (k MappingKey) Less(o MappingKey) bool {
	if k.Element != o.Element {
		return k.Element < o.Element
	}
	return k.Conv < o.Conv
}

// Compare returns -1, 0 or 1, for use with slices.SortFunc
func (k MappingKey) Compare(o MappingKey) int {
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	default:
		return 0
	}
}

func (k MappingKey) String() string {
	return fmt.Sprintf("%s_%s", k.Element, k.Conv)
}

// RelationType encodes a (from, to) element relation as from<<2 | to
type RelationType uint8

// Relation builds the relation between two element types
func Relation(from, to ElementType) RelationType {
	return RelationType(uint8(from)<<2 | uint8(to))
}

// FromEnd returns the element type the relation starts from
func (rt RelationType) FromEnd() ElementType {
	return ElementType(uint8(rt) >> 2)
}

// ToEnd returns the element type the relation points to
func (rt RelationType) ToEnd() ElementType {
	return ElementType(uint8(rt) & 0x3)
}

func (rt RelationType) String() string {
	return rt.FromEnd().Short() + rt.ToEnd().Short()
}
