package transforms

import (
	"fmt"
	"github.com/notargets/meshbls/ir"
	"github.com/notargets/meshbls/mesh"
	"strings"
)

// Slot is one region of block-local scratch: Count elements of DataType
// starting at byte Offset. Field is nil for index mapping slots.
type Slot struct {
	Name     string
	Key      mesh.MappingKey
	Field    *ir.Field
	DataType ir.DataType
	Offset   int
	Count    int
}

// End returns the first byte after the slot
func (s Slot) End() int {
	return s.Offset + s.Count*s.DataType.Size()
}

// Report summarizes the rewrite of one task
type Report struct {
	Task string
	// Localized index mappings in allocation order
	Mappings []mesh.MappingKey
	Slots    []Slot
	BlsSize  int

	Canonicalized    int
	ConvRewrites     int
	PtrRewrites      int
	AtomicDowngrades int
}

// Slot returns the slot of the named attribute or mapping
func (r *Report) Slot(name string) (Slot, bool) {
	for _, s := range r.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

func (r *Report) String() string {
	names := make([]string, len(r.Slots))
	for i, s := range r.Slots {
		names[i] = fmt.Sprintf("%s@%d", s.Name, s.Offset)
	}
	return fmt.Sprintf("bls_size=%d slots=[%s] conv_rewrites=%d ptr_rewrites=%d atomic_downgrades=%d",
		r.BlsSize, strings.Join(names, " "), r.ConvRewrites, r.PtrRewrites, r.AtomicDowngrades)
}

// allocate aligns the cursor to the element size, reserves room for the
// worst-case patch of the key's element type and returns the slot offset
func (c *blsContext) allocate(name string, key mesh.MappingKey, field *ir.Field, dt ir.DataType) int {
	size := dt.Size()
	count := c.offload.Mesh.PatchMaxElementNum[key.Element]

	c.cursor += (size - c.cursor%size) % size
	offset := c.cursor
	c.cursor += size * count

	c.report.Slots = append(c.report.Slots, Slot{
		Name:     name,
		Key:      key,
		Field:    field,
		DataType: dt,
		Offset:   offset,
		Count:    count,
	})
	return offset
}

// attributeSlot returns the slot of f, allocating it on first use. An
// attribute shares one slot across every mapping it is cached under.
func (c *blsContext) attributeSlot(f *ir.Field) (offset int, first bool) {
	if offset, ok := c.attrOffsets[f]; ok {
		return offset, false
	}
	offset = c.allocate(f.Name, c.key, f, f.DataType)
	c.attrOffsets[f] = offset
	return offset, true
}
