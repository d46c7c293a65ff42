package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/notargets/meshbls/ir"
	"math"
	"sync"
)

// ErrOutOfBounds is wrapped by every invalid field or scratch access
var ErrOutOfBounds = errors.New("access out of bounds")

// Memory is the global field storage shared by every block of a task.
// Values are kept as float64 and truncated to the field type on store.
type Memory struct {
	mu     sync.Mutex
	fields map[*ir.Field][]float64
}

// NewMemory copies the host contents of every field
func NewMemory(host map[*ir.Field][]float64) *Memory {
	m := &Memory{fields: make(map[*ir.Field][]float64, len(host))}
	for f, data := range host {
		m.fields[f] = append([]float64(nil), data...)
	}
	return m
}

// Field returns the current contents of f
func (m *Memory) Field(f *ir.Field) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.fields[f]...)
}

func (m *Memory) slot(f *ir.Field, i int) (*float64, error) {
	data, ok := m.fields[f]
	if !ok {
		return nil, fmt.Errorf("field %s is not allocated", f.Name)
	}
	if i < 0 || i >= len(data) {
		return nil, fmt.Errorf("%w: %s[%d], size %d", ErrOutOfBounds, f.Name, i, len(data))
	}
	return &data[i], nil
}

func (m *Memory) load(f *ir.Field, i int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.slot(f, i)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

func (m *Memory) store(f *ir.Field, i int, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.slot(f, i)
	if err != nil {
		return err
	}
	*p = ir.Truncate(f.DataType, v)
	return nil
}

// atomic applies op to f[i] under the memory lock and returns the old value
func (m *Memory) atomic(f *ir.Field, i int, op func(old float64) float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.slot(f, i)
	if err != nil {
		return 0, err
	}
	old := *p
	*p = ir.Truncate(f.DataType, op(old))
	return old, nil
}

// scratch is the byte-addressed block-local buffer of one patch
type scratch []byte

func (s scratch) check(offset int, dt ir.DataType) error {
	size := dt.Size()
	if size == 0 {
		return fmt.Errorf("scratch access without element type")
	}
	if offset < 0|| offset+size > len(s) {
		return fmt.Errorf("%w: scratch[%d:%d], size %d", ErrOutOfBounds, offset, offset+size, len(s))
	}
	if offset%size != 0 {
		return fmt.Errorf("misaligned %s scratch access at byte %d", dt, offset)
	}
	return nil
}

func (s scratch) load(offset int, dt ir.DataType) (float64, error) {
	if err := s.check(offset, dt); err != nil {
		return 0, err
	}
	b := s[offset:]
	switch dt {
	case ir.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case ir.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case ir.INT32:
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case ir.INT64:
		return float64(int64(binary.LittleEndian.Uint64(b))), nil
	}
	return 0, fmt.Errorf("scratch load of %s", dt)
}

func (s scratch) store(offset int, dt ir.DataType, v float64) error {
	if err := s.check(offset, dt); err != nil {
		return err
	}
	b := s[offset:]
	v = ir.Truncate(dt, v)
	switch dt {
	case ir.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case ir.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case ir.INT32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case ir.INT64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	default:
		return fmt.Errorf("scratch store of %s", dt)
	}
	return nil
}
