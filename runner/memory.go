package runner

import (
	"fmt"
	"github.com/notargets/gocca"
	"github.com/notargets/meshbls/ir"
	"unsafe"
)

// allocate creates device memory for f initialized from host values
func (kr *Runner) allocate(f *ir.Field, host []float64) (*gocca.OCCAMemory, error) {
	if len(host) != f.Size {
		return nil, fmt.Errorf("field %s has %d host values, expected %d", f.Name, len(host), f.Size)
	}
	if f.Size == 0 {
		// OCCA rejects empty allocations; kernels never dereference these
		return kr.Device.Malloc(int64(f.DataType.Size()), nil, nil), nil
	}
	ptr, err := toDevice(f.DataType, host)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return kr.Device.Malloc(int64(f.Bytes()), ptr, nil), nil
}

// toDevice converts host values to the device representation of dt and
// returns a pointer to the converted storage
func toDevice(dt ir.DataType, host []float64) (unsafe.Pointer, error) {
	switch dt {
	case ir.Float64:
		data := append([]float64(nil), host...)
		return unsafe.Pointer(&data[0]), nil
	case ir.Float32:
		data := make([]float32, len(host))
		for i, v := range host {
			data[i] = float32(v)
		}
		return unsafe.Pointer(&data[0]), nil
	case ir.INT32:
		data := make([]int32, len(host))
		for i, v := range host {
			data[i] = int32(v)
		}
		return unsafe.Pointer(&data[0]), nil
	case ir.INT64:
		data := make([]int64, len(host))
		for i, v := range host {
			data[i] = int64(v)
		}
		return unsafe.Pointer(&data[0]), nil
	default:
		return nil, fmt.Errorf("unsupported device type %v", dt)
	}
}

// fromDevice copies f back from the device into host
func fromDevice(mem *gocca.OCCAMemory, f *ir.Field, host []float64) error {
	if f.Size == 0 {
		return nil
	}
	bytes := int64(f.Bytes())
	switch f.DataType {
	case ir.Float64:
		mem.CopyTo(unsafe.Pointer(&host[0]), bytes)
	case ir.Float32:
		data := make([]float32, f.Size)
		mem.CopyTo(unsafe.Pointer(&data[0]), bytes)
		for i, v := range data {
			host[i] = float64(v)
		}
	case ir.INT32:
		data := make([]int32, f.Size)
		mem.CopyTo(unsafe.Pointer(&data[0]), bytes)
		for i, v := range data {
			host[i] = float64(v)
		}
	case ir.INT64:
		data := make([]int64, f.Size)
		mem.CopyTo(unsafe.Pointer(&data[0]), bytes)
		for i, v := range data {
			host[i] = float64(v)
		}
	default:
		return fmt.Errorf("field %s: unsupported device type %v", f.Name, f.DataType)
	}
	return nil
}
