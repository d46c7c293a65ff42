package ir

import "fmt"

// DataType represents the primitive type of a value or a field element
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// Size returns the size in bytes of a data type
func (dt DataType) Size() int {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 0
	}
}

// IsReal reports whether the type is floating point
func (dt DataType) IsReal() bool {
	return dt == Float32 || dt == Float64
}

// IsInteger reports whether the type is a signed integer
func (dt DataType) IsInteger() bool {
	return dt == INT32 || dt == INT64
}

// CName returns the C type name used in generated kernels
func (dt DataType) CName() string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	default:
		return "void"
	}
}

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case INT32:
		return "i32"
	case INT64:
		return "i64"
	case 0:
		return "void"
	default:
		return fmt.Sprintf("dtype(%d)", int(dt))
	}
}

// Promote returns the common type of a binary operation's operands
func Promote(a, b DataType) DataType {
	switch {
	case a == b:
		return a
	case a.IsReal() && !b.IsReal():
		return a
	case b.IsReal() && !a.IsReal():
		return b
	case a.Size() >= b.Size():
		return a
	default:
		return b
	}
}

// Type is the type of a statement's value: a scalar or a pointer to one.
// The zero Type means the statement produces no value.
type Type struct {
	Elem DataType
	Ptr  bool
}

// Scalar returns the scalar type of dt
func Scalar(dt DataType) Type {
	return Type{Elem: dt}
}

// PtrTo returns the pointer type to dt
func PtrTo(dt DataType) Type {
	return Type{Elem: dt, Ptr: true}
}

// IsVoid reports whether the type carries no value
func (t Type) IsVoid() bool {
	return t.Elem == 0
}

func (t Type) String() string {
	if t.Ptr {
		return "*" + t.Elem.String()
	}
	return t.Elem.String()
}
