// Package errors provides the standardized error taxonomy shared by the
// region, heap, class, and pool layers of the allocator.
package errors

import (
	"fmt"
	"runtime"
)

// Category is one of the stable error kinds a pool operation can fail with.
type Category string

const (
	CategoryInvalidSize    Category = "INVALID_SIZE"
	CategoryOutOfMemory    Category = "OUT_OF_MEMORY"
	CategoryInvalidPointer Category = "INVALID_POINTER"
	CategoryDoubleFree     Category = "DOUBLE_FREE"
	CategoryCorruption     Category = "CORRUPTION"
)

// PoolError is the concrete error type returned by every fallible operation
// in the allocator. Category is stable and suitable for errors.Is comparison
// against the package-level sentinels that wrap it.
type PoolError struct {
	Category Category
	Message  string
	Caller   string
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return fmt.Sprintf("[%s] %s (at %s)", e.Category, e.Message, e.Caller)
}

// Is allows errors.Is(err, ErrInvalidSize) style comparisons against the
// sentinels defined alongside this type without requiring identical Message
// or Caller fields.
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	if !ok {
		return false
	}

	return e.Category == t.Category
}

// New constructs a PoolError, capturing the immediate caller for diagnostics.
func New(category Category, format string, args ...interface{}) *PoolError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"

	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &PoolError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		Caller:   caller,
	}
}

// Sentinels usable with errors.Is. Each carries a Category and a short
// generic Message but no Caller; compare with errors.Is, not ==.
var (
	ErrInvalidSize    = &PoolError{Category: CategoryInvalidSize, Message: "invalid size"}
	ErrOutOfMemory    = &PoolError{Category: CategoryOutOfMemory, Message: "out of memory"}
	ErrInvalidPointer = &PoolError{Category: CategoryInvalidPointer, Message: "invalid pointer"}
	ErrDoubleFree     = &PoolError{Category: CategoryDoubleFree, Message: "double free"}
	ErrCorruption     = &PoolError{Category: CategoryCorruption, Message: "corruption detected"}
)

// InvalidSize builds an INVALID_SIZE error with context.
func InvalidSize(format string, args ...interface{}) *PoolError {
	return New(CategoryInvalidSize, format, args...)
}

// OutOfMemory builds an OUT_OF_MEMORY error with context.
func OutOfMemory(format string, args ...interface{}) *PoolError {
	return New(CategoryOutOfMemory, format, args...)
}

// InvalidPointer builds an INVALID_POINTER error with context.
func InvalidPointer(format string, args ...interface{}) *PoolError {
	return New(CategoryInvalidPointer, format, args...)
}

// DoubleFree builds a DOUBLE_FREE error with context.
func DoubleFree(format string, args ...interface{}) *PoolError {
	return New(CategoryDoubleFree, format, args...)
}

// Corruption builds a CORRUPTION error with context.
func Corruption(format string, args ...interface{}) *PoolError {
	return New(CategoryCorruption, format, args...)
}
