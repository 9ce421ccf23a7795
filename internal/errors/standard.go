// Package errors provides standardized error messaging for heapcore.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryBounds     ErrorCategory = "BOUNDS"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryConfig     ErrorCategory = "CONFIG"
	CategorySystem     ErrorCategory = "SYSTEM"
	CategoryInvariant  ErrorCategory = "INVARIANT"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s (caller: %s): %v", e.Category, e.Code, e.Message, e.Caller, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Unwrap returns the underlying cause, if any.
func (e *StandardError) Unwrap() error { return e.Err }

// Is reports whether target is a StandardError with the same category and code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Code == e.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newStandardError(2, category, code, message, context)
}

func newStandardError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Sentinels usable with errors.Is; only Category and Code are compared.
var (
	ErrOutOfMemory   = &StandardError{Category: CategoryMemory, Code: "OUT_OF_MEMORY"}
	ErrInvalidSize   = &StandardError{Category: CategoryValidation, Code: "INVALID_SIZE"}
	ErrNotPowerOfTwo = &StandardError{Category: CategoryValidation, Code: "NOT_POWER_OF_TWO"}
	ErrMisaligned    = &StandardError{Category: CategoryValidation, Code: "MISALIGNED"}
	ErrOutOfRange    = &StandardError{Category: CategoryBounds, Code: "OUT_OF_RANGE"}
	ErrInvalidState  = &StandardError{Category: CategoryInvariant, Code: "INVALID_STATE"}
	ErrConfig        = &StandardError{Category: CategoryConfig, Code: "INVALID_CONFIG"}
)

// Common error constructors
func InvalidSize(size uintptr, context string) *StandardError {
	return newStandardError(2, CategoryValidation, "INVALID_SIZE",
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func NotPowerOfTwo(value uintptr, what string) *StandardError {
	return newStandardError(2, CategoryValidation, "NOT_POWER_OF_TWO",
		fmt.Sprintf("%s %d is not a power of two", what, value),
		map[string]interface{}{"value": value, "what": what})
}

func Misaligned(value, alignment uintptr, what string) *StandardError {
	return newStandardError(2, CategoryValidation, "MISALIGNED",
		fmt.Sprintf("%s %#x is not aligned to %#x", what, value, alignment),
		map[string]interface{}{"value": value, "alignment": alignment, "what": what})
}

func OutOfRange(address, begin, end uintptr) *StandardError {
	return newStandardError(2, CategoryBounds, "OUT_OF_RANGE",
		fmt.Sprintf("Address %#x outside [%#x, %#x)", address, begin, end),
		map[string]interface{}{"address": address, "begin": begin, "end": end})
}

func OutOfMemory(size uintptr, context string) *StandardError {
	return newStandardError(2, CategoryMemory, "OUT_OF_MEMORY",
		fmt.Sprintf("Cannot allocate %d bytes in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidState(operation, state string) *StandardError {
	return newStandardError(2, CategoryInvariant, "INVALID_STATE",
		fmt.Sprintf("%s not permitted in state %s", operation, state),
		map[string]interface{}{"operation": operation, "state": state})
}

func InvariantViolation(details string) *StandardError {
	return newStandardError(2, CategoryInvariant, "INVARIANT_VIOLATION",
		details, map[string]interface{}{"details": details})
}

func ConfigError(field string, value interface{}, reason string) *StandardError {
	return newStandardError(2, CategoryConfig, "INVALID_CONFIG",
		fmt.Sprintf("Invalid %s=%v: %s", field, value, reason),
		map[string]interface{}{"field": field, "value": value})
}

func SystemCall(call string, err error) *StandardError {
	e := newStandardError(2, CategorySystem, "SYSCALL_FAILED",
		fmt.Sprintf("System call %s failed", call),
		map[string]interface{}{"call": call})
	e.Err = err
	return e
}

// Check panics with the error produced by fail when cond does not hold.
// It is reserved for programmer errors that must never be recovered from.
func Check(cond bool, fail func() *StandardError) {
	if !cond {
		panic(fail())
	}
}

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
