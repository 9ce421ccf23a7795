// Package assert holds the small assertion helpers shared by heapcore tests.
package assert

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	herrors "github.com/orizon-lang/heapcore/internal/errors"
)

// Equal asserts that two comparable values are equal.
// It reports an error and returns false when they differ.
func Equal[T comparable](t testing.TB, got, want T, msgAndArgs ...any) bool {
	t.Helper()
	if got != want {
		failMsg(t, "Equal", fmt.Sprintf("got=%v want=%v (%T)", got, want, got), msgAndArgs...)
		return false
	}
	return true
}

// NotEqual asserts that two comparable values are not equal.
func NotEqual[T comparable](t testing.TB, got, notWant T, msgAndArgs ...any) bool {
	t.Helper()
	if got == notWant {
		failMsg(t, "NotEqual", fmt.Sprintf("got=%v", got), msgAndArgs...)
		return false
	}
	return true
}

// True asserts that cond is true.
func True(t testing.TB, cond bool, msgAndArgs ...any) bool {
	t.Helper()
	if !cond {
		failMsg(t, "True", "condition is false", msgAndArgs...)
		return false
	}
	return true
}

// False asserts that cond is false.
func False(t testing.TB, cond bool, msgAndArgs ...any) bool {
	t.Helper()
	if cond {
		failMsg(t, "False", "condition is true", msgAndArgs...)
		return false
	}
	return true
}

// NoError asserts that err is nil.
func NoError(t testing.TB, err error, msgAndArgs ...any) bool {
	t.Helper()
	if err != nil {
		failMsg(t, "NoError", fmt.Sprintf("unexpected error: %v", err), msgAndArgs...)
		return false
	}
	return true
}

// Error asserts that err is non-nil.
func Error(t testing.TB, err error, msgAndArgs ...any) bool {
	t.Helper()
	if err == nil {
		failMsg(t, "Error", "expected error, got nil", msgAndArgs...)
		return false
	}
	return true
}

// ErrorIs asserts that err matches target via errors.Is.
func ErrorIs(t testing.TB, err, target error, msgAndArgs ...any) bool {
	t.Helper()
	if !errors.Is(err, target) {
		failMsg(t, "ErrorIs", fmt.Sprintf("%v is not %v", err, target), msgAndArgs...)
		return false
	}
	return true
}

// Panics asserts that fn panics. It returns true when a panic occurs.
func Panics(t testing.TB, fn func(), msgAndArgs ...any) (panicked bool) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()
	fn()
	if !panicked {
		failMsg(t, "Panics", "function did not panic", msgAndArgs...)
	}
	return panicked
}

// PanicsWithCode asserts that fn panics with a StandardError carrying code.
func PanicsWithCode(t testing.TB, code string, fn func(), msgAndArgs ...any) (ok bool) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			failMsg(t, "PanicsWithCode", "function did not panic", msgAndArgs...)
			return
		}
		se, isStd := r.(*herrors.StandardError)
		if !isStd || se.Code != code {
			failMsg(t, "PanicsWithCode", fmt.Sprintf("panic %v, want code %s", r, code), msgAndArgs...)
			return
		}
		ok = true
	}()
	fn()
	return false
}

// Eventually asserts that condition becomes true within duration, checking every interval.
func Eventually(t testing.TB, condition func() bool, within, interval time.Duration, msgAndArgs ...any) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			failMsg(t, "Eventually", "condition not met within duration", msgAndArgs...)
			return false
		}
		time.Sleep(interval)
	}
}

func failMsg(t testing.TB, op string, detail string, msgAndArgs ...any) {
	base := fmt.Sprintf("%s: %s at %s", op, detail, caller())
	if msg := messageFromMsgAndArgs(msgAndArgs); msg != "" {
		base += ": " + msg
	}
	t.Error(base)
}

// messageFromMsgAndArgs formats the optional trailing message. A leading
// string is used as a format for the remaining arguments.
func messageFromMsgAndArgs(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return ""
	case 1:
		if msg, ok := msgAndArgs[0].(string); ok {
			return msg
		}
		return fmt.Sprintf("%+v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%+v", msgAndArgs)
}

func caller() string {
	// Skip assertion frames so the location points at the test site.
	for i := 2; i < 10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		name := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		if !strings.Contains(name, "testrunner/assert.") {
			return fmt.Sprintf("%s:%d", file, line)
		}
	}
	return "unknown:0"
}
