// Package fault captures what an instrumented function left behind when it
// failed: a returned error or a recovered panic, together with the stack at
// the moment the profiling scope was exited.
//
// A Fault is the raw material; a Descriptor is the immutable snapshot that
// parsers copy into their results. A nil *Fault means the scope exited
// normally and a nil *Descriptor means "no fault to report".
package fault

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"strings"
)

// Fault is the outcome of a failed profiling scope.
type Fault struct {
	// Err is the error returned by the instrumented function, if any.
	Err error
	// Panic is the recovered panic value, if any.
	Panic any
	// Stack is the goroutine stack captured at scope exit.
	Stack []byte
}

// FromError wraps a returned error. It returns nil for a nil error.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Err: err, Stack: debug.Stack()}
}

// FromPanic wraps a recovered panic value. It must be called from the
// deferred function that recovered, so the stack still shows the panic site.
// It returns nil for a nil value.
func FromPanic(v any) *Fault {
	if v == nil {
		return nil
	}
	return &Fault{Panic: v, Stack: debug.Stack()}
}

// Catch runs fn and turns a returned error or a panic into a Fault. It
// returns nil when fn succeeds.
func Catch(ctx context.Context, fn func(context.Context) error) (f *Fault) {
	defer func() {
		if v := recover(); v != nil {
			f = FromPanic(v)
		}
	}()
	return FromError(fn(ctx))
}

// Panicked reports whether the fault is a recovered panic.
func (f *Fault) Panicked() bool {
	return f != nil && f.Panic != nil
}

// Resume hands the fault back to the caller: it re-panics with the original
// value, or returns the original error. Resume on a nil Fault returns nil.
func (f *Fault) Resume() error {
	if f == nil {
		return nil
	}
	if f.Panic != nil {
		panic(f.Panic)
	}
	return f.Err
}

// Text renders the fault message.
func (f *Fault) Text() string {
	switch {
	case f == nil:
		return ""
	case f.Panic != nil:
		return fmt.Sprintf("panic: %v", f.Panic)
	case f.Err != nil:
		return f.Err.Error()
	default:
		return ""
	}
}

// Descriptor is the immutable snapshot of a fault attached to a profiling result.
type Descriptor struct {
	ErrorText string   `json:"error" yaml:"error"`
	TBStrings []string `json:"traceback" yaml:"traceback"`
}

// Builder turns a Fault into a Descriptor. A nil Fault must yield nil.
type Builder func(*Fault) *Descriptor

// None is the no-op Builder: it never reports a fault.
func None(*Fault) *Descriptor {
	return nil
}

// Describe is the standard Builder. It returns nil when nothing failed.
func Describe(f *Fault) *Descriptor {
	if f == nil || (f.Err == nil && f.Panic == nil) {
		return nil
	}
	return &Descriptor{
		ErrorText: f.Text(),
		TBStrings: Traceback(f.Stack),
	}
}

// ErrorOf returns the descriptor's error text, or "" for a nil descriptor.
func (d *Descriptor) ErrorOf() string {
	if d == nil {
		return ""
	}
	return d.ErrorText
}

// TracebackOf returns a copy of the descriptor's traceback, never nil.
func (d *Descriptor) TracebackOf() []string {
	if d == nil || len(d.TBStrings) == 0 {
		return []string{}
	}
	out := make([]string, len(d.TBStrings))
	copy(out, d.TBStrings)
	return out
}

// Traceback splits a runtime stack dump into one string per frame, each
// formatted as "function\n\tfile:line". The goroutine header is dropped.
func Traceback(stack []byte) []string {
	lines := strings.Split(string(bytes.TrimSpace(stack)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}

	frames := make([]string, 0, len(lines)/2)
	for i := 0; i < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		if fn == "" {
			continue
		}
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			frames = append(frames, fn+"\n\t"+trimOffset(strings.TrimSpace(lines[i+1])))
			i++
			continue
		}
		frames = append(frames, fn)
	}
	return frames
}

// trimOffset drops the " +0x1d" program counter offset of a location line.
func trimOffset(loc string) string {
	if idx := strings.LastIndex(loc, " +0x"); idx >= 0 {
		return loc[:idx]
	}
	return loc
}
