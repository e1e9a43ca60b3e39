package pidstat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownColumn is returned when a header names a column missing from the type table.
var ErrUnknownColumn = errors.New("unknown pidstat column")

// Kind is the type of a parsed pidstat value.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// columnKinds is the fixed name to type table for pidstat columns.
var columnKinds = map[string]Kind{
	"Time":    KindInt,
	"UID":     KindInt,
	"TGID":    KindInt,
	"TID":     KindInt,
	"VSZ":     KindInt,
	"RSS":     KindInt,
	"StkSize": KindInt,
	"StkRef":  KindInt,
	"iodelay": KindInt,
	"CPU":     KindInt,

	"minflt/s":  KindFloat,
	"majflt/s":  KindFloat,
	"%MEM":      KindFloat,
	"kB_rd/s":   KindFloat,
	"kB_wr/s":   KindFloat,
	"kB_ccwr/s": KindFloat,
	"%usr":      KindFloat,
	"%system":   KindFloat,
	"%guest":    KindFloat,
	"%wait":     KindFloat,
	"%CPU":      KindFloat,

	"Command": KindString,
}

// ColumnKind returns the type of a known column.
func ColumnKind(column string) (Kind, bool) {
	k, ok := columnKinds[column]
	return k, ok
}

// Value is a typed pidstat cell.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Str returns a string Value.
func Str(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload, or 0 for non-integer values.
func (v Value) Int() int64 { return v.i }

// Float returns the value as a float64. Integers are converted.
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Str returns the string payload, or "" for numeric values.
func (v Value) Str() string { return v.s }

// String renders the value the way pidstat prints it.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	default:
		return v.s
	}
}

// MarshalJSON encodes numbers as JSON numbers and strings as JSON strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindString {
		return json.Marshal(v.s)
	}
	return []byte(v.String()), nil
}

// MarshalYAML encodes the underlying scalar.
func (v Value) MarshalYAML() (any, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	default:
		return v.s, nil
	}
}

// ColumnError reports a token that could not be typed.
type ColumnError struct {
	Line   int
	Column string
	Token  string
	Err    error
}

func (e *ColumnError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("line %d: column %q: %v", e.Line, e.Column, e.Err)
	}
	if e.Line > 0 {
		return fmt.Sprintf("line %d: column %q: cannot parse %q: %v", e.Line, e.Column, e.Token, e.Err)
	}
	return fmt.Sprintf("column %q: cannot parse %q: %v", e.Column, e.Token, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

// ParseValue types one token according to its column.
//
// pidstat prints "-" in place of the TGID of thread rows and the TID of
// process rows; integer columns read it as 0.
func ParseValue(column, token string) (Value, error) {
	kind, ok := columnKinds[column]
	if !ok {
		return Value{}, &ColumnError{Column: column, Token: token, Err: ErrUnknownColumn}
	}

	switch kind {
	case KindInt:
		if token == "-" {
			return Int(0), nil
		}
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return Value{}, &ColumnError{Column: column, Token: token, Err: err}
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return Value{}, &ColumnError{Column: column, Token: token, Err: err}
		}
		return Float(f), nil
	default:
		return Str(token), nil
	}
}
