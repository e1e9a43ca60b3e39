package pidstat

import (
	"strconv"

	"github.com/zeebo/xxh3"
)

// Record maps column names to typed values for one pidstat row.
type Record map[string]Value

// ParseRecord types the tokens of one row. columns and values must have the
// same length.
func ParseRecord(columns, values []string) (Record, error) {
	r := make(Record, len(columns))
	for i, c := range columns {
		v, err := ParseValue(c, values[i])
		if err != nil {
			return nil, err
		}
		r[c] = v
	}
	return r, nil
}

// Int returns an integer column.
func (r Record) Int(column string) (int64, bool) {
	v, ok := r[column]
	if !ok || v.Kind() != KindInt {
		return 0, false
	}
	return v.Int(), true
}

// Float returns a numeric column as float64.
func (r Record) Float(column string) (float64, bool) {
	v, ok := r[column]
	if !ok || v.Kind() == KindString {
		return 0, false
	}
	return v.Float(), true
}

// Command returns the Command column.
func (r Record) Command() string {
	return r["Command"].Str()
}

// Sample is one sampling tick: the process aggregate row followed by one
// row per thread, all sharing the same columns.
type Sample struct {
	Columns []string `json:"columns" yaml:"columns"`
	Records []Record `json:"records" yaml:"records"`
}

// Process returns the process aggregate record.
func (s Sample) Process() Record {
	if len(s.Records) == 0 {
		return nil
	}
	return s.Records[0]
}

// Threads returns the per-thread records.
func (s Sample) Threads() []Record {
	if len(s.Records) < 2 {
		return nil
	}
	return s.Records[1:]
}

// Result is the outcome of a clean pidstat dump parse.
type Result struct {
	Samples   []Sample `json:"samples" yaml:"samples"`
	Error     string   `json:"error" yaml:"error"`
	Traceback []string `json:"traceback" yaml:"traceback"`
}

// Fingerprint hashes the parsed content. Two parses of the same dump text
// with the same descriptor have the same fingerprint.
func (r *Result) Fingerprint() uint64 {
	h := xxh3.New()
	for _, s := range r.Samples {
		_, _ = h.WriteString("S")
		for _, c := range s.Columns {
			_, _ = h.WriteString(c)
			_, _ = h.WriteString("\x1f")
		}
		for _, rec := range s.Records {
			_, _ = h.WriteString("R")
			for _, c := range s.Columns {
				v := rec[c]
				_, _ = h.WriteString(strconv.Itoa(int(v.Kind())))
				_, _ = h.WriteString(v.String())
				_, _ = h.WriteString("\x1f")
			}
		}
	}
	_, _ = h.WriteString("E")
	_, _ = h.WriteString(r.Error)
	for _, tb := range r.Traceback {
		_, _ = h.WriteString("\x1e")
		_, _ = h.WriteString(tb)
	}
	return h.Sum64()
}
