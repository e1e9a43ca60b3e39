// Package pidstat parses the bracketed dumps written by a profiling session
// around `pidstat -dtrsh` and describes how to launch pidstat as a sampler.
//
// A dump looks like:
//
//	<pidstat>
//	Linux 4.13.0 (host)   01/13/2018   _x86_64_   (8 CPU)
//
//	#      Time   UID      TGID       TID  minflt/s ... Command
//	 1515811161  1000     16365         0      0.00 ... blender
//	 1515811161  1000         0     16365      0.00 ... |__blender
//	...
//	</pidstat>
//
// The BEGIN marker must be one of the first three lines. A dump without the
// END marker is poisoned: the profiled program or the sampler died before the
// session could close it, and no result is produced from it.
package pidstat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/safe"
	"github.com/coral-mesh/frep/internal/session"
)

const (
	// BeginMarker opens a dump.
	BeginMarker = session.BeginMarker
	// EndMarker closes a dump. Only the session stop sequence writes it.
	EndMarker = session.EndMarker

	beginSearchLines = 3
	maxLineSize      = 1 << 20
)

var (
	// ErrMissingBegin is returned when BEGIN is not within the first three lines.
	ErrMissingBegin = errors.New("malformed pidstat dump: missing begin marker")
	// ErrMissingEnd is returned when the input ends before the END marker.
	ErrMissingEnd = errors.New("malformed pidstat dump: missing end marker")
)

// FindBegin consumes lines until the BEGIN marker, looking at no more than
// the first three lines.
func FindBegin(next func() (string, bool)) bool {
	for i := 0; i < beginSearchLines; i++ {
		line, ok := next()
		if !ok {
			return false
		}
		if strings.TrimRight(line, "\r") == BeginMarker {
			return true
		}
	}
	return false
}

// IsEnd reports whether line is the END marker.
func IsEnd(line string) bool {
	return strings.HasPrefix(line, EndMarker)
}

// AcceptHeader returns the column names of a header line ("#" followed by
// whitespace separated names).
func AcceptHeader(line string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "#" {
		return nil, false
	}
	return fields[1:], true
}

// ParseFile parses the dump at path. See Parse.
func ParseFile(path string, desc *fault.Descriptor) (res *Result, err error) {
	f, err := safe.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open pidstat dump: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close pidstat dump: %w", cerr))
		}
	}()

	return Parse(f, desc)
}

// Parse reads a bracketed pidstat dump.
//
// On a clean parse it returns every sample in file order, with Error and
// Traceback copied from desc. A missing BEGIN or END marker returns a nil
// Result with ErrMissingBegin or ErrMissingEnd; samples read before the
// failure are discarded. Unknown columns and untypeable tokens are returned
// as *ColumnError.
func Parse(r io.Reader, desc *fault.Descriptor) (*Result, error) {
	p := newLineReader(r)

	if !FindBegin(p.next) {
		if err := p.err(); err != nil {
			return nil, err
		}
		return nil, ErrMissingBegin
	}

	samples := make([]Sample, 0)
	for {
		line, ok := p.next()
		if !ok {
			if err := p.err(); err != nil {
				return nil, err
			}
			return nil, ErrMissingEnd
		}

		if IsEnd(line) {
			break
		}

		columns, ok := AcceptHeader(line)
		if !ok {
			continue
		}
		for _, c := range columns {
			if _, known := ColumnKind(c); !known {
				return nil, &ColumnError{Line: p.lineNo, Column: c, Err: ErrUnknownColumn}
			}
		}

		records, err := p.readRows(columns)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			samples = append(samples, Sample{Columns: columns, Records: records})
		}
	}

	return &Result{
		Samples:   samples,
		Error:     desc.ErrorOf(),
		Traceback: desc.TracebackOf(),
	}, nil
}

// lineReader wraps a scanner with a one line push back.
type lineReader struct {
	sc      *bufio.Scanner
	lineNo  int
	pending string
	hasPend bool
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineReader{sc: sc}
}

func (p *lineReader) next() (string, bool) {
	if p.hasPend {
		p.hasPend = false
		return p.pending, true
	}
	if !p.sc.Scan() {
		return "", false
	}
	p.lineNo++
	return p.sc.Text(), true
}

func (p *lineReader) unread(line string) {
	p.pending = line
	p.hasPend = true
}

func (p *lineReader) err() error {
	if err := p.sc.Err(); err != nil {
		return fmt.Errorf("failed to read pidstat dump: %w", err)
	}
	return nil
}

// readRows collects the rows following a header. It stops at the first line
// whose token count differs from the column count and leaves that line to be
// read again.
func (p *lineReader) readRows(columns []string) ([]Record, error) {
	var records []Record
	for {
		line, ok := p.next()
		if !ok {
			return records, nil
		}

		values := strings.Fields(line)
		if len(values) != len(columns) {
			p.unread(line)
			return records, nil
		}

		rec, err := ParseRecord(columns, values)
		if err != nil {
			var colErr *ColumnError
			if errors.As(err, &colErr) {
				colErr.Line = p.lineNo
			}
			return nil, err
		}
		records = append(records, rec)
	}
}
