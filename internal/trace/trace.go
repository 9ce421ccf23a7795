// Package trace reads and replays region allocator traces. A trace is a
// text file whose first line is "heapctl-trace <version>", followed by one
// operation per line:
//
//	alloc <size> [align]
//	alloc-random <size> [align]
//	alloc-at <addr> <size>
//	free <addr> <size>
//	free-at <addr>
//	check
//
// Numbers accept the 0x, 0o and 0b prefixes. Blank lines and text after '#'
// are ignored.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Magic starts the header line.
const Magic = "heapctl-trace"

// SupportedVersions is the range of trace format versions Parse accepts.
const SupportedVersions = "^1.0"

// Kind identifies an operation.
type Kind int

const (
	Alloc Kind = iota
	AllocRandom
	AllocAt
	Free
	FreeAt
	Check
)

var kindNames = map[string]Kind{
	"alloc":        Alloc,
	"alloc-random": AllocRandom,
	"alloc-at":     AllocAt,
	"free":         Free,
	"free-at":      FreeAt,
	"check":        Check,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Op is one trace line.
type Op struct {
	Kind      Kind
	Addr      uint64
	Size      uint64
	Alignment uint64
	Line      int
}

func (o Op) String() string {
	switch o.Kind {
	case Alloc, AllocRandom:
		return fmt.Sprintf("%s %#x %#x", o.Kind, o.Size, o.Alignment)
	case AllocAt, Free:
		return fmt.Sprintf("%s %#x %#x", o.Kind, o.Addr, o.Size)
	case FreeAt:
		return fmt.Sprintf("%s %#x", o.Kind, o.Addr)
	default:
		return o.Kind.String()
	}
}

// ParseError reports a malformed trace line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("trace line %d: %s", e.Line, e.Msg)
}

// Trace is a parsed trace file.
type Trace struct {
	Version *semver.Version
	Ops     []Op
}

// Parse reads a trace from r.
func Parse(r io.Reader) (*Trace, error) {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}

	var (
		tr     Trace
		lineNo int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if tr.Version == nil {
			if len(fields) != 2 || fields[0] != Magic {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("expected %q header", Magic+" <version>")}
			}
			v, err := semver.NewVersion(fields[1])
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("bad version %q: %v", fields[1], err)}
			}
			if !constraint.Check(v) {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("unsupported version %s, want %s", v, SupportedVersions)}
			}
			tr.Version = v
			continue
		}

		op, err := parseOp(fields)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Msg: err.Error()}
		}
		op.Line = lineNo
		tr.Ops = append(tr.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if tr.Version == nil {
		return nil, &ParseError{Line: lineNo, Msg: "empty trace"}
	}
	return &tr, nil
}

func parseOp(fields []string) (Op, error) {
	kind, ok := kindNames[fields[0]]
	if !ok {
		return Op{}, fmt.Errorf("unknown operation %q", fields[0])
	}
	args := make([]uint64, 0, 2)
	for _, f := range fields[1:] {
		n, err := strconv.ParseUint(f, 0, 64)
		if err != nil {
			return Op{}, fmt.Errorf("bad number %q", f)
		}
		args = append(args, n)
	}

	arity := func(min, max int) error {
		if len(args) < min || len(args) > max {
			return fmt.Errorf("%s takes %d to %d arguments, got %d", fields[0], min, max, len(args))
		}
		return nil
	}
	op := Op{Kind: kind}
	switch kind {
	case Alloc, AllocRandom:
		if err := arity(1, 2); err != nil {
			return Op{}, err
		}
		op.Size = args[0]
		if len(args) == 2 {
			op.Alignment = args[1]
		}
	case AllocAt, Free:
		if err := arity(2, 2); err != nil {
			return Op{}, err
		}
		op.Addr, op.Size = args[0], args[1]
	case FreeAt:
		if err := arity(1, 1); err != nil {
			return Op{}, err
		}
		op.Addr = args[0]
	case Check:
		if err := arity(0, 0); err != nil {
			return Op{}, err
		}
	}
	return op, nil
}

// Format writes tr in the text format Parse reads.
func Format(w io.Writer, tr *Trace) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s\n", Magic, tr.Version)
	for _, op := range tr.Ops {
		fmt.Fprintln(bw, op)
	}
	return bw.Flush()
}
