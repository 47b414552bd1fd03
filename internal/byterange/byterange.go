// Package byterange models HTTP-style byte ranges: parsing the textual
// "bytes=<spec>[, <spec>]*" grammar and bounds-checked extraction from a byte
// source. Parse failures and out-of-bounds reads are reported with distinct
// sentinel errors so the boundary layer can map them to 400 and 416.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRangeHeader is returned at parse time for syntactically invalid specs.
	ErrMalformedRangeHeader = errors.New("malformed range header")
	// ErrUnsatisfiableRange is returned at read time when a valid range falls outside the source.
	ErrUnsatisfiableRange = errors.New("unsatisfiable range")
)

const unitPrefix = "bytes="

// Range is one parsed range spec. Implementations are BoundedRange,
// SuffixLength and UnboundedRange.
type Range interface {
	// Bounds resolves the range against a source of the given length and
	// returns inclusive [start, end] offsets.
	Bounds(length int64) (start, end int64, err error)
	// Read returns the bytes of src selected by the range.
	Read(src []byte) ([]byte, error)
	String() string
}

// BoundedRange selects src[Start..End] inclusive.
type BoundedRange struct {
	Start int64
	End   int64
}

// SuffixLength selects the last N bytes (or the whole source if shorter).
type SuffixLength struct {
	N int64
}

// UnboundedRange selects src[Start..] to the end of the source.
type UnboundedRange struct {
	Start int64
}

// Bounds implements Range.
func (r BoundedRange) Bounds(length int64) (int64, int64, error) {
	if r.Start < 0 || r.Start > r.End || r.End >= length {
		return 0, 0, fmt.Errorf("%w: %s of %d bytes", ErrUnsatisfiableRange, r, length)
	}
	return r.Start, r.End, nil
}

// Read implements Range.
func (r BoundedRange) Read(src []byte) ([]byte, error) { return read(r, src) }

func (r BoundedRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// Bounds implements Range. An empty source yields an empty selection.
func (r SuffixLength) Bounds(length int64) (int64, int64, error) {
	if r.N < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsatisfiableRange, r)
	}
	n := min(r.N, length)
	return length - n, length - 1, nil
}

// Read implements Range.
func (r SuffixLength) Read(src []byte) ([]byte, error) { return read(r, src) }

func (r SuffixLength) String() string { return fmt.Sprintf("-%d", r.N) }

// Bounds implements Range.
func (r UnboundedRange) Bounds(length int64) (int64, int64, error) {
	if r.Start < 0 || r.Start >= length {
		return 0, 0, fmt.Errorf("%w: %s of %d bytes", ErrUnsatisfiableRange, r, length)
	}
	return r.Start, length - 1, nil
}

// Read implements Range.
func (r UnboundedRange) Read(src []byte) ([]byte, error) { return read(r, src) }

func (r UnboundedRange) String() string { return fmt.Sprintf("%d-", r.Start) }

func read(r Range, src []byte) ([]byte, error) {
	start, end, err := r.Bounds(int64(len(src)))
	if err != nil {
		return nil, err
	}
	if end < start {
		return []byte{}, nil
	}
	return src[start : end+1], nil
}

// ParseHeader parses a Range header value into its range specs, preserving order.
func ParseHeader(header string) ([]Range, error) {
	if !strings.HasPrefix(header, unitPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedRangeHeader, unitPrefix)
	}
	body := header[len(unitPrefix):]
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty range set", ErrMalformedRangeHeader)
	}
	parts := strings.Split(body, ",")
	out := make([]Range, 0, len(parts))
	for _, part := range parts {
		r, err := parseSpec(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseSingle parses a header that must contain exactly one range spec.
func ParseSingle(header string) (Range, error) {
	ranges, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if len(ranges) != 1 {
		return nil, fmt.Errorf("%w: expected one range, got %d", ErrMalformedRangeHeader, len(ranges))
	}
	return ranges[0], nil
}

func parseSpec(spec string) (Range, error) {
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, fmt.Errorf("%w: %q has no '-'", ErrMalformedRangeHeader, spec)
	}
	first, last := spec[:dash], spec[dash+1:]
	switch {
	case first == "" && last == "":
		return nil, fmt.Errorf("%w: %q has no bounds", ErrMalformedRangeHeader, spec)
	case first == "":
		n, err := parseBound(last)
		if err != nil {
			return nil, err
		}
		return SuffixLength{N: n}, nil
	case last == "":
		start, err := parseBound(first)
		if err != nil {
			return nil, err
		}
		return UnboundedRange{Start: start}, nil
	}
	start, err := parseBound(first)
	if err != nil {
		return nil, err
	}
	end, err := parseBound(last)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, fmt.Errorf("%w: start %d after end %d", ErrMalformedRangeHeader, start, end)
	}
	return BoundedRange{Start: start, End: end}, nil
}

// parseBound accepts only plain decimal digits; signs are rejected so that
// "1--10" cannot parse as a negative end.
func parseBound(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty bound", ErrMalformedRangeHeader)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: non-numeric bound %q", ErrMalformedRangeHeader, s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedRangeHeader, err)
	}
	return n, nil
}
