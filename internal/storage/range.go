package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte range. An End of -1 means "to the end of
// the object" until the range is resolved.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in a resolved range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a resolved range.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// resolve clips r to an object of the given size.
func (r ByteRange) resolve(size int64) (ByteRange, error) {
	if r.Start < 0 || r.Start >= size {
		return r, ErrRangeNotSatisfiable
	}
	if r.End < 0 || r.End >= size {
		r.End = size - 1
	}
	if r.End < r.Start {
		return r, ErrRangeNotSatisfiable
	}
	return r, nil
}

// ParseRange parses a single-range HTTP Range header ("bytes=0-99",
// "bytes=100-" or "bytes=-500") against an object of the given size.
// An empty header, or a header with several ranges, yields nil so the whole
// object is served.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}

	var r ByteRange
	switch {
	case startStr == "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
		}
		if n > size {
			n = size
		}
		r = ByteRange{Start: size - n, End: size - 1}
	default:
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
		}
		r = ByteRange{Start: start, End: -1}
		if endStr != "" {
			end, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
			}
			r.End = end
		}
	}

	resolved, err := r.resolve(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}
	return &resolved, nil
}
