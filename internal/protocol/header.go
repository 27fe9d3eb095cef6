package protocol

import "math"

// Header lines are sequences of fields separated by single spaces, with the
// last field followed by exactly one terminator byte. Integer fields are
// decimal, parsed wide as int64 and then narrowed with overflow detection.
// String fields are contiguous non-separator bytes and must be non-empty.

type fieldKind int

const (
	fieldUint64 fieldKind = iota
	fieldInt64
	fieldString
)

// Field describes one header field and where its parsed value lands.
type Field struct {
	kind fieldKind
	u64  *uint64
	i64  *int64
	str  *string
}

// U64 declares an unsigned 64-bit integer field.
func U64(dst *uint64) Field { return Field{kind: fieldUint64, u64: dst} }

// I64 declares a signed 64-bit integer field.
func I64(dst *int64) Field { return Field{kind: fieldInt64, i64: dst} }

// Str declares an unquoted token field.
func Str(dst *string) Field { return Field{kind: fieldString, str: dst} }

// ParseHeaderLine parses fields from the front of buf. Fields are separated
// by a single space and the last field is followed by exactly one endDelim
// byte. On success it returns the slice beginning immediately after the
// terminator. On any malformation (empty field, non-digit in an integer,
// overflow, wrong separator, short input) it returns ok=false.
func ParseHeaderLine(buf []byte, endDelim byte, fields ...Field) (rest []byte, ok bool) {
	for i, f := range fields {
		if len(buf) == 0 {
			return nil, false
		}

		var err bool
		switch f.kind {
		case fieldString:
			buf, err = parseToken(buf, endDelim, f.str)
		default:
			buf, err = parseInt(buf, f)
		}
		if err {
			return nil, false
		}

		if len(buf) == 0 {
			return nil, false
		}
		last := i == len(fields)-1
		switch {
		case !last && buf[0] == ' ':
			buf = buf[1:]
		case last && buf[0] == endDelim:
			return buf[1:], true
		default:
			return nil, false
		}
	}
	return nil, false
}

// parseToken consumes bytes up to the next space or terminator. A
// zero-length token is a parse error.
func parseToken(buf []byte, endDelim byte, dst *string) (rest []byte, failed bool) {
	n := 0
	for n < len(buf) && buf[n] != ' ' && buf[n] != endDelim {
		n++
	}
	if n == 0 {
		return nil, true
	}
	*dst = string(buf[:n])
	return buf[n:], false
}

// parseInt parses a decimal integer wide (int64), then narrows into the
// field's declared type. The scan stops at the first non-digit byte; the
// caller validates that byte as a separator or terminator.
func parseInt(buf []byte, f Field) (rest []byte, failed bool) {
	neg := false
	i := 0
	if i < len(buf) && buf[i] == '-' {
		neg = true
		i++
	}

	start := i
	var mag uint64
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		d := uint64(buf[i] - '0')
		if mag > (math.MaxUint64-d)/10 {
			return nil, true
		}
		mag = mag*10 + d
		i++
	}
	if i == start {
		return nil, true
	}

	var wide int64
	switch {
	case neg && mag == uint64(math.MaxInt64)+1:
		wide = math.MinInt64
	case neg && mag <= math.MaxInt64:
		wide = -int64(mag)
	case !neg && mag <= math.MaxInt64:
		wide = int64(mag)
	default:
		return nil, true
	}

	switch f.kind {
	case fieldUint64:
		if wide < 0 {
			return nil, true
		}
		*f.u64 = uint64(wide)
	case fieldInt64:
		*f.i64 = wide
	}
	return buf[i:], false
}
