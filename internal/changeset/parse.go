package changeset

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// DecodeError reports a malformed instruction stream. On the upload path a
// DecodeError terminates the replay.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding changeset at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Parse decodes the instruction stream in data into c.Instructions. The
// header fields of c are left untouched; callers fill them from the record
// header. Trailing or truncated bytes are decode errors.
func Parse(data []byte, c *Changeset) error {
	d := decoder{buf: data}
	for !d.done() {
		at := d.pos
		instr, err := d.instruction()
		if err != nil {
			return &DecodeError{Offset: at, Err: err}
		}
		c.Instructions = append(c.Instructions, instr)
	}
	return nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool { return d.pos >= len(d.buf) }

func (d *decoder) instruction() (Instruction, error) {
	op, err := d.byte()
	if err != nil {
		return Instruction{}, err
	}

	instr := Instruction{Op: Opcode(op)}
	switch instr.Op {
	case OpAddTable, OpEraseTable, OpClearTable:
		instr.Table, err = d.str()
		if err != nil {
			return Instruction{}, err
		}
	case OpCreateObject, OpEraseObject:
		if instr.Table, err = d.str(); err != nil {
			return Instruction{}, err
		}
		if instr.ObjectID, err = d.uvarint(); err != nil {
			return Instruction{}, err
		}
	case OpSetProperty:
		if instr.Table, err = d.str(); err != nil {
			return Instruction{}, err
		}
		if instr.ObjectID, err = d.uvarint(); err != nil {
			return Instruction{}, err
		}
		if instr.Field, err = d.str(); err != nil {
			return Instruction{}, err
		}
		if instr.Value, err = d.value(); err != nil {
			return Instruction{}, err
		}
	default:
		return Instruction{}, fmt.Errorf("unknown opcode %d", op)
	}
	return instr, nil
}

func (d *decoder) value() (Value, error) {
	tag, err := d.byte()
	if err != nil {
		return Value{}, err
	}

	v := Value{Kind: ValueKind(tag)}
	switch v.Kind {
	case KindNull:
	case KindInt:
		u, err := d.uvarint()
		if err != nil {
			return Value{}, err
		}
		v.Int = zigzagDecode(u)
	case KindBool:
		b, err := d.byte()
		if err != nil {
			return Value{}, err
		}
		if b > 1 {
			return Value{}, fmt.Errorf("invalid bool byte %d", b)
		}
		v.Bool = b == 1
	case KindString:
		s, err := d.str()
		if err != nil {
			return Value{}, err
		}
		v.Str = s
	case KindBytes:
		b, err := d.bytes()
		if err != nil {
			return Value{}, err
		}
		v.Bytes = b
	default:
		return Value{}, fmt.Errorf("unknown value tag %d", tag)
	}
	return v, nil
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("unexpected end of stream")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("invalid varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("declared length %d exceeds remaining %d bytes", n, len(d.buf)-d.pos)
	}
	// Copy out: instruction payloads may alias a body buffer that dies with
	// the owning message.
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string is not valid UTF-8")
	}
	return string(b), nil
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
