package changeset

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test-side instruction encoders.

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func encAddTable(b []byte, table string) []byte {
	return appendString(append(b, byte(OpAddTable)), table)
}

func encCreateObject(b []byte, table string, id uint64) []byte {
	b = appendString(append(b, byte(OpCreateObject)), table)
	return binary.AppendUvarint(b, id)
}

func encEraseObject(b []byte, table string, id uint64) []byte {
	b = appendString(append(b, byte(OpEraseObject)), table)
	return binary.AppendUvarint(b, id)
}

func encSetProperty(b []byte, table string, id uint64, field string, v Value) []byte {
	b = appendString(append(b, byte(OpSetProperty)), table)
	b = binary.AppendUvarint(b, id)
	b = appendString(b, field)
	b = append(b, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindInt:
		b = binary.AppendUvarint(b, zigzagEncode(v.Int))
	case KindBool:
		if v.Bool {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case KindString:
		b = appendString(b, v.Str)
	case KindBytes:
		b = binary.AppendUvarint(b, uint64(len(v.Bytes)))
		b = append(b, v.Bytes...)
	}
	return b
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func TestParse_InstructionSequence(t *testing.T) {
	var data []byte
	data = encAddTable(data, "accounts")
	data = encCreateObject(data, "accounts", 17)
	data = encSetProperty(data, "accounts", 17, "name", Value{Kind: KindString, Str: "alice"})
	data = encSetProperty(data, "accounts", 17, "balance", Value{Kind: KindInt, Int: -250})
	data = encSetProperty(data, "accounts", 17, "active", Value{Kind: KindBool, Bool: true})
	data = encSetProperty(data, "accounts", 17, "blob", Value{Kind: KindBytes, Bytes: []byte{1, 2, 3}})
	data = encSetProperty(data, "accounts", 17, "cleared", Value{Kind: KindNull})
	data = encEraseObject(data, "accounts", 17)

	var c Changeset
	require.NoError(t, Parse(data, &c))
	require.Len(t, c.Instructions, 8)

	assert.Equal(t, Instruction{Op: OpAddTable, Table: "accounts"}, c.Instructions[0])
	assert.Equal(t, Instruction{Op: OpCreateObject, Table: "accounts", ObjectID: 17}, c.Instructions[1])
	assert.Equal(t, Value{Kind: KindString, Str: "alice"}, c.Instructions[2].Value)
	assert.Equal(t, int64(-250), c.Instructions[3].Value.Int)
	assert.True(t, c.Instructions[4].Value.Bool)
	assert.Equal(t, []byte{1, 2, 3}, c.Instructions[5].Value.Bytes)
	assert.Equal(t, KindNull, c.Instructions[6].Value.Kind)
	assert.Equal(t, OpEraseObject, c.Instructions[7].Op)
}

func TestParse_EmptyStream(t *testing.T) {
	var c Changeset
	require.NoError(t, Parse(nil, &c))
	assert.Empty(t, c.Instructions)
}

func TestParse_ZigzagBounds(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		data := encSetProperty(nil, "t", 1, "f", Value{Kind: KindInt, Int: v})
		var c Changeset
		require.NoError(t, Parse(data, &c))
		assert.Equal(t, v, c.Instructions[0].Value.Int)
	}
}

func TestParse_Failures(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"unknown opcode", []byte{0xFF}},
		{"truncated string length", []byte{byte(OpAddTable)}},
		{"string length past end", []byte{byte(OpAddTable), 0x05, 'a'}},
		{"truncated object id", appendString([]byte{byte(OpCreateObject)}, "t")},
		{"unknown value tag", func() []byte {
			b := appendString([]byte{byte(OpSetProperty)}, "t")
			b = binary.AppendUvarint(b, 1)
			b = appendString(b, "f")
			return append(b, 0xFF)
		}()},
		{"invalid bool byte", func() []byte {
			b := appendString([]byte{byte(OpSetProperty)}, "t")
			b = binary.AppendUvarint(b, 1)
			b = appendString(b, "f")
			return append(b, byte(KindBool), 7)
		}()},
		{"invalid utf8 table name", []byte{byte(OpAddTable), 0x01, 0xC0}},
		{"trailing garbage after instruction", append(encAddTable(nil, "t"), 0x00)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c Changeset
			err := Parse(tc.data, &c)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr, "data %x", tc.data)
		})
	}
}

func TestParse_ErrorOffset(t *testing.T) {
	data := append(encAddTable(nil, "ok"), 0xFF)
	var c Changeset
	err := Parse(data, &c)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, len(data)-1, decodeErr.Offset)
}
