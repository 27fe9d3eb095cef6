package changeset

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/syncreplay/internal/store"
)

// Applier applies decoded instructions to a write transaction. It has
// exclusive use of the transaction until the caller commits.
type Applier struct {
	tx *store.WriteTransaction
}

// NewApplier binds an applier to a write transaction.
func NewApplier(tx *store.WriteTransaction) *Applier {
	return &Applier{tx: tx}
}

// Apply runs every instruction in the changeset against the transaction.
// The first failing instruction aborts; the caller is expected to roll the
// transaction back.
func (a *Applier) Apply(ctx context.Context, c *Changeset, logger zerolog.Logger) error {
	for i, instr := range c.Instructions {
		logger.Trace().
			Stringer("op", instr.Op).
			Str("table", instr.Table).
			Uint64("object_id", instr.ObjectID).
			Msg("applying instruction")
		if err := a.applyOne(ctx, instr); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, instr.Op, err)
		}
	}
	return nil
}

func (a *Applier) applyOne(ctx context.Context, instr Instruction) error {
	switch instr.Op {
	case OpAddTable:
		_, err := a.tx.ExecContext(ctx, `
			INSERT INTO tables (name) VALUES (?)
			ON CONFLICT(name) DO NOTHING
		`, instr.Table)
		return err

	case OpEraseTable:
		if err := a.requireTable(ctx, instr.Table); err != nil {
			return err
		}
		_, err := a.tx.ExecContext(ctx, `DELETE FROM tables WHERE name = ?`, instr.Table)
		return err

	case OpClearTable:
		if err := a.requireTable(ctx, instr.Table); err != nil {
			return err
		}
		_, err := a.tx.ExecContext(ctx, `DELETE FROM objects WHERE table_name = ?`, instr.Table)
		return err

	case OpCreateObject:
		if err := a.requireTable(ctx, instr.Table); err != nil {
			return err
		}
		_, err := a.tx.ExecContext(ctx, `
			INSERT INTO objects (table_name, object_id) VALUES (?, ?)
			ON CONFLICT(table_name, object_id) DO NOTHING
		`, instr.Table, instr.ObjectID)
		return err

	case OpEraseObject:
		res, err := a.tx.ExecContext(ctx, `
			DELETE FROM objects WHERE table_name = ? AND object_id = ?
		`, instr.Table, instr.ObjectID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("object %d does not exist in table %q", instr.ObjectID, instr.Table)
		}
		return nil

	case OpSetProperty:
		if err := a.requireObject(ctx, instr.Table, instr.ObjectID); err != nil {
			return err
		}
		valueType, value, err := encodeValue(instr.Value)
		if err != nil {
			return err
		}
		_, err = a.tx.ExecContext(ctx, `
			INSERT INTO properties (table_name, object_id, field, value_type, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(table_name, object_id, field)
			DO UPDATE SET value_type = excluded.value_type, value = excluded.value
		`, instr.Table, instr.ObjectID, instr.Field, valueType, value)
		return err
	}
	return fmt.Errorf("unknown opcode %d", instr.Op)
}

func (a *Applier) requireTable(ctx context.Context, table string) error {
	var name string
	err := a.tx.QueryRowContext(ctx, `SELECT name FROM tables WHERE name = ?`, table).Scan(&name)
	if err != nil {
		return fmt.Errorf("table %q does not exist", table)
	}
	return nil
}

func (a *Applier) requireObject(ctx context.Context, table string, objectID uint64) error {
	var id uint64
	err := a.tx.QueryRowContext(ctx, `
		SELECT object_id FROM objects WHERE table_name = ? AND object_id = ?
	`, table, objectID).Scan(&id)
	if err != nil {
		return fmt.Errorf("object %d does not exist in table %q", objectID, table)
	}
	return nil
}

// encodeValue maps a Value onto the (value_type, value) columns. Strings
// are NFC-normalized so the same logical string from different clients
// stores identically.
func encodeValue(v Value) (int, []byte, error) {
	switch v.Kind {
	case KindNull:
		return int(KindNull), nil, nil
	case KindInt:
		buf := make([]byte, binary.MaxVarintLen64)
		n := binary.PutVarint(buf, v.Int)
		return int(KindInt), buf[:n], nil
	case KindBool:
		if v.Bool {
			return int(KindBool), []byte{1}, nil
		}
		return int(KindBool), []byte{0}, nil
	case KindString:
		return int(KindString), []byte(norm.NFC.String(v.Str)), nil
	case KindBytes:
		return int(KindBytes), v.Bytes, nil
	}
	return 0, nil, fmt.Errorf("unknown value kind %d", v.Kind)
}
