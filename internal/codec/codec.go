package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Encode serializes a Batch into a record body per spec.md §6:
//
//	varint tx_id_len | tx_id | i64 timestamp_le | varint entry_count | entries…
//	entry: u8 op_tag | varint db_len | db | varint table_len | table | varint field_count | fields…
//	field: varint key_len | key | u8 type_tag | value
func Encode(b Batch) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, b.TransactionID)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(b.Timestamp))
	buf.Write(tsBuf[:])

	writeUvarint(&buf, uint64(len(b.Entries)))
	for _, e := range b.Entries {
		if err := encodeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeEntry(buf *bytes.Buffer, e Entry) error {
	buf.WriteByte(byte(e.Operation))
	writeString(buf, e.DBName)
	writeString(buf, e.TableName)
	writeUvarint(buf, uint64(len(e.Data)))
	for k, v := range e.Data {
		writeString(buf, k)
		if err := encodeValue(buf, v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// no payload
	case KindString:
		writeString(buf, v.Str)
	case KindInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Int))
		buf.Write(b[:])
	case KindFloat64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf.Write(b[:])
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindDecimal:
		// Canonical form: i32 scale | varint (sign byte + magnitude) len |
		// sign byte | magnitude bytes (big-endian), per spec.md §6's
		// decimal tag.
		coeff := v.Decimal.Coefficient() // signed
		scale := -v.Decimal.Exponent()
		var scaleBuf [4]byte
		binary.LittleEndian.PutUint32(scaleBuf[:], uint32(scale))
		buf.Write(scaleBuf[:])

		sign := byte(0)
		abs := coeff
		if coeff.Sign() < 0 {
			sign = 1
			abs = new(big.Int).Abs(coeff)
		}
		unscaled := abs.Bytes()
		writeUvarint(buf, uint64(len(unscaled))+1)
		buf.WriteByte(sign)
		buf.Write(unscaled)
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// Decode parses a record body back into a Batch. Any structural problem
// (unknown tag, truncated length, missing field) returns a *MalformedError.
func Decode(body []byte) (Batch, error) {
	r := &reader{buf: body}

	txID, err := r.readString()
	if err != nil {
		return Batch{}, malformed("reading transaction id: %s", err)
	}
	ts, err := r.readInt64()
	if err != nil {
		return Batch{}, malformed("reading timestamp: %s", err)
	}
	entryCount, err := r.readUvarint()
	if err != nil {
		return Batch{}, malformed("reading entry count: %s", err)
	}
	if entryCount > uint64(len(r.buf)-r.pos) {
		return Batch{}, malformed("entry count %d exceeds remaining body", entryCount)
	}

	b := Batch{TransactionID: txID, Timestamp: ts, Entries: make([]Entry, 0, entryCount)}
	for i := uint64(0); i < entryCount; i++ {
		e, err := decodeEntry(r)
		if err != nil {
			return Batch{}, malformed("entry %d: %s", i, err)
		}
		b.Entries = append(b.Entries, e)
	}
	if r.pos != len(r.buf) {
		return Batch{}, malformed("%d trailing bytes after last entry", len(r.buf)-r.pos)
	}
	return b, nil
}

func decodeEntry(r *reader) (Entry, error) {
	opByte, err := r.readByte()
	if err != nil {
		return Entry{}, err
	}
	op := Operation(opByte)
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpUpsert:
	default:
		return Entry{}, fmt.Errorf("unknown operation tag %d", opByte)
	}

	db, err := r.readString()
	if err != nil {
		return Entry{}, fmt.Errorf("db name: %w", err)
	}
	table, err := r.readString()
	if err != nil {
		return Entry{}, fmt.Errorf("table name: %w", err)
	}
	fieldCount, err := r.readUvarint()
	if err != nil {
		return Entry{}, fmt.Errorf("field count: %w", err)
	}
	data := make(map[string]Value, fieldCount)
	for i := uint64(0); i < fieldCount; i++ {
		key, err := r.readString()
		if err != nil {
			return Entry{}, fmt.Errorf("field %d key: %w", i, err)
		}
		v, err := decodeValue(r)
		if err != nil {
			return Entry{}, fmt.Errorf("field %q value: %w", key, err)
		}
		data[key] = v
	}
	return Entry{DBName: db, TableName: table, Operation: op, Data: data}, nil
}

func decodeValue(r *reader) (Value, error) {
	tagByte, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	kind := ValueKind(tagByte)
	switch kind {
	case KindNull:
		return NullValue(), nil
	case KindString:
		s, err := r.readString()
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case KindInt64:
		i, err := r.readInt64()
		if err != nil {
			return Value{}, err
		}
		return IntValue(i), nil
	case KindFloat64:
		bits, err := r.readUint64()
		if err != nil {
			return Value{}, err
		}
		return FloatValue(math.Float64frombits(bits)), nil
	case KindBool:
		b, err := r.readByte()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b != 0), nil
	case KindDecimal:
		scaleBits, err := r.readUint32()
		if err != nil {
			return Value{}, err
		}
		scale := int32(scaleBits)
		n, err := r.readUvarint()
		if err != nil {
			return Value{}, err
		}
		raw, err := r.readBytes(int(n))
		if err != nil {
			return Value{}, err
		}
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("decimal payload missing sign byte")
		}
		sign, mag := raw[0], raw[1:]
		coeff := new(big.Int).SetBytes(mag)
		if sign != 0 {
			coeff.Neg(coeff)
		}
		return DecimalValue(decimal.NewFromBigInt(coeff, -scale)), nil
	default:
		return Value{}, fmt.Errorf("unknown type tag %d", tagByte)
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("length %d exceeds remaining body", n)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("invalid varint")
	}
	r.pos += n
	return v, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}
