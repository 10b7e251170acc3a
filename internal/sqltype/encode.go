package sqltype

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedType = errors.New("sqltype: unsupported type")
	ErrEncoding        = errors.New("sqltype: encoding")
)

// Encoder writes Values in the PostgreSQL binary wire format.
//
// An Encoder is not safe for concurrent use; create one per goroutine.
type Encoder struct {
	m *pgtype.Map
}

func NewEncoder() *Encoder {
	return &Encoder{m: pgtype.NewMap()}
}

// Append appends the binary wire form of v to buf. When null is true nothing
// was appended and the value must be sent as SQL NULL.
func (e *Encoder) Append(buf []byte, v Value) (out []byte, null bool, err error) {
	if err := v.check(); err != nil {
		return buf, false, err
	}

	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64, KindU128,
		KindI8, KindI16, KindI32, KindI64, KindI128:
		out, err = e.appendNumeric(buf, v.ints[0])
		return out, false, err

	case KindU256, KindU512, KindI256, KindI512:
		return append(buf, v.ints[0].String()...), false, nil

	case KindH128, KindH160, KindH256, KindH512, KindAddress:
		return append(buf, hexText(v.raw[0])...), false, nil

	case KindBool:
		if v.bools[0] {
			return append(buf, 1), false, nil
		}
		return append(buf, 0), false, nil

	case KindString:
		return append(buf, v.strs[0]...), false, nil

	case KindBytes:
		return append(buf, v.raw[0]...), false, nil

	case KindVecU8, KindVecU16, KindVecU32, KindVecU64, KindVecU128,
		KindVecI8, KindVecI16, KindVecI32, KindVecI64, KindVecI128:
		if len(v.ints) == 0 {
			return buf, true, nil
		}
		return e.appendNumericArray(buf, v.ints)

	case KindVecBool:
		if len(v.bools) == 0 {
			return buf, true, nil
		}
		return appendBoolArray(buf, v.bools), false, nil

	case KindVecU256, KindVecU512, KindVecI256, KindVecI512:
		if len(v.ints) == 0 {
			return buf, true, nil
		}
		strs := make([]string, len(v.ints))
		for i, n := range v.ints {
			strs[i] = n.String()
		}
		return e.appendTextArray(buf, v.kind.ColumnType().OID, strs)

	case KindVecH128, KindVecH160, KindVecH256, KindVecH512, KindVecAddress, KindVecBytes:
		if len(v.raw) == 0 {
			return buf, true, nil
		}
		strs := make([]string, len(v.raw))
		for i, b := range v.raw {
			strs[i] = hexText(b)
		}
		return e.appendTextArray(buf, pgtype.TextArrayOID, strs)

	case KindVecString:
		if len(v.strs) == 0 {
			return buf, true, nil
		}
		return e.appendTextArray(buf, pgtype.TextArrayOID, v.strs)
	}

	return buf, false, fmt.Errorf("%w: no encoder for %s", ErrUnsupportedType, v.kind)
}

// Encode is Append into a fresh buffer. A nil slice means NULL.
func (e *Encoder) Encode(v Value) ([]byte, error) {
	out, null, err := e.Append(nil, v)
	if err != nil || null {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// check validates the variant payload so the dispatch above can index
// without bounds failures.
func (v Value) check() error {
	if !v.kind.valid() {
		return fmt.Errorf("%w: invalid value variant", ErrEncoding)
	}
	scalar := !v.kind.IsArray()
	switch {
	case v.kind.IsInteger():
		if scalar && len(v.ints) != 1 {
			return fmt.Errorf("%w: %s without integer", ErrEncoding, v.kind)
		}
		for _, n := range v.ints {
			if n == nil {
				return fmt.Errorf("%w: %s has nil integer", ErrEncoding, v.kind)
			}
		}
	case v.kind == KindBool:
		if len(v.bools) != 1 {
			return fmt.Errorf("%w: Bool without value", ErrEncoding)
		}
	case v.kind == KindString:
		if len(v.strs) != 1 {
			return fmt.Errorf("%w: String without value", ErrEncoding)
		}
	case v.kind == KindVecBool || v.kind == KindVecString:
	default:
		if scalar && len(v.raw) != 1 {
			return fmt.Errorf("%w: %s without bytes", ErrEncoding, v.kind)
		}
		elem := v.kind
		if !scalar {
			elem = v.kind.Elem()
		}
		if elem == KindBytes {
			return nil
		}
		want := elem.Bits() / 8
		for _, b := range v.raw {
			if len(b) != want {
				return fmt.Errorf("%w: %s wants %d bytes, got %d", ErrEncoding, elem, want, len(b))
			}
		}
	}
	return nil
}

// appendNumeric renders n to base-10, parses it as a decimal and writes the
// numeric binary representation.
func (e *Encoder) appendNumeric(buf []byte, n *big.Int) ([]byte, error) {
	s := n.String()
	d, err := decimal.NewFromString(s)
	if err != nil {
		return buf, fmt.Errorf("%w: numeric %q: %v", ErrEncoding, s, err)
	}
	num := pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
	out, err := e.m.Encode(pgtype.NumericOID, pgtype.BinaryFormatCode, num, buf)
	if err != nil {
		return buf, fmt.Errorf("%w: numeric %q: %v", ErrEncoding, s, err)
	}
	return out, nil
}

// The generic array codec cannot carry numeric or bool elements built from
// our values, so both are framed by hand:
//
//	int32 ndim=1 | int32 hasnull=0 | uint32 elem oid | int32 len | int32 lbound=1
//	then per element: int32 byte length | element bytes
func appendArrayHeader(buf []byte, elemOID uint32, n int) []byte {
	buf = binary.BigEndian.AppendUint32(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, elemOID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	buf = binary.BigEndian.AppendUint32(buf, 1)
	return buf
}

func (e *Encoder) appendNumericArray(buf []byte, ns []*big.Int) ([]byte, bool, error) {
	start := len(buf)
	buf = appendArrayHeader(buf, pgtype.NumericOID, len(ns))
	for _, n := range ns {
		lenAt := len(buf)
		buf = append(buf, 0, 0, 0, 0)
		var err error
		buf, err = e.appendNumeric(buf, n)
		if err != nil {
			return buf[:start], false, err
		}
		binary.BigEndian.PutUint32(buf[lenAt:], uint32(len(buf)-lenAt-4))
	}
	return buf, false, nil
}

func appendBoolArray(buf []byte, bs []bool) []byte {
	buf = appendArrayHeader(buf, pgtype.BoolOID, len(bs))
	for _, b := range bs {
		buf = binary.BigEndian.AppendUint32(buf, 1)
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func (e *Encoder) appendTextArray(buf []byte, oid uint32, strs []string) ([]byte, bool, error) {
	out, err := e.m.Encode(oid, pgtype.BinaryFormatCode, strs, buf)
	if err != nil {
		return buf, false, fmt.Errorf("%w: text array: %v", ErrEncoding, err)
	}
	return out, false, nil
}

func hexText(b []byte) string {
	return hexutil.Encode(b)
}
