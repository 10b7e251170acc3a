// Package projector turns decoded event parameters into ordered rows of
// sqltype values matching the columns of the event's table.
package projector

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

var (
	ErrMisaligned            = errors.New("projector: parameters do not match abi inputs")
	ErrNestedArray           = errors.New("projector: nested arrays are not supported")
	ErrTupleArrayUnsupported = errors.New("projector: arrays of tuples are not supported")
	ErrTypeMismatch          = errors.New("projector: token does not match abi type")
)

// Project walks params positionally against inputs. Tuples are flattened
// into the same row, in the order of the table columns.
func Project(inputs []abiitem.Input, params []abiitem.LogParam) ([]sqltype.Value, error) {
	if len(params) != len(inputs) {
		return nil, fmt.Errorf("%w: %d inputs, %d params", ErrMisaligned, len(inputs), len(params))
	}
	tokens := make([]abiitem.Token, len(params))
	for i, p := range params {
		tokens[i] = p.Value
	}
	return projectTokens(inputs, tokens, nil)
}

func projectTokens(inputs []abiitem.Input, tokens []abiitem.Token, out []sqltype.Value) ([]sqltype.Value, error) {
	for i, tok := range tokens {
		if i >= len(inputs) {
			return nil, fmt.Errorf("%w: no abi input for parameter %d", ErrMisaligned, i)
		}
		in := inputs[i]
		if in.TopicHashed() {
			if tok.Kind != abiitem.TokenFixedBytes || len(tok.Bytes) != 32 {
				return nil, fmt.Errorf("%s: %w: %s token for hashed %s topic", in.Name, ErrTypeMismatch, tok.Kind, in.Type)
			}
			out = append(out, sqltype.Hash(256, tok.Bytes))
			continue
		}
		if tok.Kind == abiitem.TokenTuple {
			if !in.IsTuple() || len(in.Components) == 0 {
				return nil, fmt.Errorf("%w: %s: tuple value for %q input", ErrMisaligned, in.Name, in.Type)
			}
			if len(tok.Elems) != len(in.Components) {
				return nil, fmt.Errorf("%w: %s: %d components, %d values", ErrMisaligned, in.Name, len(in.Components), len(tok.Elems))
			}
			var err error
			out, err = projectTokens(in.Components, tok.Elems, out)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", in.Name, err)
			}
			continue
		}
		v, err := tokenValue(in, tok)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.Name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func tokenValue(in abiitem.Input, tok abiitem.Token) (sqltype.Value, error) {
	target, err := sqltype.DefaultValue(in.Type)
	if err != nil {
		if tok.IsArray() && len(tok.Elems) > 0 && tok.Elems[0].Kind == abiitem.TokenTuple {
			return sqltype.Value{}, fmt.Errorf("%w: %s", ErrTupleArrayUnsupported, in.Type)
		}
		return sqltype.Value{}, err
	}

	var v sqltype.Value
	switch tok.Kind {
	case abiitem.TokenAddress:
		v = sqltype.Address(tok.Address)
	case abiitem.TokenUint, abiitem.TokenInt:
		v, err = ConvertInt(tok.Int, target)
	case abiitem.TokenBool:
		v = sqltype.Bool(tok.Bool)
	case abiitem.TokenString:
		v = sqltype.String(tok.String)
	case abiitem.TokenBytes, abiitem.TokenFixedBytes:
		v = sqltype.Bytes(tok.Bytes)
	case abiitem.TokenArray, abiitem.TokenFixedArray:
		v, err = arrayValue(in, tok, target)
	default:
		err = fmt.Errorf("%w: %s token for %s", ErrTypeMismatch, tok.Kind, in.Type)
	}
	if err != nil {
		return sqltype.Value{}, err
	}
	if v.Kind() != target.Kind() {
		return sqltype.Value{}, fmt.Errorf("%w: %s value for %s column", ErrTypeMismatch, v.Kind(), in.Type)
	}
	return v, nil
}

// arrayValue types the array from its first element. Empty arrays take the
// empty variant of the declared type.
func arrayValue(in abiitem.Input, tok abiitem.Token, target sqltype.Value) (sqltype.Value, error) {
	if len(tok.Elems) == 0 {
		if !target.Kind().IsArray() {
			return sqltype.Value{}, fmt.Errorf("%w: array value for %s", ErrTypeMismatch, in.Type)
		}
		return target, nil
	}

	first := tok.Elems[0]
	switch {
	case first.IsArray():
		return sqltype.Value{}, fmt.Errorf("%w: %s", ErrNestedArray, in.Type)
	case first.Kind == abiitem.TokenTuple:
		return sqltype.Value{}, fmt.Errorf("%w: %s", ErrTupleArrayUnsupported, in.Type)
	}
	if !target.Kind().IsArray() {
		return sqltype.Value{}, fmt.Errorf("%w: array value for %s", ErrTypeMismatch, in.Type)
	}
	elemTarget := sqltype.Empty(target.Kind().Elem())

	elems := make([]sqltype.Value, len(tok.Elems))
	var elemKind sqltype.Kind
	for i, e := range tok.Elems {
		if e.Kind != first.Kind {
			return sqltype.Value{}, fmt.Errorf("%w: %s: element %d is %s, first is %s", ErrTypeMismatch, in.Type, i, e.Kind, first.Kind)
		}
		var v sqltype.Value
		switch e.Kind {
		case abiitem.TokenAddress:
			v = sqltype.Address(e.Address)
		case abiitem.TokenUint, abiitem.TokenInt:
			var err error
			if v, err = ConvertInt(e.Int, elemTarget); err != nil {
				return sqltype.Value{}, err
			}
		case abiitem.TokenBool:
			v = sqltype.Bool(e.Bool)
		case abiitem.TokenString:
			v = sqltype.String(e.String)
		case abiitem.TokenBytes, abiitem.TokenFixedBytes:
			v = sqltype.Bytes(e.Bytes)
		default:
			return sqltype.Value{}, fmt.Errorf("%w: %s element in %s", ErrTypeMismatch, e.Kind, in.Type)
		}
		elems[i] = v
		elemKind = v.Kind()
	}
	return sqltype.NewArray(elemKind, elems)
}

// ConvertInt narrows a decoded 256-bit word to the integer variant of
// target (scalar or array element). Narrowing keeps the low bits, as the EVM
// does; signed targets are sign-extended from their width.
func ConvertInt(n *uint256.Int, target sqltype.Value) (sqltype.Value, error) {
	if n == nil {
		return sqltype.Value{}, fmt.Errorf("%w: nil integer", ErrTypeMismatch)
	}
	k := target.Kind()
	if k.IsArray() {
		k = k.Elem()
	}
	if !k.IsInteger() {
		return sqltype.Value{}, fmt.Errorf("%w: integer for %s column", ErrTypeMismatch, target.Kind())
	}

	bits := k.Bits()
	if bits > 256 {
		bits = 256
	}
	w := n.Clone()
	if bits < 256 {
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bits))
		mask.SubUint64(mask, 1)
		w.And(w, mask)
	}

	var b *big.Int
	if k.Signed() {
		if bits < 256 {
			w.ExtendSign(w, uint256.NewInt(uint64(bits/8-1)))
		}
		b = signedBig(w)
	} else {
		b = w.ToBig()
	}

	if k.Signed() {
		return sqltype.Int(k.Bits(), b), nil
	}
	return sqltype.Uint(k.Bits(), b), nil
}

func signedBig(w *uint256.Int) *big.Int {
	if w.Sign() >= 0 {
		return w.ToBig()
	}
	abs := new(uint256.Int).Neg(w)
	return new(big.Int).Neg(abs.ToBig())
}

// Receipt is the block and transaction context of a log.
type Receipt struct {
	ContractAddress common.Address
	TxHash          common.Hash
	BlockNumber     uint64
	BlockHash       common.Hash
	Network         string
	TxIndex         uint64
	LogIndex        uint64
}

// DecodedLog is a log's decoded parameters plus its receipt context.
type DecodedLog struct {
	Params  []abiitem.LogParam
	Receipt Receipt
}

// ProjectLog projects a decoded log into a full table row: parameter columns
// followed by the seven fixed columns.
func ProjectLog(inputs []abiitem.Input, log DecodedLog) ([]sqltype.Value, error) {
	row, err := Project(inputs, log.Params)
	if err != nil {
		return nil, err
	}
	r := log.Receipt
	return append(row,
		sqltype.Address(r.ContractAddress),
		sqltype.H256(r.TxHash),
		sqltype.U64(r.BlockNumber),
		sqltype.H256(r.BlockHash),
		sqltype.String(r.Network),
		sqltype.U64(r.TxIndex),
		sqltype.Uint(256, new(big.Int).SetUint64(r.LogIndex)),
	), nil
}
