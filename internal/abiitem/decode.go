package abiitem

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var ErrDecode = errors.New("abiitem: decode log")

// DecodeLog decodes a raw log into the event's parameters in declaration
// order. Indexed parameters of dynamic, array or tuple type are only present
// on chain as their keccak hash and decode to a 32-byte fixed bytes token.
func DecodeLog(event abi.Event, log types.Log) ([]LogParam, error) {
	topics := log.Topics
	if !event.Anonymous {
		if len(topics) == 0 || topics[0] != event.ID {
			return nil, fmt.Errorf("%w: %s: signature topic mismatch", ErrDecode, event.Name)
		}
		topics = topics[1:]
	}

	data, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: unpack data: %v", ErrDecode, event.Name, err)
	}

	out := make([]LogParam, 0, len(event.Inputs))
	var ti, di int
	for _, arg := range event.Inputs {
		var tok Token
		if arg.Indexed {
			if ti >= len(topics) {
				return nil, fmt.Errorf("%w: %s: missing topic for %s", ErrDecode, event.Name, arg.Name)
			}
			tok, err = topicToken(arg, topics[ti])
			ti++
		} else {
			if di >= len(data) {
				return nil, fmt.Errorf("%w: %s: missing data for %s", ErrDecode, event.Name, arg.Name)
			}
			tok, err = toToken(arg.Type, reflect.ValueOf(data[di]))
			di++
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrDecode, event.Name, arg.Name, err)
		}
		out = append(out, LogParam{Name: arg.Name, Value: tok})
	}
	return out, nil
}

func topicToken(arg abi.Argument, topic common.Hash) (Token, error) {
	switch arg.Type.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return FixedBytesToken(topic[:]), nil
	}
	m := make(map[string]interface{}, 1)
	if err := abi.ParseTopicsIntoMap(m, abi.Arguments{arg}, []common.Hash{topic}); err != nil {
		return Token{}, err
	}
	return toToken(arg.Type, reflect.ValueOf(m[arg.Name]))
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// toToken converts a go-ethereum unpacked value into a Token, guided by its
// ABI type.
func toToken(t abi.Type, v reflect.Value) (Token, error) {
	if !v.IsValid() {
		return Token{}, fmt.Errorf("missing value for %s", t.String())
	}
	for v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	switch t.T {
	case abi.AddressTy:
		a, ok := v.Interface().(common.Address)
		if !ok {
			return Token{}, fmt.Errorf("address: unexpected %s", v.Type())
		}
		return AddressToken(a), nil

	case abi.UintTy, abi.IntTy:
		n, err := toUint256(v)
		if err != nil {
			return Token{}, err
		}
		if t.T == abi.IntTy {
			return IntToken(n), nil
		}
		return UintToken(n), nil

	case abi.BoolTy:
		if v.Kind() != reflect.Bool {
			return Token{}, fmt.Errorf("bool: unexpected %s", v.Type())
		}
		return BoolToken(v.Bool()), nil

	case abi.StringTy:
		if v.Kind() != reflect.String {
			return Token{}, fmt.Errorf("string: unexpected %s", v.Type())
		}
		return StringToken(v.String()), nil

	case abi.BytesTy:
		b, ok := v.Interface().([]byte)
		if !ok {
			return Token{}, fmt.Errorf("bytes: unexpected %s", v.Type())
		}
		return BytesToken(b), nil

	case abi.FixedBytesTy, abi.HashTy:
		if v.Kind() != reflect.Array || v.Type().Elem().Kind() != reflect.Uint8 {
			return Token{}, fmt.Errorf("fixed bytes: unexpected %s", v.Type())
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		return FixedBytesToken(b), nil

	case abi.SliceTy, abi.ArrayTy:
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return Token{}, fmt.Errorf("array: unexpected %s", v.Type())
		}
		elems := make([]Token, v.Len())
		for i := range elems {
			e, err := toToken(*t.Elem, v.Index(i))
			if err != nil {
				return Token{}, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = e
		}
		if t.T == abi.ArrayTy {
			return FixedArrayToken(elems...), nil
		}
		return ArrayToken(elems...), nil

	case abi.TupleTy:
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct || v.NumField() != len(t.TupleElems) {
			return Token{}, fmt.Errorf("tuple: unexpected %s", v.Type())
		}
		fields := make([]Token, len(t.TupleElems))
		for i, et := range t.TupleElems {
			f, err := toToken(*et, v.Field(i))
			if err != nil {
				return Token{}, fmt.Errorf("%s: %w", t.TupleRawNames[i], err)
			}
			fields[i] = f
		}
		return TupleToken(fields...), nil
	}
	return Token{}, fmt.Errorf("unsupported abi type %s", t.String())
}

func toUint256(v reflect.Value) (*uint256.Int, error) {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uint256.NewInt(v.Uint()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromBig(big.NewInt(v.Int()))
	}
	if v.Type() == bigIntType && !v.IsNil() {
		return fromBig(v.Interface().(*big.Int))
	}
	return nil, fmt.Errorf("integer: unexpected %s", v.Type())
}

// fromBig maps negative values to their 256-bit two's complement.
func fromBig(b *big.Int) (*uint256.Int, error) {
	n, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("integer %s overflows 256 bits", b)
	}
	return n, nil
}
