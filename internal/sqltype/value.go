package sqltype

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Value is a closed tagged union over every on-chain value the indexer can
// persist. Exactly one variant (Kind) is active; the zero Value is invalid.
//
// Integers are kept as *big.Int already narrowed to the variant width.
// Hashes, addresses and byte strings share raw; booleans and strings have
// their own slices. Scalars use index 0 of their slice.
type Value struct {
	kind  Kind
	ints  []*big.Int
	raw   [][]byte
	bools []bool
	strs  []string
}

func (v Value) Kind() Kind { return v.kind }

// ColumnType returns the DDL type and wire OID the value is encoded as.
func (v Value) ColumnType() ColumnType { return v.kind.ColumnType() }

// Len is the element count of an array value; 1 for scalars.
func (v Value) Len() int {
	if !v.kind.IsArray() {
		return 1
	}
	switch {
	case v.kind.IsInteger():
		return len(v.ints)
	case v.kind == KindVecBool:
		return len(v.bools)
	case v.kind == KindVecString:
		return len(v.strs)
	default:
		return len(v.raw)
	}
}

// BigInt returns the integer of a scalar integer value.
func (v Value) BigInt() (*big.Int, bool) {
	if v.kind.IsArray() || !v.kind.IsInteger() || len(v.ints) == 0 {
		return nil, false
	}
	return new(big.Int).Set(v.ints[0]), true
}

// BigInts returns the elements of an integer array value.
func (v Value) BigInts() ([]*big.Int, bool) {
	if !v.kind.IsArray() || !v.kind.IsInteger() {
		return nil, false
	}
	out := make([]*big.Int, len(v.ints))
	for i, n := range v.ints {
		out[i] = new(big.Int).Set(n)
	}
	return out, true
}

// String renders the value for logs. It is not the wire encoding.
func (v Value) String() string {
	switch {
	case !v.kind.valid():
		return "Invalid"
	case v.kind.IsInteger() && !v.kind.IsArray() && len(v.ints) == 1:
		return fmt.Sprintf("%s(%s)", v.kind, v.ints[0])
	case v.kind == KindBool && len(v.bools) == 1:
		return fmt.Sprintf("Bool(%t)", v.bools[0])
	case v.kind == KindString && len(v.strs) == 1:
		return fmt.Sprintf("String(%q)", v.strs[0])
	case !v.kind.IsArray() && len(v.raw) == 1:
		return fmt.Sprintf("%s(%s)", v.kind, hexText(v.raw[0]))
	}
	return fmt.Sprintf("%s(len=%d)", v.kind, v.Len())
}

// Uint builds an unsigned integer value of the given width (8..512, powers of
// two). The input is truncated to its low bits, matching EVM semantics.
func Uint(bits int, n *big.Int) Value {
	k := uintKind(bits)
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, ints: []*big.Int{narrow(n, bits, false)}}
}

// Int builds a signed integer value of the given width. The input is
// truncated to its low bits and sign-extended.
func Int(bits int, n *big.Int) Value {
	k := intKind(bits)
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, ints: []*big.Int{narrow(n, bits, true)}}
}

func U64(n uint64) Value { return Uint(64, new(big.Int).SetUint64(n)) }

// UintArray builds a homogeneous unsigned integer array.
func UintArray(bits int, ns []*big.Int) Value {
	k := uintKind(bits).Array()
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, ints: narrowAll(ns, bits, false)}
}

// IntArray builds a homogeneous signed integer array.
func IntArray(bits int, ns []*big.Int) Value {
	k := intKind(bits).Array()
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, ints: narrowAll(ns, bits, true)}
}

// Hash builds a fixed-width hash value (128, 160, 256 or 512 bits). The byte
// length is checked when the value is encoded.
func Hash(bits int, b []byte) Value {
	k := hashKind(bits)
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, raw: [][]byte{clone(b)}}
}

func H256(h common.Hash) Value { return Hash(256, h[:]) }

// HashArray builds a homogeneous array of fixed-width hashes.
func HashArray(bits int, bs [][]byte) Value {
	k := hashKind(bits).Array()
	if k == KindInvalid {
		return Value{}
	}
	return Value{kind: k, raw: cloneAll(bs)}
}

func Address(a common.Address) Value {
	return Value{kind: KindAddress, raw: [][]byte{clone(a[:])}}
}

func AddressArray(as []common.Address) Value {
	raw := make([][]byte, len(as))
	for i := range as {
		raw[i] = clone(as[i][:])
	}
	return Value{kind: KindVecAddress, raw: raw}
}

func Bool(b bool) Value { return Value{kind: KindBool, bools: []bool{b}} }

func BoolArray(bs []bool) Value {
	return Value{kind: KindVecBool, bools: append([]bool{}, bs...)}
}

func String(s string) Value { return Value{kind: KindString, strs: []string{s}} }

func StringArray(ss []string) Value {
	return Value{kind: KindVecString, strs: append([]string{}, ss...)}
}

func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: [][]byte{clone(b)}} }

func BytesArray(bs [][]byte) Value {
	return Value{kind: KindVecBytes, raw: cloneAll(bs)}
}

// Empty returns the zero instance of kind: 0, false, "", zero bytes of the
// right width, or an empty array.
func Empty(k Kind) Value {
	if !k.valid() {
		return Value{}
	}
	if k.IsArray() {
		return Value{kind: k}
	}
	switch {
	case k.IsInteger():
		return Value{kind: k, ints: []*big.Int{new(big.Int)}}
	case k == KindBool:
		return Bool(false)
	case k == KindString:
		return String("")
	case k == KindBytes:
		return Bytes(nil)
	default:
		return Value{kind: k, raw: [][]byte{make([]byte, k.Bits()/8)}}
	}
}

// NewArray assembles scalar values of one kind into the matching array
// variant. Every element must have the same kind; mixed arrays are rejected.
func NewArray(elem Kind, elems []Value) (Value, error) {
	ak := elem.Array()
	if ak == KindInvalid {
		return Value{}, fmt.Errorf("%w: %s has no array form", ErrEncoding, elem)
	}
	out := Value{kind: ak}
	for i, e := range elems {
		if e.kind != elem {
			return Value{}, fmt.Errorf("%w: array element %d is %s, want %s", ErrEncoding, i, e.kind, elem)
		}
		switch {
		case elem.IsInteger():
			out.ints = append(out.ints, e.ints[0])
		case elem == KindBool:
			out.bools = append(out.bools, e.bools[0])
		case elem == KindString:
			out.strs = append(out.strs, e.strs[0])
		default:
			out.raw = append(out.raw, e.raw[0])
		}
	}
	return out, nil
}

var one = big.NewInt(1)

// narrow keeps the low bits of n; signed results are sign-extended.
func narrow(n *big.Int, bits int, signed bool) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	mod := new(big.Int).Lsh(one, uint(bits))
	mask := new(big.Int).Sub(mod, one)
	out := new(big.Int).And(n, mask)
	if signed && out.Bit(bits-1) == 1 {
		out.Sub(out, mod)
	}
	return out
}

func narrowAll(ns []*big.Int, bits int, signed bool) []*big.Int {
	out := make([]*big.Int, len(ns))
	for i, n := range ns {
		out[i] = narrow(n, bits, signed)
	}
	return out
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

func cloneAll(bs [][]byte) [][]byte {
	out := make([][]byte, len(bs))
	for i := range bs {
		out[i] = clone(bs[i])
	}
	return out
}
