package abiitem

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type TokenKind uint8

const (
	TokenInvalid TokenKind = iota
	TokenAddress
	TokenUint
	TokenInt
	TokenBool
	TokenString
	TokenBytes
	TokenFixedBytes
	TokenArray
	TokenFixedArray
	TokenTuple
)

func (k TokenKind) String() string {
	switch k {
	case TokenAddress:
		return "address"
	case TokenUint:
		return "uint"
	case TokenInt:
		return "int"
	case TokenBool:
		return "bool"
	case TokenString:
		return "string"
	case TokenBytes:
		return "bytes"
	case TokenFixedBytes:
		return "fixed bytes"
	case TokenArray:
		return "array"
	case TokenFixedArray:
		return "fixed array"
	case TokenTuple:
		return "tuple"
	}
	return fmt.Sprintf("TokenKind(%d)", uint8(k))
}

// Token is one decoded ABI value. Int tokens hold the 256-bit two's
// complement form of the value, as it appears on chain.
type Token struct {
	Kind    TokenKind
	Address common.Address
	Int     *uint256.Int
	Bool    bool
	String  string
	Bytes   []byte
	Elems   []Token
}

// LogParam is a named, decoded event parameter.
type LogParam struct {
	Name  string
	Value Token
}

func AddressToken(a common.Address) Token { return Token{Kind: TokenAddress, Address: a} }

func UintToken(n *uint256.Int) Token { return Token{Kind: TokenUint, Int: cloneInt(n)} }

func IntToken(n *uint256.Int) Token { return Token{Kind: TokenInt, Int: cloneInt(n)} }

func BoolToken(b bool) Token { return Token{Kind: TokenBool, Bool: b} }

func StringToken(s string) Token { return Token{Kind: TokenString, String: s} }

func BytesToken(b []byte) Token {
	return Token{Kind: TokenBytes, Bytes: append([]byte{}, b...)}
}

func FixedBytesToken(b []byte) Token {
	return Token{Kind: TokenFixedBytes, Bytes: append([]byte{}, b...)}
}

func ArrayToken(elems ...Token) Token { return Token{Kind: TokenArray, Elems: elems} }

func FixedArrayToken(elems ...Token) Token { return Token{Kind: TokenFixedArray, Elems: elems} }

func TupleToken(fields ...Token) Token { return Token{Kind: TokenTuple, Elems: fields} }

func (t Token) IsArray() bool { return t.Kind == TokenArray || t.Kind == TokenFixedArray }

func cloneInt(n *uint256.Int) *uint256.Int {
	if n == nil {
		return new(uint256.Int)
	}
	return n.Clone()
}
