package sqltype

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// Kind identifies the active variant of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota

	KindU8
	KindU16
	KindU32
	KindU64
	KindU128
	KindU256
	KindU512
	KindI8
	KindI16
	KindI32
	KindI64
	KindI128
	KindI256
	KindI512
	KindH128
	KindH160
	KindH256
	KindH512
	KindAddress
	KindBool
	KindString
	KindBytes

	KindVecU8
	KindVecU16
	KindVecU32
	KindVecU64
	KindVecU128
	KindVecU256
	KindVecU512
	KindVecI8
	KindVecI16
	KindVecI32
	KindVecI64
	KindVecI128
	KindVecI256
	KindVecI512
	KindVecH128
	KindVecH160
	KindVecH256
	KindVecH512
	KindVecAddress
	KindVecBool
	KindVecString
	KindVecBytes

	kindCount
)

// ColumnType is the DDL spelling of a column together with the OID its
// binary wire form is encoded as.
type ColumnType struct {
	DDL string
	OID uint32
}

type kindInfo struct {
	name   string
	column ColumnType
	elem   Kind // scalar element for array kinds
	array  Kind // array form for scalar kinds
	bits   int  // integer or hash width
	signed bool
}

var (
	colNumeric    = ColumnType{DDL: "NUMERIC", OID: pgtype.NumericOID}
	colNumericArr = ColumnType{DDL: "NUMERIC[]", OID: pgtype.NumericArrayOID}
	colVarchar78  = ColumnType{DDL: "VARCHAR(78)", OID: pgtype.VarcharOID}
	colVarchar78A = ColumnType{DDL: "VARCHAR(78)[]", OID: pgtype.VarcharArrayOID}
	colText       = ColumnType{DDL: "TEXT", OID: pgtype.TextOID}
	colTextArr    = ColumnType{DDL: "TEXT[]", OID: pgtype.TextArrayOID}
	colBool       = ColumnType{DDL: "BOOLEAN", OID: pgtype.BoolOID}
	colBoolArr    = ColumnType{DDL: "BOOLEAN[]", OID: pgtype.BoolArrayOID}
	colBytea      = ColumnType{DDL: "BYTEA", OID: pgtype.ByteaOID}
)

func char(n int) ColumnType {
	return ColumnType{DDL: fmt.Sprintf("CHAR(%d)", n), OID: pgtype.BPCharOID}
}

var kinds = [kindCount]kindInfo{
	KindInvalid: {name: "Invalid"},

	KindU8:      {name: "U8", column: colNumeric, array: KindVecU8, bits: 8},
	KindU16:     {name: "U16", column: colNumeric, array: KindVecU16, bits: 16},
	KindU32:     {name: "U32", column: colNumeric, array: KindVecU32, bits: 32},
	KindU64:     {name: "U64", column: colNumeric, array: KindVecU64, bits: 64},
	KindU128:    {name: "U128", column: colNumeric, array: KindVecU128, bits: 128},
	KindU256:    {name: "U256", column: colVarchar78, array: KindVecU256, bits: 256},
	KindU512:    {name: "U512", column: colText, array: KindVecU512, bits: 512},
	KindI8:      {name: "I8", column: colNumeric, array: KindVecI8, bits: 8, signed: true},
	KindI16:     {name: "I16", column: colNumeric, array: KindVecI16, bits: 16, signed: true},
	KindI32:     {name: "I32", column: colNumeric, array: KindVecI32, bits: 32, signed: true},
	KindI64:     {name: "I64", column: colNumeric, array: KindVecI64, bits: 64, signed: true},
	KindI128:    {name: "I128", column: colNumeric, array: KindVecI128, bits: 128, signed: true},
	KindI256:    {name: "I256", column: colVarchar78, array: KindVecI256, bits: 256, signed: true},
	KindI512:    {name: "I512", column: colText, array: KindVecI512, bits: 512, signed: true},
	KindH128:    {name: "H128", column: char(34), array: KindVecH128, bits: 128},
	KindH160:    {name: "H160", column: char(42), array: KindVecH160, bits: 160},
	KindH256:    {name: "H256", column: char(66), array: KindVecH256, bits: 256},
	KindH512:    {name: "H512", column: char(130), array: KindVecH512, bits: 512},
	KindAddress: {name: "Address", column: char(42), array: KindVecAddress, bits: 160},
	KindBool:    {name: "Bool", column: colBool, array: KindVecBool},
	KindString:  {name: "String", column: colText, array: KindVecString},
	KindBytes:   {name: "Bytes", column: colBytea, array: KindVecBytes},

	KindVecU8:      {name: "VecU8", column: colNumericArr, elem: KindU8, bits: 8},
	KindVecU16:     {name: "VecU16", column: colNumericArr, elem: KindU16, bits: 16},
	KindVecU32:     {name: "VecU32", column: colNumericArr, elem: KindU32, bits: 32},
	KindVecU64:     {name: "VecU64", column: colNumericArr, elem: KindU64, bits: 64},
	KindVecU128:    {name: "VecU128", column: colNumericArr, elem: KindU128, bits: 128},
	KindVecU256:    {name: "VecU256", column: colVarchar78A, elem: KindU256, bits: 256},
	KindVecU512:    {name: "VecU512", column: colTextArr, elem: KindU512, bits: 512},
	KindVecI8:      {name: "VecI8", column: colNumericArr, elem: KindI8, bits: 8, signed: true},
	KindVecI16:     {name: "VecI16", column: colNumericArr, elem: KindI16, bits: 16, signed: true},
	KindVecI32:     {name: "VecI32", column: colNumericArr, elem: KindI32, bits: 32, signed: true},
	KindVecI64:     {name: "VecI64", column: colNumericArr, elem: KindI64, bits: 64, signed: true},
	KindVecI128:    {name: "VecI128", column: colNumericArr, elem: KindI128, bits: 128, signed: true},
	KindVecI256:    {name: "VecI256", column: colVarchar78A, elem: KindI256, bits: 256, signed: true},
	KindVecI512:    {name: "VecI512", column: colTextArr, elem: KindI512, bits: 512, signed: true},
	KindVecH128:    {name: "VecH128", column: colTextArr, elem: KindH128, bits: 128},
	KindVecH160:    {name: "VecH160", column: colTextArr, elem: KindH160, bits: 160},
	KindVecH256:    {name: "VecH256", column: colTextArr, elem: KindH256, bits: 256},
	KindVecH512:    {name: "VecH512", column: colTextArr, elem: KindH512, bits: 512},
	KindVecAddress: {name: "VecAddress", column: colTextArr, elem: KindAddress, bits: 160},
	KindVecBool:    {name: "VecBool", column: colBoolArr, elem: KindBool},
	KindVecString:  {name: "VecString", column: colTextArr, elem: KindString},
	KindVecBytes:   {name: "VecBytes", column: colTextArr, elem: KindBytes},
}

func (k Kind) valid() bool {
	return k > KindInvalid && k < kindCount
}

func (k Kind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kinds[k].name
}

// IsArray reports whether k is one of the homogeneous array variants.
func (k Kind) IsArray() bool {
	return k.valid() && kinds[k].elem != KindInvalid
}

// Elem returns the scalar element kind of an array kind, or KindInvalid.
func (k Kind) Elem() Kind {
	if !k.valid() {
		return KindInvalid
	}
	return kinds[k].elem
}

// Array returns the array form of a scalar kind, or KindInvalid.
func (k Kind) Array() Kind {
	if !k.valid() {
		return KindInvalid
	}
	return kinds[k].array
}

// IsInteger reports whether k (or its element) is a signed or unsigned integer.
func (k Kind) IsInteger() bool {
	s := k
	if k.IsArray() {
		s = k.Elem()
	}
	return s >= KindU8 && s <= KindI512
}

// Bits is the integer width for integer kinds and the byte width * 8 for
// hash-like kinds. Zero otherwise.
func (k Kind) Bits() int {
	if !k.valid() {
		return 0
	}
	return kinds[k].bits
}

// Signed reports whether k is a signed integer kind (scalar or array).
func (k Kind) Signed() bool {
	return k.valid() && kinds[k].signed
}

// ColumnType returns the DDL type and wire OID for k.
func (k Kind) ColumnType() ColumnType {
	if !k.valid() {
		return ColumnType{}
	}
	return kinds[k].column
}

func uintKind(bits int) Kind {
	switch bits {
	case 8:
		return KindU8
	case 16:
		return KindU16
	case 32:
		return KindU32
	case 64:
		return KindU64
	case 128:
		return KindU128
	case 256:
		return KindU256
	case 512:
		return KindU512
	}
	return KindInvalid
}

func intKind(bits int) Kind {
	switch bits {
	case 8:
		return KindI8
	case 16:
		return KindI16
	case 32:
		return KindI32
	case 64:
		return KindI64
	case 128:
		return KindI128
	case 256:
		return KindI256
	case 512:
		return KindI512
	}
	return KindInvalid
}

func hashKind(bits int) Kind {
	switch bits {
	case 128:
		return KindH128
	case 160:
		return KindH160
	case 256:
		return KindH256
	case 512:
		return KindH512
	}
	return KindInvalid
}

// CompatibleOID reports whether a value encoded as valueOID can be written
// into a column of columnOID over the binary protocol. Text, varchar and
// bpchar scalars share one wire layout; arrays carry their element OID in
// the frame and must match exactly.
func CompatibleOID(columnOID, valueOID uint32) bool {
	if columnOID == valueOID {
		return true
	}
	return textScalar(columnOID) && textScalar(valueOID)
}

func textScalar(oid uint32) bool {
	switch oid {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID:
		return true
	}
	return false
}
