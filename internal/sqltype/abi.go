package sqltype

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseType maps an ABI parameter type string ("uint256", "address[]",
// "bytes32[4]") to the Kind its values are stored as.
//
// Integer widths round up to the nearest supported width. Only one array
// dimension is supported; tuples, nested arrays, function and fixed-point
// types fail with ErrUnsupportedType.
func ParseType(abiType string) (Kind, error) {
	s := strings.TrimSpace(abiType)

	array := false
	if strings.HasSuffix(s, "]") {
		open := strings.LastIndexByte(s, '[')
		if open < 0 {
			return KindInvalid, fmt.Errorf("%w: %q", ErrUnsupportedType, abiType)
		}
		if size := s[open+1 : len(s)-1]; size != "" {
			if n, err := strconv.Atoi(size); err != nil || n <= 0 {
				return KindInvalid, fmt.Errorf("%w: %q: bad array size", ErrUnsupportedType, abiType)
			}
		}
		s = s[:open]
		if strings.HasSuffix(s, "]") {
			return KindInvalid, fmt.Errorf("%w: %q: nested arrays", ErrUnsupportedType, abiType)
		}
		array = true
	}

	k, ok := scalarKind(s)
	if !ok {
		return KindInvalid, fmt.Errorf("%w: %q", ErrUnsupportedType, abiType)
	}
	if array {
		return k.Array(), nil
	}
	return k, nil
}

// MapType returns the column type for an ABI parameter type.
func MapType(abiType string) (ColumnType, error) {
	k, err := ParseType(abiType)
	if err != nil {
		return ColumnType{}, err
	}
	return k.ColumnType(), nil
}

// DefaultValue returns the empty Value of the variant an ABI parameter type
// maps to.
func DefaultValue(abiType string) (Value, error) {
	k, err := ParseType(abiType)
	if err != nil {
		return Value{}, err
	}
	return Empty(k), nil
}

func scalarKind(s string) (Kind, bool) {
	switch s {
	case "address":
		return KindAddress, true
	case "bool":
		return KindBool, true
	case "string":
		return KindString, true
	case "bytes":
		return KindBytes, true
	case "uint":
		return KindU256, true
	case "int":
		return KindI256, true
	}

	switch {
	case strings.HasPrefix(s, "bytes"):
		n, ok := atoi(s[len("bytes"):])
		if !ok || n < 1 || n > 32 {
			return KindInvalid, false
		}
		return KindBytes, true
	case strings.HasPrefix(s, "uint"):
		bits, ok := intWidth(s[len("uint"):])
		if !ok {
			return KindInvalid, false
		}
		return uintKind(bits), true
	case strings.HasPrefix(s, "int"):
		bits, ok := intWidth(s[len("int"):])
		if !ok {
			return KindInvalid, false
		}
		return intKind(bits), true
	}
	return KindInvalid, false
}

// intWidth parses the N of uintN/intN and rounds it up to a variant width.
func intWidth(s string) (int, bool) {
	n, ok := atoi(s)
	if !ok || n < 8 || n > 256 || n%8 != 0 {
		return 0, false
	}
	for _, w := range []int{8, 16, 32, 64, 128, 256} {
		if n <= w {
			return w, true
		}
	}
	return 0, false
}

func atoi(s string) (int, bool) {
	if s == "" || s[0] == '0' || s[0] == '+' || s[0] == '-' {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
