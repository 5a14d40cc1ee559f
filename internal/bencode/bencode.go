// Package bencode implements the tag encoding used by metainfo files,
// tracker responses and DHT messages: signed integers (i<digits>e), byte
// strings (<len>:<bytes>), lists (l<items>e) and dictionaries
// (d<key-value-pairs>e) with lexicographically ordered keys.
package bencode

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrResidue is returned when decode does not consume the entire buffer.
	ErrResidue = errors.New("bencode: residual bytes after value")
	// ErrUnexpectedEOF is returned on a truncated encoding.
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of input")
	// ErrInvalidInteger is returned for malformed integers (leading zeros, "-0", non-digits).
	ErrInvalidInteger = errors.New("bencode: invalid integer")
	// ErrInvalidString is returned for a malformed byte-string length prefix.
	ErrInvalidString = errors.New("bencode: invalid string length")
	// ErrInvalidDict is returned when a dictionary key is not a byte string.
	ErrInvalidDict = errors.New("bencode: dictionary key must be a string")
	// ErrUnknownTag is returned for a byte that does not start any known variant.
	ErrUnknownTag = errors.New("bencode: unknown value tag")
)

// String is the raw byte-string variant. Values decoded from the wire are
// always returned as String, never lossily transcoded to a Go string,
// so callers that need UTF-8 must convert explicitly.
type String []byte

// Int is the signed-integer variant.
type Int int64

// List is the list variant.
type List []Value

// Dict is the dictionary variant. Keys are raw byte strings.
type Dict map[string]Value

// Value is the union of the four tag-encoding variants produced by Decode
// and accepted by Encode. It is one of String, Int, List or Dict.
type Value interface{}

// Decode parses b as a single tag-encoded value. The entire buffer must be
// consumed; any residue is an error.
func Decode(b []byte) (Value, error) {
	v, n, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, ErrResidue
	}
	return v, nil
}

// DecodePrefix decodes a single value from the start of b without
// requiring the value to consume the entire buffer, returning the number
// of bytes consumed. Used by wire formats (e.g. the ut_metadata extension)
// that append raw bytes after a tag-encoded header.
func DecodePrefix(b []byte) (Value, int, error) {
	return decodeValue(b)
}

func decodeValue(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b)
	default:
		return nil, 0, ErrUnknownTag
	}
}

func decodeInt(b []byte) (Value, int, error) {
	end := indexByte(b, 'e')
	if end < 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	digits := b[1:end]
	if err := validateIntegerDigits(digits); err != nil {
		return nil, 0, err
	}
	var neg bool
	if len(digits) > 0 && digits[0] == '-' {
		neg = true
		digits = digits[1:]
	}
	var n int64
	for _, c := range digits {
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return Int(n), end + 1, nil
}

func validateIntegerDigits(digits []byte) error {
	if len(digits) == 0 {
		return ErrInvalidInteger
	}
	s := digits
	if s[0] == '-' {
		if len(s) == 1 {
			return ErrInvalidInteger
		}
		s = s[1:]
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return ErrInvalidInteger
		}
	}
	if s[0] == '0' && len(s) > 1 {
		return ErrInvalidInteger
	}
	if digits[0] == '-' && s[0] == '0' {
		// "-0" is rejected.
		return ErrInvalidInteger
	}
	return nil
}

func decodeString(b []byte) (Value, int, error) {
	colon := indexByte(b, ':')
	if colon < 0 {
		return nil, 0, ErrInvalidString
	}
	lenDigits := b[:colon]
	if len(lenDigits) == 0 {
		return nil, 0, ErrInvalidString
	}
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return nil, 0, ErrInvalidString
		}
	}
	if lenDigits[0] == '0' && len(lenDigits) > 1 {
		return nil, 0, ErrInvalidString
	}
	// A valid length can never exceed the bytes remaining in b, so cap the
	// accumulation there to avoid silently overflowing int on a maliciously
	// long digit run.
	var n int
	maxLen := len(b)
	for _, c := range lenDigits {
		d := int(c - '0')
		if n > (maxLen-d)/10 {
			return nil, 0, ErrUnexpectedEOF
		}
		n = n*10 + d
	}
	start := colon + 1
	end := start + n
	if end > len(b) || end < start {
		return nil, 0, ErrUnexpectedEOF
	}
	s := make([]byte, n)
	copy(s, b[start:end])
	return String(s), end, nil
}

func decodeList(b []byte) (Value, int, error) {
	pos := 1
	var items List
	for {
		if pos >= len(b) {
			return nil, 0, ErrUnexpectedEOF
		}
		if b[pos] == 'e' {
			return items, pos + 1, nil
		}
		v, n, err := decodeValue(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
		pos += n
	}
}

func decodeDict(b []byte) (Value, int, error) {
	pos := 1
	d := make(Dict)
	var lastKey string
	first := true
	for {
		if pos >= len(b) {
			return nil, 0, ErrUnexpectedEOF
		}
		if b[pos] == 'e' {
			return d, pos + 1, nil
		}
		kv, n, err := decodeValue(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		key, ok := kv.(String)
		if !ok {
			return nil, 0, ErrInvalidDict
		}
		pos += n
		if !first && string(key) <= lastKey {
			// Non-strict ordering from a peer is tolerated on decode;
			// encode always re-emits canonical order.
		}
		lastKey = string(key)
		first = false
		if pos >= len(b) {
			return nil, 0, ErrUnexpectedEOF
		}
		v, n2, err := decodeValue(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		d[string(key)] = v
		pos += n2
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Encode serializes v into the tag encoding. Dictionary keys are always
// emitted in lexicographic byte order.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch t := v.(type) {
	case Int:
		return appendInt(buf, int64(t))
	case int:
		return appendInt(buf, int64(t))
	case int64:
		return appendInt(buf, t)
	case String:
		return appendString(buf, []byte(t))
	case []byte:
		return appendString(buf, t)
	case string:
		return appendString(buf, []byte(t))
	case List:
		buf = append(buf, 'l')
		for _, item := range t {
			buf = appendValue(buf, item)
		}
		return append(buf, 'e')
	case Dict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendString(buf, []byte(k))
			buf = appendValue(buf, t[k])
		}
		return append(buf, 'e')
	default:
		panic(fmt.Sprintf("bencode: unsupported type %T", v))
	}
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, 'i')
	buf = append(buf, []byte(fmt.Sprintf("%d", n))...)
	return append(buf, 'e')
}

func appendString(buf []byte, s []byte) []byte {
	buf = append(buf, []byte(fmt.Sprintf("%d:", len(s)))...)
	return append(buf, s...)
}
