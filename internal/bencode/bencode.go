// Package bencode implements the self-delimiting bencode container format
// used by torrent metainfo files and tracker responses: byte strings,
// signed integers, lists, and dictionaries.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrMalformedInput is returned for any bencode value that does not follow
// the grammar: an unexpected tag byte, a non-numeric length prefix,
// truncated input, or a dictionary whose keys are not strictly ordered and
// unique.
var ErrMalformedInput = errors.New("bencode: malformed input")

// Dict is a bencoded dictionary. It is a plain map and does not keep the
// order in which keys were decoded; Encode writes keys in sorted byte
// order.
type Dict map[string]interface{}

// List is a bencoded list. Elements are one of int64, []byte, List, or Dict.
type List []interface{}

// Decode reads a single bencode value starting at b[0] and returns the
// decoded value along with the number of bytes consumed. The returned value
// is one of int64, []byte, List, or Dict.
func Decode(b []byte) (interface{}, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrMalformedInput)
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
		return nil, 0, fmt.Errorf("%w: unexpected tag %q", ErrMalformedInput, b[0])
	}
}

func decodeInt(b []byte) (interface{}, int, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return nil, 0, fmt.Errorf("%w: unterminated integer", ErrMalformedInput)
	}
	digits := string(b[1:end])
	if digits == "" || digits == "-" || (len(digits) > 1 && digits[0] == '0') ||
		(len(digits) > 2 && digits[0] == '-' && digits[1] == '0') {
		return nil, 0, fmt.Errorf("%w: bad integer literal %q", ErrMalformedInput, digits)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return n, end + 1, nil
}

func decodeString(b []byte) (interface{}, int, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return nil, 0, fmt.Errorf("%w: missing length separator", ErrMalformedInput)
	}
	length, err := strconv.Atoi(string(b[:colon]))
	if err != nil || length < 0 {
		return nil, 0, fmt.Errorf("%w: bad string length", ErrMalformedInput)
	}
	start := colon + 1
	end := start + length
	if end > len(b) {
		return nil, 0, fmt.Errorf("%w: truncated byte string", ErrMalformedInput)
	}
	out := make([]byte, length)
	copy(out, b[start:end])
	return out, end, nil
}

func decodeList(b []byte) (interface{}, int, error) {
	list := make(List, 0)
	pos := 1
	for {
		if pos >= len(b) {
			return nil, 0, fmt.Errorf("%w: unterminated list", ErrMalformedInput)
		}
		if b[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, n, err := Decode(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		list = append(list, v)
		pos += n
	}
}

func decodeDict(b []byte) (interface{}, int, error) {
	dict := make(Dict)
	pos := 1
	var lastKey string
	haveKey := false
	for {
		if pos >= len(b) {
			return nil, 0, fmt.Errorf("%w: unterminated dictionary", ErrMalformedInput)
		}
		if b[pos] == 'e' {
			return dict, pos + 1, nil
		}
		keyVal, n, err := decodeString(b[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("%w: dictionary key must be a byte string", ErrMalformedInput)
		}
		key := string(keyVal.([]byte))
		if haveKey && bytes.Compare([]byte(key), []byte(lastKey)) <= 0 {
			return nil, 0, fmt.Errorf("%w: dictionary keys not strictly ordered (%q after %q)", ErrMalformedInput, key, lastKey)
		}
		lastKey = key
		haveKey = true
		pos += n

		v, n, err := Decode(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		dict[key] = v
		pos += n
	}
}

// Encode produces the canonical bencode form of v: dictionary keys sorted
// by raw byte comparison, integers in minimal decimal form, and byte
// strings length-prefixed verbatim.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(val, 10))
		buf.WriteByte('e')
	case int:
		return encodeInto(buf, int64(val))
	case []byte:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case string:
		return encodeInto(buf, []byte(val))
	case List:
		buf.WriteByte('l')
		for _, item := range val {
			if err := encodeInto(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case []interface{}:
		return encodeInto(buf, List(val))
	case Dict:
		return encodeDict(buf, val)
	case map[string]interface{}:
		return encodeDict(buf, Dict(val))
	default:
		return fmt.Errorf("bencode: unsupported value of type %T", v)
	}
	return nil
}

// RawValue scans a top-level bencoded dictionary in doc and returns the
// exact source bytes of the value associated with key, without
// re-interpreting or re-encoding them. Metainfo uses this to hash the
// original "info" sub-dictionary bytes rather than a round-tripped
// re-encoding, so the infohash is stable even if this package's Encode
// ever diverges from another bencode implementation's canonical form.
func RawValue(doc []byte, key string) ([]byte, bool, error) {
	if len(doc) == 0 || doc[0] != 'd' {
		return nil, false, fmt.Errorf("%w: not a dictionary", ErrMalformedInput)
	}
	pos := 1
	for {
		if pos >= len(doc) {
			return nil, false, fmt.Errorf("%w: unterminated dictionary", ErrMalformedInput)
		}
		if doc[pos] == 'e' {
			return nil, false, nil
		}
		keyVal, n, err := decodeString(doc[pos:])
		if err != nil {
			return nil, false, fmt.Errorf("%w: dictionary key must be a byte string", ErrMalformedInput)
		}
		pos += n
		valueStart := pos
		_, n, err = Decode(doc[pos:])
		if err != nil {
			return nil, false, err
		}
		pos += n
		if string(keyVal.([]byte)) == key {
			out := make([]byte, pos-valueStart)
			copy(out, doc[valueStart:pos])
			return out, true, nil
		}
	}
}

func encodeDict(buf *bytes.Buffer, d Dict) error {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	buf.WriteByte('d')
	for _, k := range keys {
		if err := encodeInto(buf, []byte(k)); err != nil {
			return err
		}
		if err := encodeInto(buf, d[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}
