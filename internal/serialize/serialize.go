// Package serialize implements the length-prefixed recursive serialization
// format used for structured column values, and a substitution engine that
// rewrites string leaves without corrupting the containers around them.
//
// The format encodes scalars with explicit type tags (null, bool, int,
// float, byte-length-prefixed string) and containers with explicit counts
// (element count for arrays, property count for objects). Any mutation must
// re-encode from scratch: a stale length or count corrupts every downstream
// reader of the value.
package serialize

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the value types of the serialization format.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is one node of a decoded value tree.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	// Raw holds the original float token so an untouched value re-encodes
	// byte-identically regardless of formatting precision.
	Raw     string
	Str     string
	Class   string
	Entries []Entry
}

// Entry is one key/value pair of an array or object. Keys are int or
// string values.
type Entry struct {
	Key *Value
	Val *Value
}

// NewString builds a string value.
func NewString(s string) *Value { return &Value{Kind: KindString, Str: s} }

// NewInt builds an int value.
func NewInt(i int64) *Value { return &Value{Kind: KindInt, Int: i} }

// IsSerialized reports whether s is syntactically a serialized value:
// a one-letter type tag followed by ':' (or the bare null token), ending
// with ';' or '}'. It is a cheap detector, not a validator; decode failure
// after a positive detection is expected for pathological inputs.
func IsSerialized(s string) bool {
	if len(s) < 2 {
		return false
	}
	if s == "N;" {
		return true
	}
	switch s[0] {
	case 'b', 'i', 'd', 's', 'a', 'O':
	default:
		return false
	}
	if s[1] != ':' {
		return false
	}
	last := s[len(s)-1]
	return last == ';' || last == '}'
}

// Decode parses a serialized string into a value tree. The full input must
// be consumed; trailing bytes are an error.
func Decode(s string) (*Value, error) {
	d := &decoder{src: s}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(s) {
		return nil, fmt.Errorf("trailing bytes at offset %d", d.pos)
	}
	return v, nil
}

type decoder struct {
	src string
	pos int
}

func (d *decoder) errf(format string, args ...interface{}) error {
	return fmt.Errorf("offset %d: %s", d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) expect(c byte) error {
	if d.pos >= len(d.src) || d.src[d.pos] != c {
		return d.errf("expected %q", string(c))
	}
	d.pos++
	return nil
}

// number reads the decimal token up to the next occurrence of stop.
func (d *decoder) number(stop byte) (string, error) {
	end := strings.IndexByte(d.src[d.pos:], stop)
	if end < 0 {
		return "", d.errf("unterminated number token")
	}
	tok := d.src[d.pos : d.pos+end]
	if tok == "" {
		return "", d.errf("empty number token")
	}
	d.pos += end + 1
	return tok, nil
}

func (d *decoder) value() (*Value, error) {
	if d.pos >= len(d.src) {
		return nil, d.errf("unexpected end of input")
	}
	tag := d.src[d.pos]
	d.pos++

	if tag == 'N' {
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return &Value{Kind: KindNull}, nil
	}

	if err := d.expect(':'); err != nil {
		return nil, err
	}

	switch tag {
	case 'b':
		tok, err := d.number(';')
		if err != nil {
			return nil, err
		}
		switch tok {
		case "0":
			return &Value{Kind: KindBool, Bool: false}, nil
		case "1":
			return &Value{Kind: KindBool, Bool: true}, nil
		}
		return nil, d.errf("invalid bool token %q", tok)

	case 'i':
		tok, err := d.number(';')
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, d.errf("invalid int token %q", tok)
		}
		return &Value{Kind: KindInt, Int: n}, nil

	case 'd':
		tok, err := d.number(';')
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, d.errf("invalid float token %q", tok)
		}
		return &Value{Kind: KindFloat, Float: f, Raw: tok}, nil

	case 's':
		str, err := d.lengthPrefixedString()
		if err != nil {
			return nil, err
		}
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return &Value{Kind: KindString, Str: str}, nil

	case 'a':
		count, err := d.count()
		if err != nil {
			return nil, err
		}
		entries, err := d.entries(count)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindArray, Entries: entries}, nil

	case 'O':
		class, err := d.lengthPrefixedString()
		if err != nil {
			return nil, err
		}
		if err := d.expect(':'); err != nil {
			return nil, err
		}
		count, err := d.count()
		if err != nil {
			return nil, err
		}
		entries, err := d.entries(count)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindObject, Class: class, Entries: entries}, nil
	}

	d.pos -= 2
	return nil, d.errf("unknown type tag %q", string(tag))
}

// lengthPrefixedString parses LEN:"exactly LEN bytes".
func (d *decoder) lengthPrefixedString() (string, error) {
	tok, err := d.number(':')
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return "", d.errf("invalid string length %q", tok)
	}
	if err := d.expect('"'); err != nil {
		return "", err
	}
	if d.pos+n > len(d.src) {
		return "", d.errf("string length %d exceeds input", n)
	}
	str := d.src[d.pos : d.pos+n]
	d.pos += n
	if err := d.expect('"'); err != nil {
		return "", err
	}
	return str, nil
}

func (d *decoder) count() (int, error) {
	tok, err := d.number(':')
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, d.errf("invalid count %q", tok)
	}
	return n, nil
}

func (d *decoder) entries(count int) ([]Entry, error) {
	if err := d.expect('{'); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		key, err := d.value()
		if err != nil {
			return nil, err
		}
		if key.Kind != KindInt && key.Kind != KindString {
			return nil, d.errf("container key must be int or string")
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Val: val})
	}
	if err := d.expect('}'); err != nil {
		return nil, err
	}
	return entries, nil
}

// Encode re-encodes a value tree from scratch, recomputing every byte
// length and element count.
func Encode(v *Value) string {
	var b strings.Builder
	encode(&b, v)
	return b.String()
}

func encode(b *strings.Builder, v *Value) {
	switch v.Kind {
	case KindNull:
		b.WriteString("N;")
	case KindBool:
		if v.Bool {
			b.WriteString("b:1;")
		} else {
			b.WriteString("b:0;")
		}
	case KindInt:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(v.Int, 10))
		b.WriteByte(';')
	case KindFloat:
		b.WriteString("d:")
		if v.Raw != "" {
			b.WriteString(v.Raw)
		} else {
			b.WriteString(strconv.FormatFloat(v.Float, 'G', -1, 64))
		}
		b.WriteByte(';')
	case KindString:
		b.WriteString("s:")
		b.WriteString(strconv.Itoa(len(v.Str)))
		b.WriteString(`:"`)
		b.WriteString(v.Str)
		b.WriteString(`";`)
	case KindArray:
		b.WriteString("a:")
		b.WriteString(strconv.Itoa(len(v.Entries)))
		b.WriteString(":{")
		for _, e := range v.Entries {
			encode(b, e.Key)
			encode(b, e.Val)
		}
		b.WriteByte('}')
	case KindObject:
		b.WriteString("O:")
		b.WriteString(strconv.Itoa(len(v.Class)))
		b.WriteString(`:"`)
		b.WriteString(v.Class)
		b.WriteString(`":`)
		b.WriteString(strconv.Itoa(len(v.Entries)))
		b.WriteString(":{")
		for _, e := range v.Entries {
			encode(b, e.Key)
			encode(b, e.Val)
		}
		b.WriteByte('}')
	}
}

// Equal compares two value trees structurally. Float values compare by
// numeric value, not raw token.
func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindArray, KindObject:
		if a.Class != b.Class || len(a.Entries) != len(b.Entries) {
			return false
		}
		for i := range a.Entries {
			if !Equal(a.Entries[i].Key, b.Entries[i].Key) || !Equal(a.Entries[i].Val, b.Entries[i].Val) {
				return false
			}
		}
		return true
	}
	return false
}
