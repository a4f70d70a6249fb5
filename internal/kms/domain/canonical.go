package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CanonicalValue is the closed set of types the canonical encoder accepts.
// Anything else is a programming error and panics — canonical JSON only ever
// encodes values this package itself constructs.
type CanonicalValue = any

// CanonicalJSON serializes fields deterministically: map keys sorted
// lexicographically, strings as UTF-8 JSON strings (HTML characters not
// escaped), integers without a trailing ".0", booleans as bare true/false,
// and a nil value for an optional field causes that key to be omitted
// entirely rather than emitted as null. Two calls on equal input always
// produce byte-identical output, which is what chainHash integrity depends on.
func CanonicalJSON(fields map[string]CanonicalValue) []byte {
	var b strings.Builder
	encodeValue(&b, fields)
	return []byte(b.String())
}

func encodeValue(b *strings.Builder, v CanonicalValue) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]CanonicalValue:
		encodeObject(b, val)
	case string:
		encodeString(b, val)
	case []byte:
		encodeString(b, val)
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case []string:
		b.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, s)
		}
		b.WriteByte(']')
	case []map[string]CanonicalValue:
		b.WriteByte('[')
		for i, m := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeObject(b, m)
		}
		b.WriteByte(']')
	default:
		panic(fmt.Sprintf("canonical: unsupported value type %T", v))
	}
}

func encodeObject(b *strings.Builder, fields map[string]CanonicalValue) {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == nil {
			continue // optional fields are omitted, never emitted as null
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, k)
		b.WriteByte(':')
		encodeValue(b, fields[k])
	}
	b.WriteByte('}')
}

func encodeString[T string | []byte](b *strings.Builder, s T) {
	b.WriteByte('"')
	for _, r := range string(s) {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
