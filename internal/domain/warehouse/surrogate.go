package warehouse

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// DeriveKey returns the surrogate key of an attribute set: the hex MD5 of its
// canonical serialization. Equal attribute sets produce equal keys regardless
// of map iteration order.
//
// The serialization reproduces the text the original Python loader produced
// (json.dumps of the key-sorted dict with default=str), so keys derived here
// match rows already present in a warehouse it populated.
func DeriveKey(attrs Attributes) string {
	sum := md5.Sum([]byte(Canonical(attrs)))
	return hex.EncodeToString(sum[:])
}

// Canonical serializes attrs with keys in ascending order.
func Canonical(attrs Attributes) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(&b, k)
		b.WriteString(": ")
		writeValue(&b, attrs[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case string:
		writeString(b, x)
	case int:
		b.WriteString(strconv.Itoa(x))
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case float32:
		b.WriteString(formatFloat(float64(x)))
	case float64:
		b.WriteString(formatFloat(x))
	case time.Time:
		writeString(b, formatDateTime(x))
	case fmt.Stringer:
		writeString(b, x.String())
	default:
		writeString(b, fmt.Sprint(x))
	}
}

// formatFloat renders the shortest round-trip representation, switching to
// exponent notation outside [1e-4, 1e16) and keeping a ".0" on integral values.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if f != 0 {
		e := strconv.FormatFloat(f, 'e', -1, 64)
		i := strings.IndexByte(e, 'e')
		if exp, err := strconv.Atoi(e[i+1:]); err == nil && (exp < -4 || exp >= 16) {
			return e
		}
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func formatDateTime(t time.Time) string {
	if ns := t.Nanosecond(); ns != 0 {
		return t.Format("2006-01-02 15:04:05") + fmt.Sprintf(".%06d", ns/1000)
	}
	return t.Format("2006-01-02 15:04:05")
}

// writeString writes s as an ASCII-only JSON string literal.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
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
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				b.WriteRune(r)
			case r > 0xffff:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}
