// Package urlenc implements the percent-encoding used by the forum, which
// predates UTF-8 and encodes form values in the board's legacy charset.
package urlenc

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultCharset is the charset vBulletin boards ship with.
var DefaultCharset encoding.Encoding = charmap.Windows1252

// Charset resolves a charset label such as "windows-1252" or "utf-8".
// An empty name yields DefaultCharset.
func Charset(name string) (encoding.Encoding, error) {
	if name == "" {
		return DefaultCharset, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("resolve charset %q: %w", name, err)
	}
	return enc, nil
}

func isSafe(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}

// Encode percent-encodes s as bytes of enc. Code points enc cannot represent
// are sent as an encoded HTML numeric entity (%26%23NNN%3B). A nil enc means
// UTF-8.
func Encode(s string, enc encoding.Encoding, spaceAsPlus bool) string {
	var b strings.Builder
	var encoder *encoding.Encoder
	if enc != nil {
		encoder = enc.NewEncoder()
	}

	for _, r := range s {
		if isSafe(r) {
			b.WriteRune(r)
			continue
		}
		if spaceAsPlus && r == ' ' {
			b.WriteByte('+')
			continue
		}

		raw := string(r)
		if encoder != nil {
			out, err := encoder.String(raw)
			if err != nil {
				fmt.Fprintf(&b, "%%26%%23%d%%3B", r)
				continue
			}
			raw = out
		}
		for i := 0; i < len(raw); i++ {
			fmt.Fprintf(&b, "%%%02X", raw[i])
		}
	}
	return b.String()
}

// AjaxEncode escapes s the way the forum's AJAX endpoint expects: ASCII as
// %XX and everything else as %uXXXX UTF-16 code units.
func AjaxEncode(s string) string {
	var b strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case isSafe(rune(u)):
			b.WriteRune(rune(u))
		case u <= 0x7f:
			fmt.Fprintf(&b, "%%%02X", u)
		default:
			fmt.Fprintf(&b, "%%u%04X", u)
		}
	}
	return b.String()
}

// Decode reverses Encode. Malformed escapes are kept verbatim. A nil enc
// means UTF-8.
func Decode(data []byte, enc encoding.Encoding, plusIsSpace bool) string {
	raw := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '+' && plusIsSpace:
			raw = append(raw, ' ')
		case c == '%' && i+2 < len(data) && isHex(data[i+1]) && isHex(data[i+2]):
			raw = append(raw, unhex(data[i+1])<<4|unhex(data[i+2]))
			i += 2
		default:
			raw = append(raw, c)
		}
	}

	if enc == nil {
		return string(raw)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// DecodeString is Decode for string input.
func DecodeString(s string, enc encoding.Encoding, plusIsSpace bool) string {
	return Decode([]byte(s), enc, plusIsSpace)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// Field is one key/value pair of a form body.
type Field struct {
	Key   string
	Value string
}

// Form is a form body whose fields are sent in order.
type Form []Field

// Encode renders the form as application/x-www-form-urlencoded in enc.
func (f Form) Encode(enc encoding.Encoding) string {
	parts := make([]string, 0, len(f))
	for _, field := range f {
		parts = append(parts, Encode(field.Key, enc, false)+"="+Encode(field.Value, enc, false))
	}
	return strings.Join(parts, "&")
}
