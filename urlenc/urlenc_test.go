package urlenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		spaceAsPlus bool
		want        string
	}{
		{"safe characters", "Abc-_.09", false, "Abc-_.09"},
		{"space as escape", "a b", false, "a%20b"},
		{"space as plus", "a b", true, "a+b"},
		{"reserved", "a&b=c[d]", false, "a%26b%3Dc%5Bd%5D"},
		{"latin-1 letter", "é", false, "%E9"},
		{"euro sign", "€", false, "%80"},
		{"unrepresentable", "日", false, "%26%2326085%3B"},
		{"astral", "😀", false, "%26%23128512%3B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.in, charmap.Windows1252, tt.spaceAsPlus))
		})
	}
}

func TestEncodeUTF8(t *testing.T) {
	assert.Equal(t, "%C3%A9%E6%97%A5", Encode("é日", unicode.UTF8, false))
	assert.Equal(t, "%C3%A9", Encode("é", nil, false))
}

func TestAjaxEncode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "ab c", "ab%20c"},
		{"latin", "é", "%u00E9"},
		{"surrogates", "😀", "%uD83D%uDE00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AjaxEncode(tt.in))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		unplussed string
		plussed   string
	}{
		{"empty", "", "", ""},
		{"short", "abc", "abc", "abc"},
		{"pluses", "one+two+three", "one+two+three", "one two three"},
		{"escapes", "a%20b%2Bc", "a b+c", "a b+c"},
		{"malformed escape", "100%zz", "100%zz", "100%zz"},
		{"truncated escape", "a%2", "a%2", "a%2"},
		{"trailing percent", "a%", "a%", "a%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unplussed, DecodeString(tt.in, unicode.UTF8, false))
			assert.Equal(t, tt.plussed, DecodeString(tt.in, unicode.UTF8, true))
		})
	}
}

func TestDecodeLegacyCharset(t *testing.T) {
	assert.Equal(t, "é€", DecodeString("%E9%80", charmap.Windows1252, false))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, s := range []string{"hello world", "[b]é[/b]", "a&b=c"} {
		assert.Equal(t, s, DecodeString(Encode(s, charmap.Windows1252, false), charmap.Windows1252, false))
	}
}

func TestFormEncode(t *testing.T) {
	form := Form{
		{Key: "do", Value: "cb_postnew"},
		{Key: "securitytoken", Value: "123-abc"},
		{Key: "vsacb_newmessage", Value: "hi there"},
	}
	assert.Equal(t, "do=cb_postnew&securitytoken=123-abc&vsacb_newmessage=hi%20there", form.Encode(charmap.Windows1252))
}

func TestCharset(t *testing.T) {
	enc, err := Charset("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCharset, enc)

	enc, err = Charset("windows-1252")
	require.NoError(t, err)
	assert.Equal(t, "%E9", Encode("é", enc, false))

	_, err = Charset("no-such-charset")
	assert.Error(t, err)
}
