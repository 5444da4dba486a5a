package bbcode

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpungeNoparse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"single", "[noparse][b][/noparse]", "[b]"},
		{"non-greedy", "[noparse]a[/noparse]x[noparse]b[/noparse]", "axb"},
		{"multiline", "[noparse]a\nb[/noparse]", "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpungeNoparse(tt.in))
		})
	}
}

func TestEscapedRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  string
	}{
		{
			name:  "brackets",
			nodes: []Node{Text("a[b[[c")},
			want:  "a[b[[c",
		},
		{
			name:  "smileys and brackets",
			nodes: []Node{Text("["), Smiley(":)", "s.png"), Text("x["), Smiley(";)", "w.png")},
			want:  "[:)x[;)",
		},
		{
			name:  "only a bracket",
			nodes: []Node{Text("[")},
			want:  "[",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := JoinEscaped(tt.nodes)
			assert.Equal(t, tt.want, ExpungeNoparseFully(escaped))
			assert.Equal(t, Join(tt.nodes), ExpungeNoparseFully(escaped))
		})
	}
}

func TestJoinAdjacentText(t *testing.T) {
	smiley := Smiley(":)", "s.png")
	bold := Element("b", Text("x"))

	tests := []struct {
		name string
		in   []Node
		want []Node
	}{
		{
			name: "merges runs",
			in:   []Node{Text("a"), Text("b"), bold, Text("c"), Text(""), Text("d")},
			want: []Node{Text("ab"), bold, Text("cd")},
		},
		{
			name: "drops empty text",
			in:   []Node{Text(""), bold, Text("")},
			want: []Node{bold},
		},
		{
			name: "keeps smileys distinct",
			in:   []Node{Text("a"), smiley, Text("b")},
			want: []Node{Text("a"), smiley, Text("b")},
		},
		{
			name: "empty input",
			in:   nil,
			want: []Node{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JoinAdjacentText(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, JoinAdjacentText(got), "joining twice must not change anything")
		})
	}
}

func TestIntercalate(t *testing.T) {
	re := regexp.MustCompile(`\[+|:\)`)

	got := Intercalate(re, "a[[b:)c", "noparse")
	want := []Node{
		Text("a"),
		Element("noparse", Text("[[")),
		Text("b"),
		Element("noparse", Text(":)")),
		Text("c"),
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "a[noparse][[[/noparse]b[noparse]:)[/noparse]c", Join(got))

	assert.Empty(t, Intercalate(re, "", "noparse"))
	assert.Equal(t, []Node{Element("noparse", Text("["))}, Intercalate(re, "[", "noparse"))
}
