package bbcode

import (
	"regexp"
	"strings"
)

var noparseRegex = regexp.MustCompile(`(?s)\[noparse\](.*?)\[/noparse\]`)

// ExpungeNoparse unwraps one level of [noparse] blocks.
func ExpungeNoparse(s string) string {
	return noparseRegex.ReplaceAllString(s, "$1")
}

// ExpungeNoparseFully unwraps [noparse] blocks until nothing changes.
func ExpungeNoparseFully(s string) string {
	for {
		next := ExpungeNoparse(s)
		if next == s {
			return s
		}
		s = next
	}
}

// JoinAdjacentText merges runs of consecutive text nodes into one node and
// drops text nodes that end up empty. Smileys are left alone.
func JoinAdjacentText(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	var pending strings.Builder

	flush := func() {
		if pending.Len() > 0 {
			out = append(out, Text(pending.String()))
			pending.Reset()
		}
	}

	for _, n := range nodes {
		if n.kind == KindText {
			pending.WriteString(n.text)
			continue
		}
		flush()
		out = append(out, n)
	}
	flush()
	return out
}

// Intercalate splits s on the matches of re. Unmatched stretches become text
// nodes and every match becomes a tag element wrapping the matched text.
func Intercalate(re *regexp.Regexp, s, tag string) []Node {
	var out []Node
	last := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out = append(out, Text(s[last:loc[0]]))
		}
		out = append(out, Element(tag, Text(s[loc[0]:loc[1]])))
		last = loc[1]
	}
	if last < len(s) {
		out = append(out, Text(s[last:]))
	}
	return out
}
