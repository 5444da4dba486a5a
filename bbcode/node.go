// Package bbcode models forum markup as an immutable tree of nodes that can be
// serialized back to live BBCode or to an escaped form that the forum renders
// verbatim.
package bbcode

import "strings"

// EscapedOpenBracket is how a literal "[" is written so the forum does not
// interpret it as the start of a tag.
const EscapedOpenBracket = "[noparse][[/noparse]"

const escapedListItem = "[noparse][*][/noparse]"

// Kind identifies the variant of a Node.
type Kind int

const (
	KindText Kind = iota
	KindElement
	KindListItem
	KindSmiley
)

func (k Kind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindListItem:
		return "list_item"
	case KindText:
		return "text"
	case KindSmiley:
		return "smiley"
	default:
		return "unknown"
	}
}

// Node is a single node of a BBCode document. The zero value is an empty
// text node. Nodes are values and are never modified after construction.
type Node struct {
	kind     Kind
	name     string
	attr     string
	hasAttr  bool
	text     string
	url      string
	children []Node
}

// Element returns a tag without an attribute, such as [b]...[/b].
func Element(name string, children ...Node) Node {
	return Node{kind: KindElement, name: name, children: cloneNodes(children)}
}

// ElementWithAttr returns a tag with a single attribute, such as [url=...]...[/url].
func ElementWithAttr(name, attr string, children ...Node) Node {
	return Node{kind: KindElement, name: name, attr: attr, hasAttr: true, children: cloneNodes(children)}
}

// ListItem returns a [*] entry of a list.
func ListItem(children ...Node) Node {
	return Node{kind: KindListItem, children: cloneNodes(children)}
}

// Text returns a literal text node.
func Text(s string) Node {
	return Node{kind: KindText, text: s}
}

// Smiley returns a smiley whose code is code and whose image lives at url.
func Smiley(code, url string) Node {
	return Node{kind: KindSmiley, text: code, url: url}
}

// Kind returns the variant of n.
func (n Node) Kind() Kind { return n.kind }

// Name is the tag name of an element, empty otherwise.
func (n Node) Name() string { return n.name }

// Attr returns the attribute of an element and whether it has one.
func (n Node) Attr() (string, bool) { return n.attr, n.hasAttr }

// Text is the literal text of a text node or the code of a smiley.
func (n Node) Text() string { return n.text }

// SmileyURL is the image URL of a smiley, empty otherwise.
func (n Node) SmileyURL() string { return n.url }

// HasChildren reports whether n is a kind that can hold children.
func (n Node) HasChildren() bool {
	return n.kind == KindElement || n.kind == KindListItem
}

// Children returns a copy of the child nodes.
func (n Node) Children() []Node { return cloneNodes(n.children) }

// String renders the live BBCode of the node.
func (n Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

// Escaped renders BBCode that the forum displays as the literal text of String.
func (n Node) Escaped() string {
	var b strings.Builder
	n.writeEscaped(&b)
	return b.String()
}

func (n Node) write(b *strings.Builder) {
	switch n.kind {
	case KindElement:
		b.WriteByte('[')
		b.WriteString(n.name)
		if n.hasAttr {
			b.WriteByte('=')
			b.WriteString(n.attr)
		}
		b.WriteByte(']')
		for _, c := range n.children {
			c.write(b)
		}
		b.WriteString("[/")
		b.WriteString(n.name)
		b.WriteByte(']')
	case KindListItem:
		b.WriteString("[*]")
		for _, c := range n.children {
			c.write(b)
		}
	default:
		b.WriteString(n.text)
	}
}

func (n Node) writeEscaped(b *strings.Builder) {
	switch n.kind {
	case KindElement:
		b.WriteString(EscapedOpenBracket)
		b.WriteString(n.name)
		if n.hasAttr {
			b.WriteByte('=')
			b.WriteString(EscapeBrackets(n.attr))
		}
		b.WriteByte(']')
		for _, c := range n.children {
			c.writeEscaped(b)
		}
		b.WriteString(EscapedOpenBracket)
		b.WriteByte('/')
		b.WriteString(n.name)
		b.WriteByte(']')
	case KindListItem:
		b.WriteString(escapedListItem)
		for _, c := range n.children {
			c.writeEscaped(b)
		}
	case KindSmiley:
		b.WriteString("[noparse]")
		b.WriteString(n.text)
		b.WriteString("[/noparse]")
	default:
		b.WriteString(EscapeBrackets(n.text))
	}
}

// EscapeBrackets replaces every "[" in s with its escaped form.
func EscapeBrackets(s string) string {
	return strings.ReplaceAll(s, "[", EscapedOpenBracket)
}

// Join concatenates the live BBCode of nodes.
func Join(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		n.write(&b)
	}
	return b.String()
}

// JoinEscaped concatenates the escaped BBCode of nodes.
func JoinEscaped(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		n.writeEscaped(&b)
	}
	return b.String()
}

// PlainText concatenates the text of all text and smiley nodes, ignoring markup.
func PlainText(nodes []Node) string {
	var b strings.Builder
	var walk func([]Node)
	walk = func(ns []Node) {
		for _, n := range ns {
			if n.HasChildren() {
				walk(n.children)
				continue
			}
			b.WriteString(n.text)
		}
	}
	walk(nodes)
	return b.String()
}

func cloneNodes(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}
