// Package chatbox contains the domain types shared by the poller, the
// dispatcher and message handlers.
package chatbox

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"vbcb-bot/bbcode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Decompiler turns the children of an HTML node into BBCode nodes.
type Decompiler interface {
	Decompile(n *html.Node) []bbcode.Node
}

// Message is one chatbox entry. Its derived views are computed on first use
// and cached for the lifetime of the message.
type Message struct {
	ID        int64
	UserID    int64
	Timestamp time.Time

	userNameNode *html.Node
	bodyNode     *html.Node

	userName       func() string
	body           func() string
	bodyHTML       func() string
	userNameDOM    func() []bbcode.Node
	bodyDOM        func() []bbcode.Node
	userNameBBCode func() string
	bodyBBCode     func() string
}

// NewMessage wraps scraped nodes into a message. The nodes must not be
// modified afterwards. A nil decompiler makes the BBCode views plain text.
func NewMessage(id, userID int64, userName, body *html.Node, timestamp time.Time, d Decompiler) *Message {
	m := &Message{
		ID:           id,
		UserID:       userID,
		Timestamp:    timestamp,
		userNameNode: userName,
		bodyNode:     body,
	}

	m.userName = sync.OnceValue(func() string { return nodeText(m.userNameNode) })
	m.body = sync.OnceValue(func() string { return nodeText(m.bodyNode) })
	m.bodyHTML = sync.OnceValue(func() string { return InnerHTML(m.bodyNode) })
	m.userNameDOM = sync.OnceValue(func() []bbcode.Node { return decompile(d, m.userNameNode, m.userName) })
	m.bodyDOM = sync.OnceValue(func() []bbcode.Node { return decompile(d, m.bodyNode, m.body) })
	m.userNameBBCode = sync.OnceValue(func() string { return bbcode.Join(m.userNameDOM()) })
	m.bodyBBCode = sync.OnceValue(func() string { return bbcode.Join(m.bodyDOM()) })
	return m
}

// UserName is the author's nickname as plain text.
func (m *Message) UserName() string { return m.userName() }

// Body is the message text with all markup stripped.
func (m *Message) Body() string { return m.body() }

// BodyHTML is the raw HTML of the body as served by the forum.
func (m *Message) BodyHTML() string { return m.bodyHTML() }

// UserNameDOM is the decompiled nickname.
func (m *Message) UserNameDOM() []bbcode.Node { return cloneNodes(m.userNameDOM()) }

// BodyDOM is the decompiled body.
func (m *Message) BodyDOM() []bbcode.Node { return cloneNodes(m.bodyDOM()) }

// UserNameBBCode is the nickname rendered as BBCode.
func (m *Message) UserNameBBCode() string { return m.userNameBBCode() }

// BodyBBCode is the body rendered as BBCode.
func (m *Message) BodyBBCode() string { return m.bodyBBCode() }

// UserNameNode returns the HTML node holding the nickname.
func (m *Message) UserNameNode() *html.Node { return m.userNameNode }

// BodyNode returns the HTML node holding the body.
func (m *Message) BodyNode() *html.Node { return m.bodyNode }

// Distribution is a message together with how the poller classified it.
type Distribution struct {
	Message        *Message
	IsInitialSalvo bool
	IsEdited       bool
	IsBanned       bool
}

// UserIDAndNickname is a resolved forum user.
type UserIDAndNickname struct {
	UserID   int64
	Nickname string
}

// ParseFragment parses an HTML snippet and returns a detached <div> holding
// the parsed nodes.
func ParseFragment(s string) (*html.Node, error) {
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(s), parent)
	if err != nil {
		return nil, fmt.Errorf("parse html fragment: %w", err)
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// InnerHTML renders the children of n.
func InnerHTML(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return b.String()
		}
	}
	return b.String()
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(goquery.NewDocumentFromNode(n).Text())
}

func decompile(d Decompiler, n *html.Node, plain func() string) []bbcode.Node {
	if n == nil {
		return nil
	}
	if d == nil {
		if text := plain(); text != "" {
			return []bbcode.Node{bbcode.Text(text)}
		}
		return nil
	}
	return d.Decompile(n)
}

func cloneNodes(nodes []bbcode.Node) []bbcode.Node {
	if nodes == nil {
		return nil
	}
	out := make([]bbcode.Node, len(nodes))
	copy(out, nodes)
	return out
}
