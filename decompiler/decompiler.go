// Package decompiler converts the HTML the forum renders for chat messages
// back into BBCode.
package decompiler

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"vbcb-bot/bbcode"
	"vbcb-bot/pkg/chatbox"
	"vbcb-bot/urlenc"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	youtubeEmbedRegex = regexp.MustCompile(`^(?:https?:)?//www\.youtube(?:-nocookie)?\.com/embed/([A-Za-z0-9_-]+)`)
	quotePostRegex    = regexp.MustCompile(`showthread\.php\?p=(\d+)#`)
)

// SmileySource provides the smiley table current at the time of the call.
type SmileySource interface {
	Smilies() *bbcode.Smilies
}

type fixedSmilies struct{ table *bbcode.Smilies }

func (f fixedSmilies) Smilies() *bbcode.Smilies { return f.table }

// Fixed returns a SmileySource that always yields table.
func Fixed(table *bbcode.Smilies) SmileySource {
	return fixedSmilies{table: table}
}

// Decompiler converts HTML nodes into BBCode nodes.
type Decompiler struct {
	smilies   SmileySource
	texPrefix string
	logger    *slog.Logger
}

// New creates a decompiler. Images whose URL starts with texPrefix are
// treated as rendered formulas; an empty prefix disables that.
func New(smilies SmileySource, texPrefix string, logger *slog.Logger) *Decompiler {
	if smilies == nil {
		smilies = Fixed(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decompiler{
		smilies:   smilies,
		texPrefix: texPrefix,
		logger:    logger,
	}
}

// Decompile converts the children of n. Leading and trailing whitespace of
// the whole result is trimmed. No two text nodes are adjacent in the result,
// but a smiley node may sit right next to a text node since smileys keep
// their image URL.
func (d *Decompiler) Decompile(n *html.Node) []bbcode.Node {
	if n == nil {
		return nil
	}
	table := d.smilies.Smilies()
	nodes := d.children(goquery.NewDocumentFromNode(n).Selection, table)
	return trimEdges(nodes)
}

// DecompileFragment parses an HTML snippet and decompiles it.
func (d *Decompiler) DecompileFragment(s string) ([]bbcode.Node, error) {
	root, err := chatbox.ParseFragment(s)
	if err != nil {
		return nil, fmt.Errorf("decompile fragment: %w", err)
	}
	return d.Decompile(root), nil
}

func (d *Decompiler) children(sel *goquery.Selection, table *bbcode.Smilies) []bbcode.Node {
	var out []bbcode.Node
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		out = append(out, d.node(c, table)...)
	})
	return bbcode.JoinAdjacentText(out)
}

func (d *Decompiler) node(c *goquery.Selection, table *bbcode.Smilies) []bbcode.Node {
	n := c.Get(0)
	switch n.Type {
	case html.TextNode:
		return bbcode.Intercalate(table.Pattern(), n.Data, "noparse")
	case html.ElementNode:
		return d.element(c, n, table)
	default:
		return nil
	}
}

func (d *Decompiler) element(c *goquery.Selection, n *html.Node, table *bbcode.Smilies) []bbcode.Node {
	name := strings.ToLower(n.Data)
	kids := func() []bbcode.Node { return d.children(c, table) }

	switch name {
	case "b", "strong":
		return one(bbcode.Element("b", kids()...))
	case "i", "em":
		return one(bbcode.Element("i", kids()...))
	case "u":
		return one(bbcode.Element("u", kids()...))
	case "s", "strike", "del":
		return one(bbcode.Element("strike", kids()...))
	case "sub":
		return one(bbcode.Element("t", kids()...))
	case "sup":
		return one(bbcode.Element("h", kids()...))
	case "br":
		return one(bbcode.Text("\n"))
	case "img":
		src, ok := c.Attr("src")
		if !ok {
			d.logger.Warn("Image without source, skipping")
			return nil
		}
		return one(d.image(src, table))
	case "a":
		return d.anchor(c, table, kids)
	case "font":
		if color, ok := c.Attr("color"); ok {
			return one(bbcode.ElementWithAttr("color", color, kids()...))
		}
		d.logger.Warn("Font element without color, keeping contents")
		return kids()
	case "span":
		return d.span(c, kids)
	case "div":
		return d.div(c, table, kids)
	case "ul":
		return one(bbcode.Element("list", kids()...))
	case "ol":
		if c.HasClass("decimal") || strings.Contains(c.AttrOr("style", ""), "decimal") {
			return one(bbcode.ElementWithAttr("list", "1", kids()...))
		}
		return one(bbcode.Element("list", kids()...))
	case "li":
		if _, styled := c.Attr("style"); styled {
			d.logger.Warn("Styled list item, keeping contents", "style", c.AttrOr("style", ""))
			return kids()
		}
		return one(bbcode.ListItem(kids()...))
	case "iframe":
		if m := youtubeEmbedRegex.FindStringSubmatch(c.AttrOr("src", "")); m != nil {
			return one(bbcode.ElementWithAttr("video", "youtube;"+m[1],
				bbcode.Text("https://www.youtube.com/watch?v="+m[1])))
		}
		d.logger.Warn("Unknown embedded frame, skipping", "src", c.AttrOr("src", ""))
		return nil
	default:
		d.logger.Warn("Unknown HTML element, skipping", "tag", name)
		return nil
	}
}

func (d *Decompiler) image(src string, table *bbcode.Smilies) bbcode.Node {
	if code, ok := table.Code(src); ok {
		return bbcode.Smiley(code, src)
	}
	if d.texPrefix != "" && strings.HasPrefix(src, d.texPrefix) {
		formula := urlenc.DecodeString(strings.TrimPrefix(src, d.texPrefix), nil, false)
		return bbcode.Element("tex", bbcode.Text(formula))
	}
	return bbcode.Element("icon", bbcode.Text(src))
}

func (d *Decompiler) anchor(c *goquery.Selection, table *bbcode.Smilies, kids func() []bbcode.Node) []bbcode.Node {
	href, ok := c.Attr("href")
	if !ok {
		d.logger.Warn("Anchor without target, keeping contents")
		return kids()
	}

	if addr, ok := strings.CutPrefix(href, "mailto:"); ok {
		return one(bbcode.ElementWithAttr("email", addr, kids()...))
	}

	// The forum links inline images to themselves.
	if contents := c.Contents(); contents.Length() == 1 && goquery.NodeName(contents) == "img" {
		if src, _ := contents.Attr("src"); src == href {
			return one(d.image(src, table))
		}
	}

	return one(bbcode.ElementWithAttr("url", href, kids()...))
}

func (d *Decompiler) span(c *goquery.Selection, kids func() []bbcode.Node) []bbcode.Node {
	style := parseStyle(c.AttrOr("style", ""))

	switch {
	case style["unicode-bidi"] == "bidi-override" && style["direction"] == "rtl":
		return one(bbcode.Element("flip", kids()...))
	case style["font-family"] != "":
		family := strings.Trim(style["font-family"], `'" `)
		return one(bbcode.ElementWithAttr("font", family, kids()...))
	case style["background-color"] != "":
		return one(bbcode.Element("highlight", kids()...))
	case c.HasClass("irony"):
		return one(bbcode.Element("irony", kids()...))
	case c.HasClass("highlight"):
		return one(bbcode.Element("highlight", kids()...))
	case c.HasClass("spoiler"):
		return one(bbcode.Element("spoiler", kids()...))
	}

	d.logger.Warn("Unknown span styling, keeping contents",
		"style", c.AttrOr("style", ""),
		"class", c.AttrOr("class", ""))
	return kids()
}

func (d *Decompiler) div(c *goquery.Selection, table *bbcode.Smilies, kids func() []bbcode.Node) []bbcode.Node {
	style := parseStyle(c.AttrOr("style", ""))

	switch {
	case style["margin-left"] != "":
		return one(bbcode.Element("indent", kids()...))
	case style["text-align"] == "left", style["text-align"] == "center", style["text-align"] == "right":
		return one(bbcode.Element(style["text-align"], kids()...))
	case c.HasClass("spoiler"):
		return one(bbcode.Element("spoiler", kids()...))
	case c.HasClass("bbcode_quote_container"):
		return nil
	case c.HasClass("bbcode_container"):
		if node, ok := d.container(c, table); ok {
			return one(node)
		}
	}

	d.logger.Warn("Unknown div styling, keeping contents",
		"style", c.AttrOr("style", ""),
		"class", c.AttrOr("class", ""))
	return kids()
}

// container handles the block the forum renders for [code] and [quote].
func (d *Decompiler) container(c *goquery.Selection, table *bbcode.Smilies) (bbcode.Node, bool) {
	if pre := c.ChildrenFiltered("pre.bbcode_code").First(); pre.Length() > 0 {
		return bbcode.Element("code", bbcode.Text(pre.Text())), true
	}

	quote := c.ChildrenFiltered("div.bbcode_quote").First()
	if quote.Length() == 0 {
		return bbcode.Node{}, false
	}

	body := quote.Find("div.message").First()
	if body.Length() == 0 {
		body = quote.ChildrenFiltered("div.quote_container").First()
	}
	if body.Length() == 0 {
		body = quote
	}
	kids := d.children(body, table)

	postedBy := quote.Find("div.bbcode_postedby").First()
	name := strings.TrimSpace(postedBy.Find("strong").First().Text())
	if name == "" {
		return bbcode.Element("quote", kids...), true
	}

	var postNumber string
	postedBy.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if m := quotePostRegex.FindStringSubmatch(a.AttrOr("href", "")); m != nil {
			postNumber = m[1]
			return false
		}
		return true
	})
	if postNumber == "" {
		return bbcode.ElementWithAttr("quote", name, kids...), true
	}
	return bbcode.ElementWithAttr("quote", name+";"+postNumber, kids...), true
}

func parseStyle(style string) map[string]string {
	decls := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		prop, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		decls[strings.ToLower(strings.TrimSpace(prop))] = strings.TrimSpace(value)
	}
	return decls
}

func trimEdges(nodes []bbcode.Node) []bbcode.Node {
	if len(nodes) > 0 && nodes[0].Kind() == bbcode.KindText {
		if text := strings.TrimLeft(nodes[0].Text(), " \t\r\n"); text == "" {
			nodes = nodes[1:]
		} else {
			nodes[0] = bbcode.Text(text)
		}
	}
	if last := len(nodes) - 1; last >= 0 && nodes[last].Kind() == bbcode.KindText {
		if text := strings.TrimRight(nodes[last].Text(), " \t\r\n"); text == "" {
			nodes = nodes[:last]
		} else {
			nodes[last] = bbcode.Text(text)
		}
	}
	return nodes
}

func one(n bbcode.Node) []bbcode.Node {
	return []bbcode.Node{n}
}
