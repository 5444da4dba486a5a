// Package scraper parses the pages served by a vBulletin chatbox.
package scraper

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"vbcb-bot/bbcode"
	"vbcb-bot/pkg/chatbox"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// MessageIDPiece precedes the message ID in the permalink of a message.
	MessageIDPiece = "misc.php?ccbloc="
	// UserIDPiece precedes the user ID in a profile link.
	UserIDPiece = "member.php?u="

	timestampLayout = "02-01-06, 15:04"
)

var (
	timestampRegex = regexp.MustCompile(`\[(\d\d-\d\d-\d\d, \d\d:\d\d)\]`)
	dstOffsetRegex = regexp.MustCompile(`var tzOffset = ([0-9]+) [+] ([0-9]+);`)
)

var (
	// ErrNoMessages means the messages page did not contain a single row.
	ErrNoMessages = errors.New("no message rows found")
	// ErrNoToken means the page did not carry a security token.
	ErrNoToken = errors.New("security token not found")
)

// ParseMessages parses the chatbox message list, newest first as the forum
// serves it. Rows lacking a message ID, user ID or nickname link are skipped.
// Timestamps are read in loc; rows without one get now.
func ParseMessages(r io.Reader, d chatbox.Decompiler, loc *time.Location, now time.Time) ([]*chatbox.Message, error) {
	body := &html.Node{Type: html.ElementNode, Data: "tbody", DataAtom: atom.Tbody}
	nodes, err := html.ParseFragment(r, body)
	if err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}

	rows := goquery.NewDocumentFromNode(body).Selection.ChildrenFiltered("tr")
	if rows.Length() == 0 {
		return nil, ErrNoMessages
	}

	var messages []*chatbox.Message
	rows.Each(func(_ int, tr *goquery.Selection) {
		tds := tr.ChildrenFiltered("td")
		if tds.Length() != 2 {
			return
		}
		meta, content := tds.Eq(0), tds.Eq(1)

		messageID, ok := fishOutID(meta, MessageIDPiece)
		if !ok {
			return
		}
		userID, ok := fishOutID(meta, UserIDPiece)
		if !ok {
			return
		}

		var nick *html.Node
		meta.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if strings.Contains(a.AttrOr("href", ""), UserIDPiece) {
				nick = a.Get(0)
			}
		})
		if nick == nil {
			return
		}

		timestamp := now
		if metaHTML, err := meta.Html(); err == nil {
			if m := timestampRegex.FindStringSubmatch(metaHTML); m != nil {
				if parsed, err := time.ParseInLocation(timestampLayout, m[1], loc); err == nil {
					timestamp = parsed
				}
			}
		}

		messages = append(messages, chatbox.NewMessage(messageID, userID, nick, content.Get(0), timestamp, d))
	})

	return messages, nil
}

// fishOutID returns the number following piece in the first link containing it.
func fishOutID(sel *goquery.Selection, piece string) (int64, bool) {
	var id int64
	var found bool
	sel.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := a.AttrOr("href", "")
		idx := strings.Index(href, piece)
		if idx < 0 {
			return true
		}
		rest := href[idx+len(piece):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if n, err := strconv.ParseInt(rest[:end], 10, 64); err == nil {
			id, found = n, true
		}
		return false
	})
	return id, found
}

// ParseSecurityToken extracts the token that authorizes state-changing requests.
func ParseSecurityToken(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	token, ok := doc.Find("input[name='securitytoken']").First().Attr("value")
	if !ok || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// ParseSmilies lists the smilies shown on the forum's smiley page.
func ParseSmilies(r io.Reader) ([]bbcode.SmileyDef, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse smilies page: %w", err)
	}

	var defs []bbcode.SmileyDef
	doc.Find("li.smiliebit").Each(func(_ int, s *goquery.Selection) {
		code := strings.TrimSpace(s.Find("div.smilietext").First().Text())
		url, ok := s.Find("div.smilieimage img").First().Attr("src")
		if code == "" || !ok {
			return
		}
		defs = append(defs, bbcode.SmileyDef{Code: code, URL: url})
	})
	return defs, nil
}

// DSTForm is what the forum shows when it thinks the user's daylight saving
// setting is out of date.
type DSTForm struct {
	// S and SecurityToken are the hidden fields to echo back.
	S             string
	SecurityToken string
	// ForumOffset is the UTC offset in hours the forum currently assumes.
	ForumOffset float64
	HasOffset   bool
	HasS        bool
}

// ParseDSTForm looks for the daylight saving prompt. It returns nil if the
// page has none.
func ParseDSTForm(page string) (*DSTForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	form := doc.Find("form[name='dstform']").First()
	if form.Length() == 0 {
		return nil, nil
	}

	dst := &DSTForm{
		SecurityToken: form.Find("input[name='securitytoken']").First().AttrOr("value", ""),
	}
	dst.S, dst.HasS = form.Find("input[name='s']").First().Attr("value")

	if m := dstOffsetRegex.FindStringSubmatch(page); m != nil {
		first, err1 := strconv.Atoi(m[1])
		second, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			dst.ForumOffset = float64(first + second)
			dst.HasOffset = true
		}
	}
	return dst, nil
}
