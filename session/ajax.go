package session

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vbcb-bot/urlenc"

	"golang.org/x/net/html/charset"
)

var errEmptyResponse = errors.New("empty response body")

// XMLNode is a generic XML element as returned by the forum's AJAX endpoint.
type XMLNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []XMLNode  `xml:",any"`
}

// Name is the local name of the element.
func (n *XMLNode) Name() string { return n.XMLName.Local }

// Attr returns the value of the named attribute.
func (n *XMLNode) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Text is the element's character data.
func (n *XMLNode) Text() string { return n.Content }

// ChildrenNamed returns the direct children with the given local name.
func (n *XMLNode) ChildrenNamed(name string) []XMLNode {
	var out []XMLNode
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// Ajax calls an operation of ajax.php and parses the XML answer. Network
// failures, empty bodies and malformed XML go through Recover.
func (s *Session) Ajax(ctx context.Context, operation string, params urlenc.Form) (*XMLNode, error) {
	var result *XMLNode

	err := s.Recover(ctx, "ajax "+operation, func(ctx context.Context) error {
		body, err := s.send(ctx, http.MethodPost, PathAjax, formContentType, s.ajaxBody(operation, params))
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return errEmptyResponse
		}

		node, err := parseXML(body)
		if err != nil {
			s.logger.Warn("Failed to parse AJAX response", "operation", operation, "error", err)
			return err
		}
		result = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) ajaxBody(operation string, params urlenc.Form) string {
	parts := []string{
		"securitytoken=" + urlenc.AjaxEncode(s.Token()),
		"do=" + urlenc.AjaxEncode(operation),
	}
	for _, p := range params {
		parts = append(parts, urlenc.AjaxEncode(p.Key)+"="+urlenc.AjaxEncode(p.Value))
	}
	return strings.Join(parts, "&")
}

func parseXML(body []byte) (*XMLNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel

	var root XMLNode
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return &root, nil
}
