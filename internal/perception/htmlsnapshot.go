// internal/perception/htmlsnapshot.go
package perception

import (
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Annotations the live browser writes onto elements before serializing the
// DOM. They carry layout facts that static markup cannot express and are
// stripped from the node attributes.
const (
	AttrVisible  = "data-wp-visible"
	AttrZeroSize = "data-wp-zero"
	AttrActive   = "data-wp-active"

	annotationPrefix = "data-wp-"
)

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
}

// candidateTags are always reported, even without own text.
var candidateTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
	"option": true, "img": true, "svg": true, "figure": true, "summary": true,
	"details": true, "dialog": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var candidateAttributes = []string{"role", "tabindex", "onclick", "contenteditable", "aria-modal"}

// droppedAttributes never influence classification or rendering.
var droppedAttributes = map[string]bool{"style": true, "class": true}

// ParseHTML reads a serialized document into a snapshot node list.
func ParseHTML(r io.Reader) ([]schemas.Node, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return NodesFromDocument(doc), nil
}

// NodesFromDocument walks the body of a parsed document in document order.
func NodesFromDocument(doc *html.Node) []schemas.Node {
	if doc == nil {
		return nil
	}
	root := htmlquery.FindOne(doc, "//body")
	if root == nil {
		root = doc
	}
	w := &snapshotWalker{}
	w.walk(root, nil, false)
	return w.nodes
}

type snapshotWalker struct {
	ordinal int
	nodes   []schemas.Node
}

func (w *snapshotWalker) walk(n *html.Node, path []schemas.PathEntry, hiddenAncestor bool) {
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return
	}
	if n.Type == html.DocumentNode {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, path, hiddenAncestor)
		}
		return
	}

	tag := strings.ToLower(n.Data)
	if skippedTags[tag] {
		return
	}

	ordinal := w.ordinal
	w.ordinal++

	raw := rawAttributes(n)
	attrs := make(map[string]string, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, annotationPrefix) || droppedAttributes[k] {
			continue
		}
		attrs[k] = v
	}

	visible, annotated := annotatedVisibility(raw)
	if !annotated {
		visible = !hiddenAncestor && !staticallyHidden(tag, raw)
	}

	text := ownText(n)
	if text != "" || candidateTags[tag] || hasAnyAttr(raw, candidateAttributes) {
		w.nodes = append(w.nodes, schemas.Node{
			Ordinal:    ordinal,
			Tag:        tag,
			Role:       strings.TrimSpace(raw["role"]),
			Text:       text,
			Visible:    visible,
			ZeroSize:   raw[AttrZeroSize] == "1",
			Active:     raw[AttrActive] == "1",
			Path:       append([]schemas.PathEntry(nil), path...),
			Attributes: attrs,
			Handle:     XPathFor(n),
		})
	}

	childPath := append(path[:len(path):len(path)], schemas.PathEntry{Ordinal: ordinal, Tag: tag, Attributes: attrs})
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, childPath, !visible)
	}
}

func rawAttributes(n *html.Node) map[string]string {
	out := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		out[strings.ToLower(a.Key)] = a.Val
	}
	return out
}

// annotatedVisibility reads the browser's verdict, if the snapshot carries one.
func annotatedVisibility(raw map[string]string) (visible bool, ok bool) {
	v, ok := raw[AttrVisible]
	if !ok {
		return false, false
	}
	return v == "1", true
}

// staticallyHidden applies what can be known from markup alone.
func staticallyHidden(tag string, raw map[string]string) bool {
	if _, ok := raw["hidden"]; ok {
		return true
	}
	if tag == "input" && strings.EqualFold(raw["type"], "hidden") {
		return true
	}
	if _, open := raw["open"]; tag == "dialog" && !open {
		return true
	}
	style := strings.ToLower(strings.ReplaceAll(raw["style"], " ", ""))
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func ownText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		if t := strings.Join(strings.Fields(c.Data), " "); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func hasAnyAttr(raw map[string]string, keys []string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}
