package perception

import (
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// XPathFor builds the handle a driver uses to find node again. The nearest
// ancestor with a usable id anchors the path; otherwise it is absolute.
func XPathFor(node *html.Node) string {
	if node == nil {
		return ""
	}

	var segments []string
	anchored := false
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if id := htmlquery.SelectAttr(n, "id"); id != "" && !strings.Contains(id, "'") {
			segments = append(segments, "//*[@id='"+id+"']")
			anchored = true
			break
		}
		segments = append(segments, tag+"["+strconv.Itoa(sameTagPosition(n))+"]")
	}
	if len(segments) == 0 {
		return "/"
	}

	var sb strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		if i != len(segments)-1 || !anchored {
			sb.WriteString("/")
		}
		sb.WriteString(segments[i])
	}
	return sb.String()
}

// sameTagPosition is the node's 1-based index among same-tag siblings.
func sameTagPosition(n *html.Node) int {
	pos := 1
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.ElementNode && strings.EqualFold(prev.Data, n.Data) {
			pos++
		}
	}
	return pos
}
