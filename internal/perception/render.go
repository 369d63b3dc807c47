// internal/perception/render.go
package perception

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// The action-space listing is consumed verbatim by prompt templates, so its
// shape is fixed:
//
//	## <section label>
//	<R><n>[:]<tag attr="value">text</tag>
//	_[:]inert context text
//
// R is the role letter (I, B, L, F, O, M) and n the zero-based per-role index.
// Attributes appear only when non-empty and different from the text. When an
// overlay is open its sections come first:
//
//	### Content of 'dialog' component
//	## <dialog section>
//	### Page content behind the 'dialog' component
//	## <other sections>
const (
	sectionPrefix    = "## "
	idSeparator      = "[:]"
	inertPrefix      = "_" + idSeparator
	componentHeader  = "### Content of '%s' component"
	backgroundHeader = "### Page content behind the '%s' component"
)

// Render produces the listing for a compiled action space. An empty space
// renders as the empty string.
func Render(space *schemas.ActionSpace) string {
	if space.IsEmpty() {
		return ""
	}

	var overlay, background []schemas.Section
	component := ""
	for _, s := range space.Sections {
		if s.Component != "" {
			if component == "" {
				component = s.Component
			}
			overlay = append(overlay, s)
			continue
		}
		background = append(background, s)
	}

	var sb strings.Builder
	if len(overlay) == 0 {
		writeSections(&sb, background)
		return strings.TrimRight(sb.String(), "\n")
	}

	fmt.Fprintf(&sb, componentHeader+"\n", component)
	writeSections(&sb, overlay)
	if len(background) > 0 {
		fmt.Fprintf(&sb, backgroundHeader+"\n", component)
		writeSections(&sb, background)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeSections(sb *strings.Builder, sections []schemas.Section) {
	for _, s := range sections {
		sb.WriteString(sectionPrefix)
		sb.WriteString(s.Label)
		sb.WriteString("\n")
		for _, l := range s.Lines {
			sb.WriteString(RenderLine(l))
			sb.WriteString("\n")
		}
	}
}

// RenderLine renders a single entry in the wire format.
func RenderLine(l schemas.Line) string {
	if l.Inert() {
		return inertPrefix + l.Text
	}

	var sb strings.Builder
	sb.WriteString(l.ID.String())
	sb.WriteString(idSeparator)
	sb.WriteString("<")
	sb.WriteString(l.Tag)
	for _, kv := range l.Attributes {
		sb.WriteString(" ")
		sb.WriteString(kv[0])
		if kv[1] != "" {
			sb.WriteString(`="`)
			sb.WriteString(strings.ReplaceAll(kv[1], `"`, "'"))
			sb.WriteString(`"`)
		}
	}
	sb.WriteString(">")
	sb.WriteString(l.Text)
	sb.WriteString("</")
	sb.WriteString(l.Tag)
	sb.WriteString(">")
	return sb.String()
}
