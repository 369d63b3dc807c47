// File: internal/perception/compiler.go
package perception

import (
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// DefaultSectionLabel names the section for nodes with no labeled container.
const DefaultSectionLabel = "General"

// Options bounds the size of rendered lines.
type Options struct {
	TextLimit int // Runes of visible text kept per line.
	AttrLimit int // Runes kept per rendered attribute value.
}

// DefaultOptions returns the limits prompt templates are tuned against.
func DefaultOptions() Options {
	return Options{TextLimit: 80, AttrLimit: 40}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.TextLimit <= 0 {
		o.TextLimit = d.TextLimit
	}
	if o.AttrLimit <= 0 {
		o.AttrLimit = d.AttrLimit
	}
	return o
}

// renderedAttributes are shown inside an element's opening tag, in this order.
var renderedAttributes = []string{
	"type", "name", "placeholder", "value", "aria-label", "title", "alt",
	"href", "aria-expanded", "checked", "selected",
}

// booleanAttributes render as a bare key when present.
var booleanAttributes = map[string]bool{"checked": true, "selected": true}

// Compile builds the action space for one snapshot. It is a pure function:
// the same node list always yields the same ids, sections and text.
func Compile(nodes []schemas.Node, opts Options) *schemas.ActionSpace {
	opts = opts.normalized()
	space := &schemas.ActionSpace{
		Elements: make(map[schemas.ElementID]schemas.Node),
		Counts:   make(map[schemas.Role]int),
	}
	if len(nodes) == 0 {
		space.Hash = Fingerprint("")
		return space
	}

	verdicts := Classify(nodes)
	ids := assignIDs(verdicts)
	for i, id := range ids.ids {
		if id == nil {
			continue
		}
		space.Elements[*id] = nodes[i]
		space.Order = append(space.Order, *id)
	}
	for role, n := range ids.next {
		space.Counts[role] = n
	}
	space.Ambiguous = ids.ambiguous

	labels, absorbed := absorbText(nodes, verdicts)
	space.Sections = buildSections(nodes, verdicts, ids.ids, labels, absorbed, opts)
	space.Text = Render(space)
	space.Hash = Fingerprint(space.Text)
	return space
}

// -- Id Assignment --

// idAssignment is the result of folding the verdicts in document order.
type idAssignment struct {
	ids       []*schemas.ElementID
	next      map[schemas.Role]int
	ambiguous int
}

// fold reduces xs left to right.
func fold[T, A any](xs []T, acc A, f func(A, int, T) A) A {
	for i, x := range xs {
		acc = f(acc, i, x)
	}
	return acc
}

// assignIDs numbers kept nodes per role, starting at zero for every call.
func assignIDs(verdicts []Verdict) idAssignment {
	start := idAssignment{
		ids:  make([]*schemas.ElementID, 0, len(verdicts)),
		next: make(map[schemas.Role]int, len(schemas.Roles)),
	}
	return fold(verdicts, start, func(acc idAssignment, _ int, v Verdict) idAssignment {
		if !v.Kept {
			acc.ids = append(acc.ids, nil)
			return acc
		}
		id := schemas.ElementID{Role: v.Role, Index: acc.next[v.Role]}
		acc.next[v.Role]++
		if v.Ambiguous {
			acc.ambiguous++
		}
		acc.ids = append(acc.ids, &id)
		return acc
	})
}

// -- Text Absorption --

// absorbText attaches the text of non-interactive descendants to their
// nearest interactive or heading ancestor, so a <button><span>Go</span></button>
// renders as one line. It returns each absorber's combined text by node index
// and the set of node indexes whose text was consumed.
func absorbText(nodes []schemas.Node, verdicts []Verdict) (map[int]string, map[int]bool) {
	absorberByOrdinal := make(map[int]int)
	for i, n := range nodes {
		if isAbsorber(n, verdicts[i]) {
			absorberByOrdinal[n.Ordinal] = i
		}
	}

	parts := make(map[int][]string, len(absorberByOrdinal))
	absorbed := make(map[int]bool)
	for i, n := range nodes {
		if _, self := absorberByOrdinal[n.Ordinal]; self {
			if t := strings.TrimSpace(n.Text); t != "" {
				parts[i] = append(parts[i], t)
			}
			continue
		}
		if n.Hidden() || strings.TrimSpace(n.Text) == "" {
			continue
		}
		for p := len(n.Path) - 1; p >= 0; p-- {
			if owner, ok := absorberByOrdinal[n.Path[p].Ordinal]; ok {
				parts[owner] = append(parts[owner], strings.TrimSpace(n.Text))
				absorbed[i] = true
				break
			}
		}
	}

	labels := make(map[int]string, len(parts))
	for i, p := range parts {
		labels[i] = strings.Join(p, " ")
	}
	return labels, absorbed
}

func isAbsorber(n schemas.Node, v Verdict) bool {
	return v.Kept || (isHeading(n) && !n.Hidden())
}

func isHeading(n schemas.Node) bool {
	switch strings.ToLower(n.Tag) {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return strings.EqualFold(n.Role, "heading") || strings.EqualFold(n.Attr("role"), "heading")
}

// -- Sections --

type sectionKey struct {
	container int
	heading   int
}

type containerInfo struct {
	ordinal   int
	label     string
	explicit  bool
	component string
}

func buildSections(
	nodes []schemas.Node,
	verdicts []Verdict,
	ids []*schemas.ElementID,
	labels map[int]string,
	absorbed map[int]bool,
	opts Options,
) []schemas.Section {
	idText := idTextIndex(nodes, labels)

	var sections []schemas.Section
	index := make(map[sectionKey]int)
	latestHeading := make(map[int]int)  // container ordinal -> heading ordinal
	headingText := make(map[int]string) // heading ordinal -> text

	for i, n := range nodes {
		line, ok := lineFor(n, verdicts[i], ids[i], labels, absorbed, i, opts)
		if !ok {
			continue
		}

		container := nearestContainer(n, idText)
		if isHeading(n) && labels[i] != "" {
			latestHeading[container.ordinal] = n.Ordinal
			headingText[n.Ordinal] = truncateRunes(labels[i], opts.TextLimit)
		}
		heading, hasHeading := latestHeading[container.ordinal]
		if !hasHeading {
			heading = -1
		}

		key := sectionKey{container: container.ordinal, heading: heading}
		pos, exists := index[key]
		if !exists {
			sections = append(sections, schemas.Section{
				Label:     sectionLabel(container, headingText[heading], hasHeading),
				Component: container.component,
			})
			pos = len(sections) - 1
			index[key] = pos
		}
		sections[pos].Lines = append(sections[pos].Lines, line)
	}
	return sections
}

func sectionLabel(c containerInfo, heading string, hasHeading bool) string {
	switch {
	case hasHeading && heading != "" && c.explicit && !strings.EqualFold(c.label, heading):
		return c.label + " / " + heading
	case hasHeading && heading != "":
		return heading
	case c.label != "":
		return c.label
	}
	return DefaultSectionLabel
}

// lineFor builds the rendered line for node i, or reports that it renders nothing.
func lineFor(
	n schemas.Node,
	v Verdict,
	id *schemas.ElementID,
	labels map[int]string,
	absorbed map[int]bool,
	i int,
	opts Options,
) (schemas.Line, bool) {
	if id != nil {
		text := labels[i]
		if text == "" && v.Role == schemas.RoleFigure {
			text = n.Attr("alt")
		}
		return schemas.Line{
			ID:         id,
			Ordinal:    n.Ordinal,
			Tag:        displayTag(n),
			Text:       truncateRunes(text, opts.TextLimit),
			Attributes: lineAttributes(n, text, opts),
		}, true
	}

	if absorbed[i] || n.Hidden() {
		return schemas.Line{}, false
	}
	text := strings.TrimSpace(n.Text)
	if isHeading(n) {
		text = labels[i]
	}
	if text == "" {
		return schemas.Line{}, false
	}
	return schemas.Line{Ordinal: n.Ordinal, Text: truncateRunes(text, opts.TextLimit)}, true
}

func displayTag(n schemas.Node) string {
	if r := strings.TrimSpace(n.Role); r != "" {
		return strings.ToLower(r)
	}
	if r := strings.TrimSpace(n.Attr("role")); r != "" {
		return strings.ToLower(r)
	}
	return strings.ToLower(n.Tag)
}

func lineAttributes(n schemas.Node, text string, opts Options) [][2]string {
	var out [][2]string
	for _, key := range renderedAttributes {
		val, ok := n.Attributes[key]
		if !ok {
			continue
		}
		if booleanAttributes[key] {
			if !strings.EqualFold(val, "false") {
				out = append(out, [2]string{key, ""})
			}
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" || strings.EqualFold(val, text) {
			continue
		}
		if key == "href" && strings.HasPrefix(strings.ToLower(val), "javascript:") {
			continue
		}
		out = append(out, [2]string{key, truncateRunes(val, opts.AttrLimit)})
	}
	return out
}

// -- Containers --

var landmarkNames = map[string]string{
	"nav":           "Website Navigation",
	"navigation":    "Website Navigation",
	"header":        "Page Header",
	"banner":        "Page Header",
	"footer":        "Page Footer",
	"contentinfo":   "Page Footer",
	"aside":         "Sidebar",
	"complementary": "Sidebar",
	"main":          "Main Content",
	"search":        "Search",
	"form":          "Form",
	"dialog":        "Dialog",
	"alertdialog":   "Alert",
}

// nearestContainer walks the node's ancestry, nearest first, for a labeled
// grouping element. An open overlay node acts as its own container.
func nearestContainer(n schemas.Node, idText map[string]string) containerInfo {
	if isOpenOverlay(n) {
		if c, ok := containerFor(schemas.PathEntry{Ordinal: n.Ordinal, Tag: n.Tag, Attributes: n.Attributes}, idText); ok {
			return c
		}
	}
	var found *containerInfo
	component := ""
	for p := len(n.Path) - 1; p >= 0; p-- {
		entry := n.Path[p]
		if component == "" && pathEntryIsOverlay(entry) {
			component = overlayRole(entry.Attributes)
		}
		if found != nil {
			continue
		}
		if c, ok := containerFor(entry, idText); ok {
			found = &c
		}
	}
	if found == nil {
		return containerInfo{ordinal: -1, component: component}
	}
	found.component = component
	return *found
}

func containerFor(p schemas.PathEntry, idText map[string]string) (containerInfo, bool) {
	tag := strings.ToLower(p.Tag)
	role := strings.ToLower(strings.TrimSpace(p.Attributes["role"]))
	explicit := explicitLabel(p.Attributes, idText)

	kind := ""
	switch {
	case tag == "dialog" || role == "dialog" || role == "alertdialog":
		kind = role
		if kind == "" {
			kind = "dialog"
		}
	case landmarkNames[role] != "":
		kind = role
	case tag == "form", tag == "nav", tag == "header", tag == "footer", tag == "aside", tag == "main":
		kind = tag
	case (tag == "section" || tag == "article" || tag == "fieldset" || role == "region") && explicit != "":
		kind = "region"
	default:
		return containerInfo{}, false
	}

	info := containerInfo{ordinal: p.Ordinal, label: explicit, explicit: explicit != ""}
	if pathEntryIsOverlay(p) {
		info.component = overlayRole(p.Attributes)
	}
	if info.label == "" && kind == "form" {
		info.label = humanize(firstNonEmpty(p.Attributes["name"], p.Attributes["id"]))
	}
	if info.label == "" {
		info.label = landmarkNames[kind]
	}
	return info, true
}

func explicitLabel(attrs map[string]string, idText map[string]string) string {
	if v := strings.TrimSpace(attrs["aria-label"]); v != "" {
		return v
	}
	if ref := strings.TrimSpace(attrs["aria-labelledby"]); ref != "" {
		var parts []string
		for _, id := range strings.Fields(ref) {
			if t := idText[id]; t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return strings.TrimSpace(attrs["title"])
}

// idTextIndex maps element ids to their text for aria-labelledby resolution.
func idTextIndex(nodes []schemas.Node, labels map[int]string) map[string]string {
	out := make(map[string]string)
	for i, n := range nodes {
		id := n.Attr("id")
		if id == "" {
			continue
		}
		text := labels[i]
		if text == "" {
			text = strings.TrimSpace(n.Text)
		}
		if text != "" {
			out[id] = text
		}
	}
	return out
}

// -- Helpers --

func humanize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	r, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + s[size:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncateRunes bounds s to limit runes, marking the cut with an ellipsis.
func truncateRunes(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
