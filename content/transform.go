package content

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dhcgn/newsletter-archive/dom"
	"github.com/dhcgn/newsletter-archive/model"
)

const (
	// MaxLinkText is the longest link label kept verbatim in the side panel.
	MaxLinkText = 60
	// LinkPlaceholder labels anchors without text or image alt text.
	LinkPlaceholder = "Link"

	wideTableThreshold = 600
	ellipsis           = "..."
)

// Forward strip results.
const (
	ForwardNone   = ""
	ForwardMarker = "marker"
	ForwardQuote  = "quote"
)

var forwardMarkers = []string{
	"forwarded message",
	"begin forwarded message",
	"original message",
	"message transféré",
	"weitergeleitete nachricht",
}

var (
	dividerMarker = regexp.MustCompile(`^(?:-{2,}\s*(?:` + markerAlternation() + `)\s*-{2,}|(?:` + markerAlternation() + `)\s*:)$`)
	bareMarker    = regexp.MustCompile(`^(?:` + markerAlternation() + `)$`)
)

func markerAlternation() string {
	quoted := make([]string, len(forwardMarkers))
	for i, m := range forwardMarkers {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return strings.Join(quoted, "|")
}

var forwardHeaderPrefixes = []string{
	"from:", "date:", "sent:", "subject:", "to:", "cc:",
	"de :", "de:", "envoyé :", "date :", "objet :", "à :", "a :",
	"von:", "gesendet:", "datum:", "betreff:", "an:",
}

var inlineAtoms = map[atom.Atom]bool{
	atom.A: true, atom.B: true, atom.Strong: true, atom.I: true, atom.Em: true,
	atom.U: true, atom.Span: true, atom.Font: true, atom.Small: true, atom.Big: true,
	atom.Code: true, atom.Tt: true, atom.Sub: true, atom.Sup: true,
}

var widthStyle = regexp.MustCompile(`(?i)(^|[;\s])width\s*:\s*(\d+(?:\.\d+)?)\s*px`)

// RemoveActiveContent drops elements that could execute in the static archive.
func RemoveActiveContent(doc *html.Node) int {
	nodes := dom.FindAll(doc, dom.Is(atom.Script, atom.Iframe, atom.Object, atom.Embed))
	for _, n := range nodes {
		dom.Detach(n)
	}
	return len(nodes)
}

// StripForward replaces the body with the forwarded content when a forward
// marker or a quote wrapper is present. At most one transformation is applied.
func StripForward(doc *html.Node) string {
	b := dom.Body(doc)
	if b == nil {
		return ForwardNone
	}

	if marker := findMarker(b); marker != nil {
		if kept := contentAfter(forwardDivider(b, marker), b); hasContent(kept) {
			replaceChildren(b, wrapTableParts(kept))
			return ForwardMarker
		}
	}

	quote := dom.FindFirst(b, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		switch n.DataAtom {
		case atom.Div:
			return dom.HasClass(n, "gmail_quote") || dom.HasClass(n, "moz-forward-container")
		case atom.Blockquote:
			t, _ := dom.Attr(n, "type")
			return strings.EqualFold(t, "cite")
		}
		return false
	})
	if quote != nil && quote != b {
		dom.Detach(quote)
		replaceChildren(b, []*html.Node{quote})
		return ForwardQuote
	}

	return ForwardNone
}

// findMarker returns the first text node shaped like a forward divider: the
// marker wrapped in dashes, the marker followed by a colon, or the bare marker
// directly followed by a forward header line.
func findMarker(b *html.Node) *html.Node {
	return dom.FindFirst(b, func(n *html.Node) bool {
		if n.Type != html.TextNode {
			return false
		}
		line := strings.ToLower(dom.CollapseSpace(n.Data))
		switch {
		case line == "":
			return false
		case dividerMarker.MatchString(line):
			return true
		case bareMarker.MatchString(line):
			return isForwardHeaderLine(strings.ToLower(nextLine(n)))
		}
		return false
	})
}

// nextLine returns the first non-blank text following n in document order.
func nextLine(n *html.Node) string {
	for cur := following(n); cur != nil; cur = following(cur) {
		if cur.Type == html.TextNode {
			if line := dom.CollapseSpace(cur.Data); line != "" {
				return line
			}
		}
	}
	return ""
}

func following(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	for ; n != nil; n = n.Parent {
		if n.NextSibling != nil {
			return n.NextSibling
		}
	}
	return nil
}

// forwardDivider picks the node after which the forwarded content starts: an
// <hr> closing the forward header block when there is one, otherwise the last
// header line following the marker block.
func forwardDivider(b, marker *html.Node) *html.Node {
	start := marker
	for start.Parent != nil && start.Parent != b {
		start = start.Parent
		if start.Type == html.ElementNode && !inlineAtoms[start.DataAtom] {
			break
		}
	}

	divider := start
	for n := start.NextSibling; n != nil; n = n.NextSibling {
		switch {
		case n.Type == html.ElementNode && n.DataAtom == atom.Hr:
			return n
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			continue
		case n.Type == html.CommentNode:
			continue
		}
		text := strings.ToLower(dom.CollapseSpace(dom.Text(n)))
		if text == "" {
			if n.Type == html.ElementNode && dom.FindFirst(n, dom.Is(atom.Img)) != nil {
				return divider
			}
			continue
		}
		if !isForwardHeaderLine(text) {
			return divider
		}
		divider = n
	}
	return divider
}

func isForwardHeaderLine(text string) bool {
	for _, p := range forwardHeaderPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// contentAfter returns everything following n in document order
// up to the end of b, excluding n's ancestors.
func contentAfter(n, b *html.Node) []*html.Node {
	var out []*html.Node
	for cur := n; cur != nil && cur != b; cur = cur.Parent {
		for sib := cur.NextSibling; sib != nil; {
			next := sib.NextSibling
			out = append(out, sib)
			sib = next
		}
	}
	return out
}

func hasContent(nodes []*html.Node) bool {
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Br || n.DataAtom == atom.Hr {
				continue
			}
			if strings.TrimSpace(dom.Text(n)) != "" || dom.FindFirst(n, dom.Is(atom.Img, atom.Table)) != nil {
				return true
			}
		}
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) != "" {
			return true
		}
	}
	return false
}

var tableParts = map[atom.Atom]bool{
	atom.Tbody: true, atom.Thead: true, atom.Tfoot: true, atom.Tr: true,
	atom.Td: true, atom.Th: true,
}

// wrapTableParts moves runs of cells, rows and row groups that lost their
// table into a new table carrying the original table's attributes.
func wrapTableParts(nodes []*html.Node) []*html.Node {
	var (
		out   []*html.Node
		table *html.Node
		group *html.Node
		row   *html.Node
	)
	openTable := func(from *html.Node) {
		if table != nil {
			return
		}
		table = dom.Element(atom.Table)
		for p := from.Parent; p != nil; p = p.Parent {
			if p.Type == html.ElementNode && p.DataAtom == atom.Table {
				table.Attr = append([]html.Attribute(nil), p.Attr...)
				break
			}
		}
		out = append(out, table)
	}
	openGroup := func(from *html.Node) {
		openTable(from)
		if group == nil {
			group = dom.Element(atom.Tbody)
			table.AppendChild(group)
		}
	}
	move := func(parent, n *html.Node) {
		dom.Detach(n)
		parent.AppendChild(n)
	}

	for _, n := range nodes {
		if n.Type == html.ElementNode && tableParts[n.DataAtom] {
			switch n.DataAtom {
			case atom.Td, atom.Th:
				openGroup(n)
				if row == nil {
					row = dom.Element(atom.Tr)
					group.AppendChild(row)
				}
				move(row, n)
			case atom.Tr:
				openGroup(n)
				row = nil
				move(group, n)
			default:
				openTable(n)
				group, row = nil, nil
				move(table, n)
			}
			continue
		}

		if table != nil && n.Type == html.TextNode && strings.TrimSpace(n.Data) == "" {
			continue
		}
		table, group, row = nil, nil, nil
		out = append(out, n)
	}
	return out
}

func replaceChildren(parent *html.Node, nodes []*html.Node) {
	for _, n := range nodes {
		dom.Detach(n)
	}
	for c := parent.FirstChild; c != nil; c = parent.FirstChild {
		parent.RemoveChild(c)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
}

// ExtractLinks lists every anchor with a target in document order and makes it
// open outside the viewer frame.
func ExtractLinks(doc *html.Node) []model.Link {
	var links []model.Link
	for _, a := range dom.FindAll(doc, dom.Is(atom.A)) {
		href, ok := dom.Attr(a, "href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			continue
		}
		dom.SetAttr(a, "target", "_blank")
		dom.SetAttr(a, "rel", "noopener noreferrer")
		links = append(links, model.Link{URL: href, Text: LinkText(a)})
	}
	return links
}

// LinkText derives the side panel label of an anchor.
func LinkText(a *html.Node) string {
	text := dom.CollapseSpace(dom.Text(a))
	if text == "" {
		for _, img := range dom.FindAll(a, dom.Is(atom.Img)) {
			if alt, ok := dom.Attr(img, "alt"); ok {
				if alt = dom.CollapseSpace(alt); alt != "" {
					text = alt
					break
				}
			}
		}
	}
	if text == "" {
		return LinkPlaceholder
	}
	return Truncate(text, MaxLinkText)
}

// Truncate cuts s to max characters and appends an ellipsis when it was longer.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + ellipsis
}

// NormalizeTableWidths rewrites fixed widths of 600px and more on tables and
// cells to 100% so archived layouts shrink with the viewport.
func NormalizeTableWidths(doc *html.Node) int {
	changed := 0
	for _, n := range dom.FindAll(doc, dom.Is(atom.Table, atom.Td, atom.Th)) {
		if style, ok := dom.Attr(n, "style"); ok {
			if rewritten := rewriteWidthStyle(style); rewritten != style {
				dom.SetAttr(n, "style", rewritten)
				changed++
			}
		}
		if width, ok := dom.Attr(n, "width"); ok && isWide(width) {
			dom.SetAttr(n, "width", "100%")
			changed++
		}
	}
	return changed
}

func rewriteWidthStyle(style string) string {
	return widthStyle.ReplaceAllStringFunc(style, func(m string) string {
		sub := widthStyle.FindStringSubmatch(m)
		v, err := strconv.ParseFloat(sub[2], 64)
		if err != nil || v < wideTableThreshold {
			return m
		}
		return sub[1] + "width: 100%"
	})
}

func isWide(width string) bool {
	w := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(width)), "px")
	v, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
	return err == nil && v >= wideTableThreshold
}

// SetMetadata writes the title and the archive meta tags into the head,
// replacing earlier values.
func SetMetadata(doc *html.Node, meta Meta) {
	head := dom.Head(doc)
	for _, n := range dom.FindAll(head, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		if n.DataAtom == atom.Title {
			return true
		}
		if n.DataAtom != atom.Meta {
			return false
		}
		name, _ := dom.Attr(n, "name")
		switch strings.ToLower(name) {
		case MetaCreationDate, MetaSender, MetaArchivingDate:
			return true
		}
		return false
	}) {
		dom.Detach(n)
	}

	title := dom.Element(atom.Title)
	title.AppendChild(&html.Node{Type: html.TextNode, Data: meta.Title})
	head.AppendChild(title)
	for _, kv := range meta.Tags() {
		head.AppendChild(dom.Element(atom.Meta,
			html.Attribute{Key: "name", Val: kv[0]},
			html.Attribute{Key: "content", Val: kv[1]},
		))
	}
}
