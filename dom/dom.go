// Package dom holds the small set of golang.org/x/net/html tree helpers shared
// by the content pipeline, the image localizer and the metadata extractor.
package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FindAll returns every node under root, root included, accepted by match in
// document order.
func FindAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// FindFirst returns the first node in document order accepted by match.
func FindFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := FindFirst(c, match); n != nil {
			return n
		}
	}
	return nil
}

// Is matches element nodes of any of the given atoms.
func Is(atoms ...atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, a := range atoms {
			if n.DataAtom == a {
				return true
			}
		}
		return false
	}
}

func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func RemoveAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

func HasClass(n *html.Node, class string) bool {
	v, ok := Attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// Text concatenates all descendant text nodes.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func Detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Head returns the document head, creating it when the tree has none.
func Head(doc *html.Node) *html.Node {
	if head := FindFirst(doc, Is(atom.Head)); head != nil {
		return head
	}
	head := Element(atom.Head)
	root := FindFirst(doc, Is(atom.Html))
	if root == nil {
		doc.AppendChild(head)
		return head
	}
	root.InsertBefore(head, root.FirstChild)
	return head
}

func Body(doc *html.Node) *html.Node {
	return FindFirst(doc, Is(atom.Body))
}

func Element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: a.String(), DataAtom: a, Attr: attrs}
}
