package adapter

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Dialect is the markup a platform renders.
type Dialect string

const (
	DialectHTML     Dialect = "html"
	DialectMarkdown Dialect = "markdown"
	DialectPlain    Dialect = "plain"
)

// DialectFor picks the richest markup the constraints declare.
func DialectFor(c models.PlatformConstraints) Dialect {
	switch {
	case c.SupportsHTML:
		return DialectHTML
	case c.SupportsMarkdown:
		return DialectMarkdown
	default:
		return DialectPlain
	}
}

// TransformContent renders rich-text (HTML) content for the target dialect.
// Content of any other message type is returned unchanged.
func TransformContent(content string, mt models.MessageType, d Dialect) string {
	if mt != models.MessageTypeRichText {
		return content
	}
	switch d {
	case DialectHTML:
		return content
	case DialectMarkdown:
		return HTMLToMarkdown(content)
	default:
		return HTMLToPlain(content)
	}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func parseFragment(src string) []*html.Node {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return []*html.Node{{Type: html.TextNode, Data: src}}
	}
	return nodes
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Ul, atom.Ol, atom.Blockquote, atom.Pre, atom.Table, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	case atom.H6:
		return 6
	}
	return 0
}

// HTMLToPlain strips markup, keeping line structure and link targets.
func HTMLToPlain(src string) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.Br:
				sb.WriteString("\n")
				return
			case atom.Li:
				sb.WriteString("\n- ")
			}
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			sb.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.A {
				if href := attr(n, "href"); href != "" && !strings.Contains(textOf(n), href) {
					sb.WriteString(" (" + href + ")")
				}
			}
			if isBlock(n.DataAtom) {
				sb.WriteString("\n\n")
			}
		}
	}
	for _, n := range parseFragment(src) {
		walk(n)
	}
	return tidy(sb.String())
}

// HTMLToMarkdown converts common inline and block HTML into Markdown.
func HTMLToMarkdown(src string) string {
	sb := &strings.Builder{}
	var walk func(n *html.Node, inPre bool)
	walkChildren := func(n *html.Node, inPre bool) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inPre)
		}
	}
	walk = func(n *html.Node, inPre bool) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type != html.ElementNode {
			walkChildren(n, inPre)
			return
		}
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head:
		case atom.Br:
			sb.WriteString("\n")
		case atom.B, atom.Strong:
			sb.WriteString("**")
			walkChildren(n, inPre)
			sb.WriteString("**")
		case atom.I, atom.Em:
			sb.WriteString("_")
			walkChildren(n, inPre)
			sb.WriteString("_")
		case atom.S, atom.Del, atom.Strike:
			sb.WriteString("~~")
			walkChildren(n, inPre)
			sb.WriteString("~~")
		case atom.Code:
			if inPre {
				walkChildren(n, inPre)
				return
			}
			sb.WriteString("`")
			walkChildren(n, inPre)
			sb.WriteString("`")
		case atom.Pre:
			sb.WriteString("\n```\n")
			walkChildren(n, true)
			sb.WriteString("\n```\n\n")
		case atom.A:
			sb.WriteString("[")
			walkChildren(n, inPre)
			sb.WriteString("](" + attr(n, "href") + ")")
		case atom.Li:
			sb.WriteString("\n- ")
			walkChildren(n, inPre)
		case atom.Blockquote:
			saved := sb
			sb = &strings.Builder{}
			walkChildren(n, inPre)
			quoted := tidy(sb.String())
			sb = saved
			sb.WriteString("\n")
			for _, line := range strings.Split(quoted, "\n") {
				sb.WriteString("> " + line + "\n")
			}
			sb.WriteString("\n")
		default:
			if lvl := headingLevel(n.DataAtom); lvl > 0 {
				sb.WriteString("\n" + strings.Repeat("#", lvl) + " ")
				walkChildren(n, inPre)
				sb.WriteString("\n\n")
				return
			}
			block := isBlock(n.DataAtom)
			if block {
				sb.WriteString("\n")
			}
			walkChildren(n, inPre)
			if block {
				sb.WriteString("\n\n")
			}
		}
	}
	for _, n := range parseFragment(src) {
		walk(n, false)
	}
	return tidy(sb.String())
}

func textOf(n *html.Node) string {
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
