package engine

import (
	"context"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func parseHTML(_ context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	walkHTML(doc, root)
	return success(doc), nil
}

func walkHTML(doc *Document, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			// ブロック要素に包まれていない地のテキスト
			if isContainer(n.DataAtom) {
				doc.AddText(LabelText, collapseSpace(c.Data), 0, 0)
			}
			continue
		case html.ElementNode:
		default:
			walkHTML(doc, c)
			continue
		}

		switch c.DataAtom {
		case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template:
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			level := int(c.Data[1] - '0')
			addHeading(doc, level, textContent(c))
		case atom.P:
			doc.AddText(LabelText, textContent(c), 0, 0)
			addHTMLImages(doc, c)
		case atom.Li:
			doc.AddText(LabelListItem, textContent(c, atom.Ul, atom.Ol), 0, 0)
			walkNestedLists(doc, c)
		case atom.Pre:
			doc.AddText(LabelCode, strings.Trim(rawText(c), "\n"), 0, 0)
		case atom.Table:
			doc.AddTable(htmlTableRows(c), 0)
		case atom.Img:
			doc.AddPicture(Picture{Caption: attr(c, "alt")})
		case atom.Figcaption, atom.Caption:
			doc.AddText(LabelCaption, textContent(c), 0, 0)
		default:
			walkHTML(doc, c)
		}
	}
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Body, atom.Div, atom.Section, atom.Article, atom.Main, atom.Blockquote:
		return true
	}
	return false
}

func walkNestedLists(doc *Document, li *html.Node) {
	for c := li.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Ul || c.DataAtom == atom.Ol) {
			walkHTML(doc, c)
		}
	}
}

// textContent は子孫のテキストを空白を畳んで連結します。skip に含まれる要素の中身は無視します。
func textContent(n *html.Node, skip ...atom.Atom) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
				b.WriteByte(' ')
				continue
			}
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == atom.Script || c.DataAtom == atom.Style {
				continue
			}
			skipped := false
			for _, s := range skip {
				if c.DataAtom == s {
					skipped = true
					break
				}
			}
			if !skipped {
				walk(c)
			}
		}
	}
	walk(n)
	return collapseSpace(b.String())
}

func rawText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			} else if c.Type == html.ElementNode {
				walk(c)
			}
		}
	}
	walk(n)
	return b.String()
}

func htmlTableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Tr:
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						cells = append(cells, textContent(cell))
					}
				}
				rows = append(rows, cells)
			case atom.Table:
				// 入れ子の表は外側のセルのテキストとして扱う
			default:
				walk(c)
			}
		}
	}
	walk(table)
	return rows
}

func addHTMLImages(doc *Document, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c.DataAtom == atom.Img {
			doc.AddPicture(Picture{Caption: attr(c, "alt")})
			continue
		}
		addHTMLImages(doc, c)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
