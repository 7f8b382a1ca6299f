package engine

import (
	"context"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))

func parseMarkdown(_ context.Context, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	root := markdownParser.Parser().Parse(text.NewReader(src))
	err = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			addHeading(doc, node.Level, inlineText(node, src))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			if _, inList := n.Parent().(*ast.ListItem); inList {
				return ast.WalkSkipChildren, nil
			}
			doc.AddText(LabelText, inlineText(n, src), 0, 0)
			addImages(doc, n, src)
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			doc.AddText(LabelListItem, listItemText(node, src), 0, 0)
			return ast.WalkContinue, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			doc.AddText(LabelCode, blockLines(n, src), 0, 0)
			return ast.WalkSkipChildren, nil
		case *east.Table:
			doc.AddTable(markdownTableRows(node, src), 0)
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return success(doc), nil
}

// addHeading は最初の h1 をタイトル、それ以外をセクション見出しとして追加します。
func addHeading(doc *Document, level int, text string) {
	if level == 1 && !hasTitle(doc) {
		doc.AddText(LabelTitle, text, 0, 0)
		return
	}
	doc.AddText(LabelSectionHeader, text, max(level-1, 1), 0)
}

func hasTitle(doc *Document) bool {
	for _, t := range doc.Texts {
		if t.Label == LabelTitle {
			return true
		}
	}
	return false
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := c.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		case *ast.AutoLink:
			b.Write(v.Label(src))
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func listItemText(item *ast.ListItem, src []byte) string {
	parts := make([]string, 0, 1)
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			if t := inlineText(c, src); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

func addImages(doc *Document, n ast.Node, src []byte) {
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if img, ok := c.(*ast.Image); ok && entering {
			caption := ""
			for t := img.FirstChild(); t != nil; t = t.NextSibling() {
				if txt, ok := t.(*ast.Text); ok {
					caption += string(txt.Segment.Value(src))
				}
			}
			doc.AddPicture(Picture{Caption: strings.TrimSpace(caption)})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
}

func blockLines(n ast.Node, src []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimRight(b.String(), "\n")
}

func markdownTableRows(table *east.Table, src []byte) [][]string {
	var rows [][]string
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, inlineText(cell, src))
		}
		rows = append(rows, cells)
	}
	return rows
}
