package engine

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

const (
	schemaName    = "DoclingDocument"
	schemaVersion = "1.0.0"

	imagePlaceholder = "<!-- image -->"
)

// ExportOptions はエクスポート時に含める要素を指定します。
type ExportOptions struct {
	IncludeImages bool
	IncludeTables bool
}

// DefaultExportOptions は表と画像をすべて含める設定を返します。
func DefaultExportOptions() ExportOptions {
	return ExportOptions{IncludeImages: true, IncludeTables: true}
}

func (o ExportOptions) includes(kind RefKind) bool {
	switch kind {
	case RefTable:
		return o.IncludeTables
	case RefPicture:
		return o.IncludeImages
	default:
		return true
	}
}

// ExportMarkdown は Markdown 形式で出力します。
func (d *Document) ExportMarkdown(opts ExportOptions) string {
	blocks := make([]string, 0, len(d.Body))
	for _, ref := range d.Body {
		if !opts.includes(ref.Kind) {
			continue
		}
		switch ref.Kind {
		case RefText:
			blocks = append(blocks, markdownText(d.Texts[ref.Index]))
		case RefTable:
			blocks = append(blocks, markdownTable(d.Tables[ref.Index]))
		case RefPicture:
			block := imagePlaceholder
			if c := d.Pictures[ref.Index].Caption; c != "" {
				block += "\n\n" + c
			}
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func markdownText(t TextItem) string {
	switch t.Label {
	case LabelTitle:
		return "# " + t.Text
	case LabelSectionHeader:
		return strings.Repeat("#", headingDepth(t.Level)) + " " + t.Text
	case LabelListItem:
		return "- " + t.Text
	case LabelCode:
		return "```\n" + t.Text + "\n```"
	default:
		return t.Text
	}
}

// headingDepth はセクション見出しの階層を Markdown の深さ 2..6 に変換します。
func headingDepth(level int) int {
	depth := level + 1
	if depth < 2 {
		depth = 2
	}
	if depth > 6 {
		depth = 6
	}
	return depth
}

func markdownTable(t Table) string {
	var b strings.Builder
	for i, row := range t.Rows {
		b.WriteString("|")
		for _, cell := range row {
			b.WriteString(" ")
			b.WriteString(escapeMarkdownCell(cell))
			b.WriteString(" |")
		}
		if i == 0 {
			b.WriteString("\n|")
			for range row {
				b.WriteString("---|")
			}
		}
		if i < len(t.Rows)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func escapeMarkdownCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// ExportHTML は単体で表示できる HTML ドキュメントを出力します。
func (d *Document) ExportHTML(opts ExportOptions) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(d.Name))
	b.WriteString("</head>\n<body>\n")

	inList := false
	for _, ref := range d.Body {
		if !opts.includes(ref.Kind) {
			continue
		}
		isListItem := ref.Kind == RefText && d.Texts[ref.Index].Label == LabelListItem
		if inList && !isListItem {
			b.WriteString("</ul>\n")
			inList = false
		}
		if isListItem && !inList {
			b.WriteString("<ul>\n")
			inList = true
		}

		switch ref.Kind {
		case RefText:
			b.WriteString(htmlText(d.Texts[ref.Index]))
		case RefTable:
			b.WriteString(htmlTable(d.Tables[ref.Index]))
		case RefPicture:
			p := d.Pictures[ref.Index]
			b.WriteString("<figure>")
			if p.Caption != "" {
				fmt.Fprintf(&b, "<figcaption>%s</figcaption>", html.EscapeString(p.Caption))
			}
			b.WriteString("</figure>")
		}
		b.WriteString("\n")
	}
	if inList {
		b.WriteString("</ul>\n")
	}
	b.WriteString("</body>\n</html>")
	return b.String()
}

func htmlText(t TextItem) string {
	text := html.EscapeString(t.Text)
	switch t.Label {
	case LabelTitle:
		return "<h1>" + text + "</h1>"
	case LabelSectionHeader:
		depth := headingDepth(t.Level)
		return fmt.Sprintf("<h%d>%s</h%d>", depth, text, depth)
	case LabelListItem:
		return "<li>" + text + "</li>"
	case LabelCode:
		return "<pre><code>" + text + "</code></pre>"
	case LabelCaption:
		return "<figcaption>" + text + "</figcaption>"
	default:
		return "<p>" + text + "</p>"
	}
}

func htmlTable(t Table) string {
	var b strings.Builder
	b.WriteString("<table>")
	for i, row := range t.Rows {
		b.WriteString("<tr>")
		tag := "td"
		if i == 0 {
			tag = "th"
		}
		for _, cell := range row {
			fmt.Fprintf(&b, "<%s>%s</%s>", tag, html.EscapeString(cell), tag)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

// ExportDict は構造化出力を JSON 化可能なマップとして返します。
func (d *Document) ExportDict(opts ExportOptions) map[string]any {
	pages := make(map[string]any, len(d.Pages))
	for _, p := range d.Pages {
		pages[fmt.Sprint(p.No)] = map[string]any{
			"page_no": p.No,
			"size": map[string]any{
				"width":  p.Width,
				"height": p.Height,
			},
		}
	}

	texts := make([]any, 0, len(d.Texts))
	for i, t := range d.Texts {
		item := map[string]any{
			"self_ref": fmt.Sprintf("#/texts/%d", i),
			"label":    string(t.Label),
			"text":     t.Text,
			"prov":     provenance(t.Page),
		}
		if t.Label == LabelSectionHeader {
			item["level"] = t.Level
		}
		texts = append(texts, item)
	}

	tables := make([]any, 0, len(d.Tables))
	if opts.IncludeTables {
		for i, t := range d.Tables {
			grid := make([]any, 0, len(t.Rows))
			for r, row := range t.Rows {
				cells := make([]any, 0, len(row))
				for _, cell := range row {
					cells = append(cells, map[string]any{
						"text":          cell,
						"column_header": r == 0,
						"row_span":      1,
						"col_span":      1,
					})
				}
				grid = append(grid, cells)
			}
			cols := 0
			if len(t.Rows) > 0 {
				cols = len(t.Rows[0])
			}
			tables = append(tables, map[string]any{
				"self_ref": fmt.Sprintf("#/tables/%d", i),
				"label":    "table",
				"prov":     provenance(t.Page),
				"data": map[string]any{
					"num_rows": len(t.Rows),
					"num_cols": cols,
					"grid":     grid,
				},
			})
		}
	}

	pictures := make([]any, 0, len(d.Pictures))
	if opts.IncludeImages {
		for i, p := range d.Pictures {
			item := map[string]any{
				"self_ref": fmt.Sprintf("#/pictures/%d", i),
				"label":    "picture",
				"prov":     provenance(p.Page),
			}
			if p.Caption != "" {
				item["caption"] = p.Caption
			}
			if p.Width > 0 || p.Height > 0 {
				item["image"] = map[string]any{
					"mimetype": "image/" + p.Format,
					"size": map[string]any{
						"width":  p.Width,
						"height": p.Height,
					},
				}
			}
			pictures = append(pictures, item)
		}
	}

	children := make([]any, 0, len(d.Body))
	for _, ref := range d.Body {
		if !opts.includes(ref.Kind) {
			continue
		}
		children = append(children, map[string]any{
			"$ref": fmt.Sprintf("#/%ss/%d", ref.Kind, ref.Index),
		})
	}

	return map[string]any{
		"schema_name": schemaName,
		"version":     schemaVersion,
		"name":        d.Name,
		"pages":       pages,
		"texts":       texts,
		"tables":      tables,
		"pictures":    pictures,
		"body": map[string]any{
			"self_ref": "#/body",
			"children": children,
		},
	}
}

func provenance(page int) []any {
	if page <= 0 {
		return []any{}
	}
	return []any{map[string]any{"page_no": page}}
}

// ExportDocTags は DocTags 形式のマークアップを出力します。
func (d *Document) ExportDocTags(opts ExportOptions) string {
	var b strings.Builder
	b.WriteString("<doctag>")
	lastPage := 0
	for _, ref := range d.Body {
		if !opts.includes(ref.Kind) {
			continue
		}
		page := d.pageOf(ref)
		if page > 0 {
			if lastPage > 0 && page != lastPage {
				b.WriteString("<page_break>")
			}
			lastPage = page
		}

		switch ref.Kind {
		case RefText:
			b.WriteString(docTagsText(d.Texts[ref.Index]))
		case RefTable:
			b.WriteString(docTagsTable(d.Tables[ref.Index]))
		case RefPicture:
			b.WriteString("<picture>")
			if c := d.Pictures[ref.Index].Caption; c != "" {
				b.WriteString("<caption>" + html.EscapeString(c) + "</caption>")
			}
			b.WriteString("</picture>")
		}
		b.WriteString("\n")
	}
	b.WriteString("</doctag>")
	return b.String()
}

func (d *Document) pageOf(ref Ref) int {
	switch ref.Kind {
	case RefText:
		return d.Texts[ref.Index].Page
	case RefTable:
		return d.Tables[ref.Index].Page
	case RefPicture:
		return d.Pictures[ref.Index].Page
	}
	return 0
}

func docTagsText(t TextItem) string {
	tag := string(t.Label)
	if t.Label == LabelSectionHeader {
		tag = fmt.Sprintf("section_header_level_%d", max(t.Level, 1))
	}
	return "<" + tag + ">" + html.EscapeString(t.Text) + "</" + tag + ">"
}

func docTagsTable(t Table) string {
	var b strings.Builder
	b.WriteString("<otsl>")
	for i, row := range t.Rows {
		for _, cell := range row {
			switch {
			case i == 0 && cell != "":
				b.WriteString("<ched>" + html.EscapeString(cell))
			case cell == "":
				b.WriteString("<ecel>")
			default:
				b.WriteString("<fcel>" + html.EscapeString(cell))
			}
		}
		b.WriteString("<nl>")
	}
	b.WriteString("</otsl>")
	return b.String()
}

// String はドキュメント全体のプレーンな表現を返します。
// 表は行ごとにタブ区切り、画像はキャプションのみを出力します。
func (d *Document) String() string {
	if d == nil {
		return ""
	}
	parts := make([]string, 0, len(d.Body))
	for _, ref := range d.Body {
		switch ref.Kind {
		case RefText:
			parts = append(parts, d.Texts[ref.Index].Text)
		case RefTable:
			rows := make([]string, 0, len(d.Tables[ref.Index].Rows))
			for _, row := range d.Tables[ref.Index].Rows {
				rows = append(rows, strings.Join(row, "\t"))
			}
			parts = append(parts, strings.Join(rows, "\n"))
		case RefPicture:
			if c := d.Pictures[ref.Index].Caption; c != "" {
				parts = append(parts, c)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
