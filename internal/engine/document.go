// Package engine はドキュメントを解析して構造化モデルに変換する変換エンジンを提供します。
//
// 呼び出し側からは Convert(path) → Result のみを通じて利用され、
// 解析の詳細（フォーマット判定・パーサー選択）はこのパッケージに閉じています。
package engine

import (
	"context"
	"strings"
)

// Status はエンジンの変換結果ステータスです。
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// Label はテキスト要素の種類です。
type Label string

const (
	LabelTitle         Label = "title"
	LabelSectionHeader Label = "section_header"
	LabelText          Label = "text"
	LabelListItem      Label = "list_item"
	LabelCode          Label = "code"
	LabelCaption       Label = "caption"
)

// RefKind は本文順序で参照される要素の種類です。
type RefKind string

const (
	RefText    RefKind = "text"
	RefTable   RefKind = "table"
	RefPicture RefKind = "picture"
)

// Engine は変換エンジンの共通インターフェースです。
type Engine interface {
	Convert(ctx context.Context, path string) (*Result, error)
}

// Result はエンジンの出力です。Document が nil の場合は「ドキュメントなし」を意味します。
type Result struct {
	Document *Document
	Status   Status
}

// Page はページ情報です。サイズが不明な場合は 0 です。
type Page struct {
	No     int     `json:"page_no"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// TextItem はテキスト要素です。Level はセクション見出しの階層（1 始まり）を表します。
type TextItem struct {
	Label Label  `json:"label"`
	Text  string `json:"text"`
	Level int    `json:"level,omitempty"`
	Page  int    `json:"page_no,omitempty"`
}

// Table は表です。先頭行をヘッダーとして扱います。
type Table struct {
	Rows [][]string `json:"rows"`
	Page int        `json:"page_no,omitempty"`
}

// Picture は画像要素です。
type Picture struct {
	Caption string `json:"caption,omitempty"`
	Format  string `json:"format,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Page    int    `json:"page_no,omitempty"`
}

// Ref は本文の読み順における要素参照です。
type Ref struct {
	Kind  RefKind `json:"kind"`
	Index int     `json:"index"`
}

// Document はエンジンが生成する構造化ドキュメントです。
type Document struct {
	Name     string     `json:"name"`
	Pages    []Page     `json:"pages,omitempty"`
	Texts    []TextItem `json:"texts,omitempty"`
	Tables   []Table    `json:"tables,omitempty"`
	Pictures []Picture  `json:"pictures,omitempty"`
	Body     []Ref      `json:"body,omitempty"`
}

// AddText は空でないテキスト要素を追加します。
func (d *Document) AddText(label Label, text string, level, page int) {
	if text == "" {
		return
	}
	d.Texts = append(d.Texts, TextItem{Label: label, Text: text, Level: level, Page: page})
	d.Body = append(d.Body, Ref{Kind: RefText, Index: len(d.Texts) - 1})
}

// AddTable は表を追加します。列数は最大列数に揃えられます。
func (d *Document) AddTable(rows [][]string, page int) {
	rows = normalizeRows(rows)
	if len(rows) == 0 {
		return
	}
	d.Tables = append(d.Tables, Table{Rows: rows, Page: page})
	d.Body = append(d.Body, Ref{Kind: RefTable, Index: len(d.Tables) - 1})
}

func (d *Document) AddPicture(p Picture) {
	d.Pictures = append(d.Pictures, p)
	d.Body = append(d.Body, Ref{Kind: RefPicture, Index: len(d.Pictures) - 1})
}

func (d *Document) AddPage(p Page) {
	if p.No == 0 {
		p.No = len(d.Pages) + 1
	}
	d.Pages = append(d.Pages, p)
}

// IsEmpty はページも要素も持たないかを返します。
func (d *Document) IsEmpty() bool {
	return d == nil || (len(d.Pages) == 0 && len(d.Texts) == 0 && len(d.Tables) == 0 && len(d.Pictures) == 0)
}

// normalize は本文順序が欠けている場合（外部エンジン由来など）に要素順で補完し、
// 範囲外の参照を取り除きます。
func (d *Document) normalize() {
	if len(d.Body) == 0 {
		for i := range d.Texts {
			d.Body = append(d.Body, Ref{Kind: RefText, Index: i})
		}
		for i := range d.Tables {
			d.Body = append(d.Body, Ref{Kind: RefTable, Index: i})
		}
		for i := range d.Pictures {
			d.Body = append(d.Body, Ref{Kind: RefPicture, Index: i})
		}
		return
	}
	valid := d.Body[:0]
	for _, ref := range d.Body {
		var n int
		switch ref.Kind {
		case RefText:
			n = len(d.Texts)
		case RefTable:
			n = len(d.Tables)
		case RefPicture:
			n = len(d.Pictures)
		}
		if ref.Index >= 0 && ref.Index < n {
			valid = append(valid, ref)
		}
	}
	d.Body = valid
}

func normalizeRows(rows [][]string) [][]string {
	// 末尾の空行は落とす
	for len(rows) > 0 && isBlankRow(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		padded := make([]string, width)
		copy(padded, row)
		out[i] = padded
	}
	return out
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
