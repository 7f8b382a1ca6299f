// Package convert は変換エンジンの呼び出しと同期変換・HTTP ハンドラーを提供します。
package convert

import (
	"fmt"
	"strings"
)

// Format は出力フォーマットです。
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatDocTags  Format = "doctags"
)

// FormatInfo は /formats で返す出力フォーマットの表示情報です。
type FormatInfo struct {
	Value Format `json:"value"`
	Label string `json:"label"`
}

var outputFormats = []FormatInfo{
	{Value: FormatMarkdown, Label: "Markdown"},
	{Value: FormatHTML, Label: "HTML"},
	{Value: FormatJSON, Label: "JSON"},
	{Value: FormatText, Label: "Plain Text"},
	{Value: FormatDocTags, Label: "DocTags"},
}

// OutputFormats は対応する出力フォーマットの一覧を返します。
func OutputFormats() []FormatInfo {
	out := make([]FormatInfo, len(outputFormats))
	copy(out, outputFormats)
	return out
}

// Valid は列挙されたフォーマットかを返します。
func (f Format) Valid() bool {
	for _, info := range outputFormats {
		if info.Value == f {
			return true
		}
	}
	return false
}

// ParseFormat は文字列を Format に変換します。空文字は markdown として扱います。
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatMarkdown, nil
	}
	f := Format(s)
	if !f.Valid() {
		return "", newError(CodeUnsupportedFormat, fmt.Sprintf("Unsupported output format: %s", s), nil)
	}
	return f, nil
}
