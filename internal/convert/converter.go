package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/engine"
)

const noTextPlaceholder = "No text content found"

// Metadata は変換結果のメタデータです。ファイル情報は同期変換時のみ設定されます。
type Metadata struct {
	Pages            int    `json:"pages"`
	Tables           int    `json:"tables"`
	Pictures         int    `json:"pictures"`
	ConversionStatus string `json:"conversion_status"`

	Filename    string  `json:"filename,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Extension   string  `json:"extension,omitempty"`
	SizeMB      float64 `json:"size_mb,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
}

// Output は 1 回の変換結果です。生成後に変更されることはありません。
type Output struct {
	Format   Format   `json:"format"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Options は出力に含める要素の指定です。
type Options struct {
	IncludeImages bool
	IncludeTables bool
}

// Option は Options を変更する関数です。
type Option func(*Options)

// WithImages は画像要素を出力に含めるかを指定します。
func WithImages(include bool) Option {
	return func(o *Options) { o.IncludeImages = include }
}

// WithTables は表を出力に含めるかを指定します。
func WithTables(include bool) Option {
	return func(o *Options) { o.IncludeTables = include }
}

func buildOptions(opts []Option) Options {
	o := Options{IncludeImages: true, IncludeTables: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Converter は変換エンジンを呼び出し、指定フォーマットへ書き出します。
type Converter struct {
	engine engine.Engine
	logger zerolog.Logger
}

// NewConverter は Converter を作成します。
func NewConverter(eng engine.Engine, logger zerolog.Logger) (*Converter, error) {
	if eng == nil {
		return nil, errors.New("engine is nil")
	}
	return &Converter{engine: eng, logger: logger}, nil
}

// Convert は path のドキュメントを format に変換します。
// エンジンのエラーやパニックは CONVERSION_FAILED の *Error に変換され、再試行は行いません。
func (c *Converter) Convert(ctx context.Context, path string, format Format, opts ...Option) (out *Output, err error) {
	if !format.Valid() {
		return nil, newError(CodeUnsupportedFormat, fmt.Sprintf("Unsupported output format: %s", format), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("path", path).Interface("panic", r).Msg("conversion engine panicked")
			out = nil
			err = newError(CodeConversionFailed, fmt.Sprintf("Error converting document: %v", r), nil)
		}
	}()

	c.logger.Info().Str("path", path).Str("format", string(format)).Msg("converting document")
	res, err := c.engine.Convert(ctx, path)
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("conversion failed")
		return nil, newError(CodeConversionFailed, fmt.Sprintf("Error converting document: %v", err), err)
	}
	if res == nil || res.Document == nil {
		return nil, newError(CodeConversionFailed, "Failed to convert document", nil)
	}

	doc := res.Document
	o := buildOptions(opts)
	content, err := export(doc, format, engine.ExportOptions{
		IncludeImages: o.IncludeImages,
		IncludeTables: o.IncludeTables,
	})
	if err != nil {
		return nil, newError(CodeConversionFailed, fmt.Sprintf("Error converting document: %v", err), err)
	}

	status := string(res.Status)
	if status == "" {
		status = string(engine.StatusSuccess)
	}

	c.logger.Info().Str("format", string(format)).Msg("document converted successfully")
	return &Output{
		Format:  format,
		Content: content,
		Metadata: Metadata{
			Pages:            len(doc.Pages),
			Tables:           len(doc.Tables),
			Pictures:         len(doc.Pictures),
			ConversionStatus: status,
		},
	}, nil
}

func export(doc *engine.Document, format Format, opts engine.ExportOptions) (string, error) {
	switch format {
	case FormatMarkdown:
		return doc.ExportMarkdown(opts), nil
	case FormatHTML:
		return doc.ExportHTML(opts), nil
	case FormatJSON:
		return marshalIndent(doc.ExportDict(opts))
	case FormatText:
		return plainText(doc), nil
	case FormatDocTags:
		return doc.ExportDocTags(opts), nil
	}
	return "", fmt.Errorf("unsupported output format: %s", format)
}

// marshalIndent は 2 スペースでインデントし、HTML エスケープをしない JSON を返します。
func marshalIndent(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// plainText はテキスト要素を文書順に空行区切りで連結します。
// テキスト要素がなければ文書全体の表現、それも空なら固定文言を返します。
func plainText(doc *engine.Document) string {
	parts := make([]string, 0, len(doc.Texts))
	for _, t := range doc.Texts {
		if t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}
	if s := doc.String(); strings.TrimSpace(s) != "" {
		return s
	}
	return noTextPlaceholder
}
