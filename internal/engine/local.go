package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

type parseFunc func(ctx context.Context, path string) (*Result, error)

// Local はプロセス内で動作する変換エンジンです。入力の拡張子でパーサーを選択します。
type Local struct {
	logger  zerolog.Logger
	parsers map[string]parseFunc
}

// NewLocal は Local を作成します。
func NewLocal(logger zerolog.Logger) *Local {
	l := &Local{logger: logger.With().Str("component", "engine").Logger()}
	l.parsers = map[string]parseFunc{
		".md":   parseMarkdown,
		".txt":  parsePlainText,
		".html": parseHTML,
		".htm":  parseHTML,
		".csv":  parseCSV,
		".xlsx": parseXLSX,
		".pdf":  l.parsePDF,
		".docx": parseDOCX,
		".pptx": parsePPTX,
		".xml":  parseXML,
		".jpg":  parseImage,
		".jpeg": parseImage,
		".png":  parseImage,
		".gif":  parseImage,
		".bmp":  parseImage,
		".tiff": parseImage,
		".tif":  parseImage,
	}
	return l
}

// SupportedExtensions は解析可能な拡張子を昇順で返します。
func (l *Local) SupportedExtensions() []string {
	exts := make([]string, 0, len(l.parsers))
	for ext := range l.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Convert はファイルを解析して Result を返します。
// 解析できる内容が何もない場合は Document が nil の失敗結果を返します。
func (l *Local) Convert(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	parse, ok := l.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported input type %q", ext)
	}

	res, err := parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ext, err)
	}
	if res == nil || res.Document.IsEmpty() {
		l.logger.Debug().Str("path", path).Msg("engine produced no document")
		return &Result{Status: StatusFailure}, nil
	}

	res.Document.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res.Document.normalize()
	return res, nil
}

func success(doc *Document) *Result {
	return &Result{Document: doc, Status: StatusSuccess}
}

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// splitParagraphs は空行区切りで段落に分割し、段落内の改行は空白に畳みます。
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	chunks := blankLine.Split(text, -1)
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if p := strings.Join(strings.Fields(chunk), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePlainText(_ context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	for _, p := range splitParagraphs(string(data)) {
		doc.AddText(LabelText, p, 0, 0)
	}
	return success(doc), nil
}
