package engine

import (
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// parsePDF はページ数を pdfcpu で、本文テキストを ledongthuc/pdf で取得します。
// テキスト層を持たないページ（スキャン画像など）は空ページとして数えます。
func (l *Local) parsePDF(ctx context.Context, path string) (*Result, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pageCount, err := pdfapi.PageCountFile(path)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("pdfcpu page count failed, falling back to reader")
		pageCount = r.NumPage()
	}

	doc := &Document{}
	failed := 0
	for i := 1; i <= pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc.AddPage(Page{No: i})
		if i > r.NumPage() {
			continue
		}
		text, err := pageText(r.Page(i))
		if err != nil {
			failed++
			l.logger.Debug().Err(err).Int("page", i).Msg("failed to extract page text")
			continue
		}
		for _, p := range splitParagraphs(text) {
			doc.AddText(LabelText, p, 0, i)
		}
	}

	res := success(doc)
	if failed > 0 {
		res.Status = StatusPartialSuccess
	}
	return res, nil
}

func pageText(p pdf.Page) (text string, err error) {
	if p.V.IsNull() {
		return "", nil
	}
	// 壊れたコンテンツストリームでパニックすることがあるためページ単位で捕捉する
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page text extraction panicked: %v", r)
		}
	}()
	return p.GetPlainText(nil)
}
