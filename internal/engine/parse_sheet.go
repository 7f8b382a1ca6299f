package engine

import (
	"context"
	"encoding/csv"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

func parseCSV(_ context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	doc.AddTable(trimCells(rows), 0)
	return success(doc), nil
}

// parseXLSX はシートごとに 1 ページ・1 表として読み込みます。
func parseXLSX(ctx context.Context, path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc := &Document{}
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, err
		}
		page := i + 1
		doc.AddPage(Page{No: page})
		if len(rows) > 0 {
			doc.AddText(LabelSectionHeader, sheet, 1, page)
		}
		doc.AddTable(trimCells(rows), page)
	}
	return success(doc), nil
}

func trimCells(rows [][]string) [][]string {
	for _, row := range rows {
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
	}
	return rows
}
