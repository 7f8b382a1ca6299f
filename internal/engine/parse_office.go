package engine

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

func parseDOCX(_ context.Context, path string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	rc, err := openZipEntry(&zr.Reader, "word/document.xml")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	doc := &Document{}
	if err := readWordprocessing(doc, xml.NewDecoder(rc)); err != nil {
		return nil, err
	}
	return success(doc), nil
}

// ooxmlBlock は段落や表セルのテキストを組み立てる作業状態です。
type ooxmlBlock struct {
	para     strings.Builder
	style    string
	isList   bool
	pictures int
	inText   bool

	tableDepth int
	rows       [][]string
	row        []string
	cell       strings.Builder
}

func (s *ooxmlBlock) startParagraph() {
	s.para.Reset()
	s.style = ""
	s.isList = false
	s.pictures = 0
}

func (s *ooxmlBlock) appendToCell(text string) {
	if text == "" {
		return
	}
	if s.cell.Len() > 0 {
		s.cell.WriteByte(' ')
	}
	s.cell.WriteString(text)
}

func readWordprocessing(doc *Document, dec *xml.Decoder) error {
	var s ooxmlBlock
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				s.tableDepth++
				if s.tableDepth == 1 {
					s.rows = nil
				}
			case "tr":
				if s.tableDepth == 1 {
					s.row = nil
				}
			case "tc":
				if s.tableDepth == 1 {
					s.cell.Reset()
				}
			case "p":
				s.startParagraph()
			case "pStyle":
				s.style = attrValue(t, "val")
			case "numPr":
				s.isList = true
			case "t":
				s.inText = true
			case "tab":
				s.para.WriteByte('\t')
			case "br", "cr":
				s.para.WriteByte(' ')
			case "drawing", "pict":
				s.pictures++
			}
		case xml.CharData:
			if s.inText {
				s.para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				s.inText = false
			case "p":
				text := collapseSpace(s.para.String())
				if s.tableDepth > 0 {
					s.appendToCell(text)
					continue
				}
				addWordParagraph(doc, text, s.style, s.isList)
				for i := 0; i < s.pictures; i++ {
					doc.AddPicture(Picture{})
				}
			case "tc":
				if s.tableDepth == 1 {
					s.row = append(s.row, s.cell.String())
				}
			case "tr":
				if s.tableDepth == 1 {
					s.rows = append(s.rows, s.row)
				}
			case "tbl":
				s.tableDepth--
				if s.tableDepth == 0 {
					doc.AddTable(s.rows, 0)
				}
			}
		}
	}
}

func addWordParagraph(doc *Document, text, style string, isList bool) {
	lower := strings.ToLower(style)
	switch {
	case lower == "title":
		doc.AddText(LabelTitle, text, 0, 0)
	case strings.HasPrefix(lower, "heading"):
		level, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lower, "heading")))
		if err != nil || level < 1 {
			level = 1
		}
		doc.AddText(LabelSectionHeader, text, level, 0)
	case lower == "caption":
		doc.AddText(LabelCaption, text, 0, 0)
	case isList || strings.HasPrefix(lower, "list"):
		doc.AddText(LabelListItem, text, 0, 0)
	default:
		doc.AddText(LabelText, text, 0, 0)
	}
}

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// parsePPTX はスライドごとに 1 ページとして読み込みます。
func parsePPTX(ctx context.Context, path string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	type slide struct {
		no   int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slidePattern.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		no, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{no: no, file: f})
	}
	if len(slides) == 0 {
		return nil, errors.New("presentation has no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].no < slides[j].no })

	doc := &Document{}
	for i, sl := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := i + 1
		doc.AddPage(Page{No: page})
		if err := readSlide(doc, sl.file, page); err != nil {
			return nil, fmt.Errorf("slide %d: %w", sl.no, err)
		}
	}
	return success(doc), nil
}

func readSlide(doc *Document, f *zip.File, page int) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		s          ooxmlBlock
		titleShape bool
		bullet     bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				titleShape = false
			case "ph":
				typ := attrValue(t, "type")
				titleShape = typ == "title" || typ == "ctrTitle"
			case "tbl":
				s.tableDepth++
				s.rows = nil
			case "tr":
				s.row = nil
			case "tc":
				s.cell.Reset()
			case "p":
				s.startParagraph()
				bullet = false
			case "buChar", "buAutoNum":
				bullet = true
			case "t":
				s.inText = true
			case "pic":
				doc.AddPicture(Picture{Page: page})
			}
		case xml.CharData:
			if s.inText {
				s.para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				s.inText = false
			case "p":
				text := collapseSpace(s.para.String())
				switch {
				case s.tableDepth > 0:
					s.appendToCell(text)
				case titleShape && page == 1 && !hasTitle(doc):
					doc.AddText(LabelTitle, text, 0, page)
				case titleShape:
					doc.AddText(LabelSectionHeader, text, 1, page)
				case bullet:
					doc.AddText(LabelListItem, text, 0, page)
				default:
					doc.AddText(LabelText, text, 0, page)
				}
			case "tc":
				s.row = append(s.row, s.cell.String())
			case "tr":
				s.rows = append(s.rows, s.row)
			case "tbl":
				s.tableDepth--
				if s.tableDepth == 0 {
					doc.AddTable(s.rows, page)
				}
			}
		}
	}
}

// parseXML は葉要素の文字データを段落として読み込みます。
func parseXML(_ context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc := &Document{}
	dec := xml.NewDecoder(f)
	dec.Strict = false
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			// 子要素より前に現れた混在テキストを確定させる
			doc.AddText(LabelText, collapseSpace(text.String()), 0, 0)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			doc.AddText(LabelText, collapseSpace(text.String()), 0, 0)
			text.Reset()
		}
	}
	return success(doc), nil
}

func openZipEntry(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
