package engine

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// parseImage は画像 1 枚を 1 ページ・1 画像要素として扱います。
func parseImage(_ context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	doc.AddPage(Page{No: 1, Width: float64(cfg.Width), Height: float64(cfg.Height)})
	doc.AddPicture(Picture{Format: format, Width: cfg.Width, Height: cfg.Height, Page: 1})
	return success(doc), nil
}
