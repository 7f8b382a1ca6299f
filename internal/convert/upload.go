package convert

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var supportedExtensions = []string{
	".pdf", ".docx", ".pptx", ".xlsx", ".html", ".htm", ".md", ".txt", ".csv", ".xml",
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif",
}

// InputFormats は /formats で返す入力フォーマットの表示名です。
var InputFormats = []string{
	"PDF", "DOCX", "PPTX", "XLSX", "HTML", "MD",
	"Images (JPG, PNG, GIF, BMP, TIFF)", "CSV", "XML",
}

// SupportedExtensions は受け付ける拡張子の一覧を返します。
func SupportedExtensions() []string {
	out := make([]string, len(supportedExtensions))
	copy(out, supportedExtensions)
	return out
}

// IsSupportedFile は拡張子が受け付け対象かを返します（大文字小文字は区別しません）。
func IsSupportedFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, s := range supportedExtensions {
		if s == ext {
			return true
		}
	}
	return false
}

// ValidateUpload はステージング前の入力検証を行います。
func ValidateUpload(filename string, size, maxSize int64) error {
	if strings.TrimSpace(filename) == "" {
		return newError(CodeInvalidInput, "ファイルを選択してください。", nil)
	}
	if !IsSupportedFile(filename) {
		return newError(CodeUnsupportedFileType,
			fmt.Sprintf("対応していないファイル形式です。対応形式: %s", strings.Join(supportedExtensions, ", ")), nil)
	}
	if maxSize > 0 && size > maxSize {
		return newError(CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", maxSize/(1024*1024)), nil)
	}
	return nil
}

// FileInfo はアップロードファイルの基本情報をメタデータとして返します。
func FileInfo(filename string, data []byte) Metadata {
	size := int64(len(data))
	return Metadata{
		Filename:    filename,
		Size:        size,
		Extension:   strings.ToLower(filepath.Ext(filename)),
		SizeMB:      math.Round(float64(size)/(1024*1024)*100) / 100,
		ContentType: mimetype.Detect(data).String(),
	}
}

// withFileInfo は変換メタデータにファイル情報を合成します。
func (m Metadata) withFileInfo(info Metadata) Metadata {
	m.Filename = info.Filename
	m.Size = info.Size
	m.Extension = info.Extension
	m.SizeMB = info.SizeMB
	m.ContentType = info.ContentType
	return m
}
