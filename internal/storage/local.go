// Package storage はアップロードされたファイルの一時保存（ステージング）を提供します。
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrIO はステージング時の I/O 失敗を表します。
var ErrIO = errors.New("staging I/O failure")

// Local はローカルファイルシステム上のアップロードディレクトリを扱います。
type Local struct {
	dir string
}

// NewLocal は Local を作成します。ディレクトリは最初の Stage 時に作成されます。
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Dir は保存先ディレクトリを返します。
func (l *Local) Dir() string {
	return l.dir
}

// Stage はデータを一意なファイル名で書き込み、そのパスを返します。
// 元ファイル名の拡張子は保持されます。
func (l *Local) Stage(data []byte, originalName string) (string, error) {
	if err := l.ensureDir(); err != nil {
		return "", err
	}

	name := uuid.NewString() + filepath.Ext(originalName)
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrIO, name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %v", ErrIO, name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: close %s: %v", ErrIO, name, err)
	}
	return path, nil
}

// Cleanup はステージング済みファイルを削除します。
// 空パスや既に存在しないファイルはエラーにしません。
func (l *Local) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) ensureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create upload dir: %v", ErrIO, err)
	}
	return nil
}
