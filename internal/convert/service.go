package convert

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Stager はアップロードデータの一時保存を担います。
type Stager interface {
	Stage(data []byte, originalName string) (string, error)
	Cleanup(path string) error
}

// Service は同期変換（ステージング → 変換 → 削除）を提供します。
type Service struct {
	stager    Stager
	converter *Converter
	maxSize   int64
	logger    zerolog.Logger
}

// NewService は Service を作成します。
func NewService(stager Stager, converter *Converter, maxSize int64, logger zerolog.Logger) (*Service, error) {
	if stager == nil {
		return nil, errors.New("stager is nil")
	}
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	return &Service{
		stager:    stager,
		converter: converter,
		maxSize:   maxSize,
		logger:    logger,
	}, nil
}

// MaxSize はアップロードサイズの上限です。
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Converter は内部の Converter を返します。
func (s *Service) Converter() *Converter {
	return s.converter
}

// ConvertNow はリクエスト内で変換を完了させます。ジョブは作成しません。
// ステージングしたファイルは成功・失敗・パニックのいずれでも必ず削除されます。
func (s *Service) ConvertNow(ctx context.Context, data []byte, filename string, format Format, opts ...Option) (*Output, error) {
	if err := ValidateUpload(filename, int64(len(data)), s.maxSize); err != nil {
		return nil, err
	}
	if !format.Valid() {
		return nil, newError(CodeUnsupportedFormat, "Unsupported output format: "+string(format), nil)
	}

	path, err := s.stager.Stage(data, filename)
	if err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("failed to stage upload")
		return nil, newError(CodeStagingFailed, "ファイルの保存に失敗しました。", err)
	}
	defer func() {
		if err := s.stager.Cleanup(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to clean up staged file")
		}
	}()

	out, err := s.converter.Convert(ctx, path, format, opts...)
	if err != nil {
		return nil, err
	}
	out.Metadata = out.Metadata.withFileInfo(FileInfo(filename, data))
	return out, nil
}
