package convert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CodeQueueFull はジョブキューが満杯のときのエラーコードです。
const CodeQueueFull = "QUEUE_FULL"

// multipart のヘッダー等を見込んだ本文サイズの余裕
const multipartOverhead = 1 << 20

// JobSubmitter は非同期変換ジョブを投入するためのインターフェースです。
type JobSubmitter interface {
	Submit(ctx context.Context, data []byte, filename string, format Format, opts ...Option) (string, error)
}

type upload struct {
	data     []byte
	filename string
	format   Format
	opts     []Option
}

// ConvertHandler は POST /convert（同期変換）のハンドラーを返します。
func ConvertHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		up, err := readUpload(c, svc.MaxSize())
		if err != nil {
			respondWithError(c, err)
			return
		}

		out, err := svc.ConvertNow(c.Request.Context(), up.data, up.filename, up.format, up.opts...)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"message":  "Document converted successfully",
			"format":   out.Format,
			"content":  out.Content,
			"metadata": out.Metadata,
		})
	}
}

// ConvertAsyncHandler は POST /convert-async（非同期変換）のハンドラーを返します。
func ConvertAsyncHandler(svc *Service, submitter JobSubmitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		up, err := readUpload(c, svc.MaxSize())
		if err != nil {
			respondWithError(c, err)
			return
		}

		jobID, err := submitter.Submit(c.Request.Context(), up.data, up.filename, up.format, up.opts...)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  jobID,
			"status":  "queued",
			"message": "Conversion job started",
		})
	}
}

// FormatsHandler は GET /formats のハンドラーを返します。
func FormatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"input_formats":        InputFormats,
			"supported_extensions": SupportedExtensions(),
			"output_formats":       OutputFormats(),
		})
	}
}

// readUpload は multipart からファイルと変換オプションを取り出します。
// 検証はファイルを読み込む前に行い、不正な入力はステージングされません。
func readUpload(c *gin.Context, maxSize int64) (*upload, error) {
	if maxSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", err)
		}
		return nil, newError(CodeInvalidInput, "multipart/form-data の file フィールドでファイルを送信してください。", err)
	}
	if err := ValidateUpload(fileHeader.Filename, fileHeader.Size, maxSize); err != nil {
		return nil, err
	}

	format, err := ParseFormat(c.PostForm("output_format"))
	if err != nil {
		return nil, err
	}
	includeImages, err := parseBoolField(c, "include_images")
	if err != nil {
		return nil, err
	}
	includeTables, err := parseBoolField(c, "include_tables")
	if err != nil {
		return nil, err
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, newError(CodeInvalidInput, "アップロードファイルを開けませんでした。", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, newError(CodeInvalidInput, "アップロードファイルの読み込みに失敗しました。", err)
	}

	return &upload{
		data:     data,
		filename: fileHeader.Filename,
		format:   format,
		opts:     []Option{WithImages(includeImages), WithTables(includeTables)},
	}, nil
}

// parseBoolField は真偽値フィールドを読み取ります。未指定の場合は true です。
func parseBoolField(c *gin.Context, key string) (bool, error) {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, newError(CodeInvalidInput, key+" は true または false で指定してください。", err)
	}
	return v, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeConversionFailed:
		return http.StatusUnprocessableEntity
	case CodeStagingFailed:
		return http.StatusInternalServerError
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
