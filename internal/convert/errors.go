package convert

import "errors"

// エラーコード（API レスポンスの code にそのまま使う）
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeConversionFailed    = "CONVERSION_FAILED"
	CodeStagingFailed       = "STAGING_FAILED"
)

// Error はクライアントに返すエラー情報です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsCode は err が指定コードの *Error を含むかを返します。
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
