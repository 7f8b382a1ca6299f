package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 外部エンジンのレスポンスは最大 64MB まで読み込む
const maxRemoteResponseBytes = 64 << 20

const remoteResponseSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["success", "partial_success", "failure"]},
    "error": {"type": "string"},
    "document": {
      "type": ["object", "null"],
      "properties": {
        "name": {"type": "string"},
        "pages": {
          "type": "array",
          "items": {"type": "object", "required": ["page_no"], "properties": {"page_no": {"type": "integer", "minimum": 1}}}
        },
        "texts": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["label", "text"],
            "properties": {
              "label": {"enum": ["title", "section_header", "text", "list_item", "code", "caption"]},
              "text": {"type": "string"}
            }
          }
        },
        "tables": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["rows"],
            "properties": {"rows": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}}}
          }
        },
        "pictures": {"type": "array", "items": {"type": "object"}},
        "body": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind", "index"],
            "properties": {"kind": {"enum": ["text", "table", "picture"]}, "index": {"type": "integer", "minimum": 0}}
          }
        }
      }
    }
  }
}`

type remoteResponse struct {
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Document *Document `json:"document"`
}

// Remote は HTTP 経由で外部の変換エンジンを呼び出します。
type Remote struct {
	baseURL string
	client  *http.Client
	schema  *jsonschema.Schema
}

// NewRemote は Remote を作成します。
func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("engine-response.json", strings.NewReader(remoteResponseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("engine-response.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		schema:  schema,
	}, nil
}

// Convert はファイルを multipart で送信し、構造化ドキュメントを受け取ります。
func (r *Remote) Convert(ctx context.Context, path string) (*Result, error) {
	body, contentType, err := multipartBody(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/convert", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if err := r.schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("engine response does not match schema: %w", err)
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if out.Status == StatusFailure && out.Error != "" {
		return nil, fmt.Errorf("engine failure: %s", out.Error)
	}
	if out.Document.IsEmpty() {
		return &Result{Status: StatusFailure}, nil
	}
	out.Document.normalize()
	return &Result{Document: out.Document, Status: out.Status}, nil
}

// Ping は外部エンジンのヘルスチェックを行います。
func (r *Remote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health returned status %d", resp.StatusCode)
	}
	return nil
}

func multipartBody(path string) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}
