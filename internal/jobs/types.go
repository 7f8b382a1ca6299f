// Package jobs は非同期変換ジョブの状態管理とワーカープールを提供します。
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/doc-forge/internal/convert"
)

var (
	// ErrNotFound は存在しないジョブを参照したときのエラーです。
	ErrNotFound = errors.New("job not found")
	// ErrExpired は保持期間を過ぎて削除されたジョブを参照したときのエラーです。
	ErrExpired = errors.New("job expired")
	// ErrBusy はキューが上限に達しているときのエラーです。
	ErrBusy = errors.New("job queue is full")
	// ErrInvalidTransition は状態遷移の規則に反する更新のエラーです。
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrClosed は停止済みのマネージャーへの投入エラーです。
	ErrClosed = errors.New("job manager is closed")
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態（completed / failed）かを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result はジョブ終了時の結果です。成功時は Content と Metadata、失敗時は Error を持ちます。
type Result struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message"`
	Content  string            `json:"content,omitempty"`
	Metadata *convert.Metadata `json:"metadata,omitempty"`
	Code     string            `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	ID           string         `json:"job_id"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Filename     string         `json:"filename"`
	OutputFormat convert.Format `json:"output_format"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Result       *Result        `json:"result"`
}

func newRecord(id, filename string, format convert.Format, now time.Time) *Record {
	return &Record{
		ID:           id,
		Status:       StatusQueued,
		Progress:     0,
		Filename:     filename,
		OutputFormat: format,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Result != nil {
		res := *r.Result
		if r.Result.Metadata != nil {
			meta := *r.Result.Metadata
			res.Metadata = &meta
		}
		cp.Result = &res
	}
	return &cp
}

// expired は終了済みかつ作成から保持期間を超えているかを返します。
func (r *Record) expired(now time.Time, retention time.Duration) bool {
	return r.Status.Terminal() && retention > 0 && now.Sub(r.CreatedAt) > retention
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusQueued, StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
}

// validateTransition は prev から next への更新がジョブの状態機械に従っているかを検証します。
func validateTransition(prev, next *Record) error {
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, prev.ID, prev.Status)
	}
	if next.ID != prev.ID || next.Filename != prev.Filename ||
		next.OutputFormat != prev.OutputFormat || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: immutable fields changed", ErrInvalidTransition)
	}

	allowed := false
	for _, s := range allowedTransitions[prev.Status] {
		if s == next.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}

	if next.Progress < prev.Progress || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	if next.Status.Terminal() {
		if next.Result == nil || next.Progress != 100 {
			return fmt.Errorf("%w: terminal state requires result and progress 100", ErrInvalidTransition)
		}
	} else if next.Result != nil {
		return fmt.Errorf("%w: result set on non-terminal job", ErrInvalidTransition)
	}
	return nil
}
