package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/convert"
)

const (
	defaultWorkers = 4

	progressStarted   = 10
	progressConverted = 90
	progressDone      = 100

	codeInternalError  = "INTERNAL_ERROR"
	codeJobInterrupted = "JOB_INTERRUPTED"
)

// Stager はアップロードデータの一時保存を担います。
type Stager interface {
	Stage(data []byte, originalName string) (string, error)
	Cleanup(path string) error
}

// Converter はステージング済みファイルを変換します。
type Converter interface {
	Convert(ctx context.Context, path string, format convert.Format, opts ...convert.Option) (*convert.Output, error)
}

// Stats はサーバー統計です。
type Stats struct {
	ActiveJobs     int `json:"active_jobs"`
	QueuedJobs     int `json:"queued_jobs"`
	ProcessingJobs int `json:"processing_jobs"`
	CompletedJobs  int `json:"completed_jobs"`
	FailedJobs     int `json:"failed_jobs"`
	TotalJobs      int `json:"total_jobs"`
	MaxWorkers     int `json:"max_workers"`
	QueueSize      int `json:"queue_size"`
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithWorkers はワーカー数を指定します。1 未満は既定値になります。
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueDepth はキューの上限を指定します。0 は無制限です。
func WithQueueDepth(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.queueDepth = n
		}
	}
}

// WithMaxUploadSize は Submit で受け付けるデータサイズの上限を指定します。0 以下は無制限です。
func WithMaxUploadSize(n int64) Option {
	return func(m *Manager) {
		m.maxUploadSize = n
	}
}

// WithHub は更新通知の配信先を指定します。
func WithHub(h *Hub) Option {
	return func(m *Manager) {
		if h != nil {
			m.hub = h
		}
	}
}

// Manager はジョブの投入・実行・状態参照を担います。
type Manager struct {
	store     Store
	stager    Stager
	converter Converter
	hub       *Hub
	logger    zerolog.Logger

	workers       int
	queueDepth    int
	maxUploadSize int64
	queue         *workQueue

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

// NewManager は Manager を初期化します。ワーカーは Start で起動します。
func NewManager(store Store, stager Stager, converter Converter, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if stager == nil {
		return nil, errors.New("stager is nil")
	}
	if converter == nil {
		return nil, errors.New("converter is nil")
	}

	m := &Manager{
		store:     store,
		stager:    stager,
		converter: converter,
		hub:       NewHub(),
		logger:    logger.With().Str("component", "jobs").Logger(),
		workers:   defaultWorkers,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = newWorkQueue(m.queueDepth)
	return m, nil
}

// Start はワーカーを起動します。複数回呼んでも起動は 1 度だけです。
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for i := 0; i < m.workers; i++ {
			m.wg.Add(1)
			go m.runWorker(i + 1)
		}
		m.logger.Info().Int("workers", m.workers).Int("max_queue_depth", m.queueDepth).Msg("job workers started")
	})
}

// Shutdown は新規投入を止め、キューに残った作業を処理し終えるまで待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.done)
		m.queue.close()
	})

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.logger.Info().Msg("job workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers は設定されたワーカー数です。
func (m *Manager) Workers() int {
	return m.workers
}

// Submit はジョブを作成してキューに投入します。投入側はブロックしません。
//
// ステージングに失敗した場合もジョブは作成され、ワーカーが processing を経て failed にします。
// キューが上限に達している場合は ErrBusy を返し、ジョブとステージング済みファイルは残しません。
// ファイル名やサイズが受け付け条件を満たさない場合は *convert.Error を返し、ジョブは作成しません。
func (m *Manager) Submit(ctx context.Context, data []byte, filename string, format convert.Format, opts ...convert.Option) (*Record, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}
	if err := convert.ValidateUpload(filename, int64(len(data)), m.maxUploadSize); err != nil {
		return nil, err
	}
	if m.queueDepth > 0 && m.queue.len() >= m.queueDepth {
		return nil, ErrBusy
	}

	record, err := m.store.Create(ctx, filename, format)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger := m.logger.With().Str("job_id", record.ID).Str("filename", filename).Logger()

	path, stageErr := m.stager.Stage(data, filename)
	if stageErr != nil {
		logger.Error().Err(stageErr).Msg("failed to stage upload")
	}

	item := workItem{
		jobID:    record.ID,
		filename: filename,
		path:     path,
		format:   format,
		opts:     opts,
		stageErr: stageErr,
	}
	if err := m.queue.push(item); err != nil {
		m.discard(ctx, item)
		return nil, err
	}

	logger.Info().Str("format", string(format)).Msg("job queued")
	return record, nil
}

// RecoverInterrupted は前回のプロセスが終了させられなかった queued / processing のジョブを
// failed にします。ワーカーを起動する前に呼び出します。
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	recovered := 0
	for _, r := range records {
		if r.Status.Terminal() {
			continue
		}
		logger := m.logger.With().Str("job_id", r.ID).Str("status", string(r.Status)).Logger()
		if r.Status == StatusQueued && !m.update(ctx, logger, r.ID, func(rec *Record) error {
			rec.Status = StatusProcessing
			rec.Progress = progressStarted
			return nil
		}) {
			continue
		}
		if m.update(ctx, logger, r.ID, func(rec *Record) error {
			rec.Status = StatusFailed
			rec.Progress = progressDone
			rec.Result = &Result{
				Message: "Job interrupted",
				Code:    codeJobInterrupted,
				Error:   "server restarted before the job finished",
			}
			return nil
		}) {
			recovered++
		}
	}
	return recovered, nil
}

// Lookup はジョブを参照します。保持期間を過ぎた終了済みジョブは削除され ErrExpired になります。
func (m *Manager) Lookup(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Subscribe はジョブ更新の購読を開始します。
func (m *Manager) Subscribe(jobID string) (<-chan *Record, func()) {
	return m.hub.Subscribe(jobID)
}

// Stats はジョブ件数とキューの状態を返します。
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		TotalJobs:  len(records),
		MaxWorkers: m.workers,
		QueueSize:  m.queue.len(),
	}
	for _, r := range records {
		switch r.Status {
		case StatusQueued:
			stats.QueuedJobs++
		case StatusProcessing:
			stats.ProcessingJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		}
	}
	stats.ActiveJobs = stats.QueuedJobs + stats.ProcessingJobs
	return stats, nil
}

// Sweep は期限切れの終了済みジョブを削除します。
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.Sweep(ctx)
}

// StartSweeper は interval ごとに Sweep を実行します。ctx の終了か Shutdown で止まります。
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				removed, err := m.Sweep(ctx)
				if err != nil {
					m.logger.Error().Err(err).Msg("job sweep failed")
					continue
				}
				if removed > 0 {
					m.logger.Info().Int("removed", removed).Msg("expired jobs swept")
				}
			}
		}
	}()
}

func (m *Manager) runWorker(id int) {
	defer m.wg.Done()
	logger := m.logger.With().Int("worker_id", id).Logger()
	for {
		item, ok := m.queue.pop()
		if !ok {
			return
		}
		m.process(logger, item)
	}
}

// process は 1 件の作業を実行します。
// ステージング済みファイルは終了状態への遷移前に必ず 1 度だけ削除されます。
func (m *Manager) process(logger zerolog.Logger, item workItem) {
	ctx := context.Background()
	logger = logger.With().Str("job_id", item.jobID).Logger()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if err := m.stager.Cleanup(item.path); err != nil {
				logger.Warn().Err(err).Str("path", item.path).Msg("failed to clean up staged file")
			}
		})
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("job panicked")
			release()
			m.fail(ctx, logger, item.jobID, &Result{
				Message: "Internal server error",
				Code:    codeInternalError,
				Error:   fmt.Sprint(r),
			})
		}
	}()

	if !m.update(ctx, logger, item.jobID, func(r *Record) error {
		r.Status = StatusProcessing
		r.Progress = progressStarted
		return nil
	}) {
		return
	}
	logger.Info().Msg("job started")

	if item.stageErr != nil {
		release()
		m.fail(ctx, logger, item.jobID, &Result{
			Message: "Conversion failed",
			Code:    convert.CodeStagingFailed,
			Error:   item.stageErr.Error(),
		})
		return
	}

	out, err := m.converter.Convert(ctx, item.path, item.format, item.opts...)
	release()
	if err != nil {
		m.fail(ctx, logger, item.jobID, failureResult(err))
		return
	}

	m.update(ctx, logger, item.jobID, func(r *Record) error {
		r.Progress = progressConverted
		return nil
	})
	meta := out.Metadata
	if m.update(ctx, logger, item.jobID, func(r *Record) error {
		r.Status = StatusCompleted
		r.Progress = progressDone
		r.Result = &Result{
			Success:  true,
			Message:  "Document converted successfully",
			Content:  out.Content,
			Metadata: &meta,
		}
		return nil
	}) {
		logger.Info().Msg("job completed")
	}
}

func failureResult(err error) *Result {
	var apiErr *convert.Error
	if errors.As(err, &apiErr) {
		return &Result{Message: "Conversion failed", Code: apiErr.Code, Error: apiErr.Message}
	}
	return &Result{Message: "Internal server error", Code: codeInternalError, Error: err.Error()}
}

func (m *Manager) fail(ctx context.Context, logger zerolog.Logger, jobID string, result *Result) {
	if m.update(ctx, logger, jobID, func(r *Record) error {
		r.Status = StatusFailed
		r.Progress = progressDone
		r.Result = result
		return nil
	}) {
		logger.Warn().Str("code", result.Code).Str("err", result.Error).Msg("job failed")
	}
}

// update はストアを更新して購読者へ通知します。失敗はログに残し false を返します。
func (m *Manager) update(ctx context.Context, logger zerolog.Logger, jobID string, mutate func(*Record) error) bool {
	record, err := m.store.Update(ctx, jobID, mutate)
	if err != nil {
		logger.Error().Err(err).Msg("failed to update job")
		return false
	}
	m.hub.Publish(record)
	return true
}

// discard は投入できなかった作業のジョブとファイルを取り除きます。
func (m *Manager) discard(ctx context.Context, item workItem) {
	if err := m.store.Delete(ctx, item.jobID); err != nil {
		m.logger.Error().Err(err).Str("job_id", item.jobID).Msg("failed to delete rejected job")
	}
	if err := m.stager.Cleanup(item.path); err != nil {
		m.logger.Warn().Err(err).Str("path", item.path).Msg("failed to clean up staged file")
	}
}
