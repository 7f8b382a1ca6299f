package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/jobs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// jobSubmitter は jobs.Manager を convert.JobSubmitter として使うためのアダプターです。
type jobSubmitter struct {
	manager *jobs.Manager
}

func (s *jobSubmitter) Submit(ctx context.Context, data []byte, filename string, format convert.Format, opts ...convert.Option) (string, error) {
	record, err := s.manager.Submit(ctx, data, filename, format, opts...)
	switch {
	case errors.Is(err, jobs.ErrBusy):
		return "", &convert.Error{Code: convert.CodeQueueFull, Message: "変換待ちのジョブが多すぎます。しばらくしてから再度お試しください。", Err: err}
	case errors.Is(err, jobs.ErrClosed):
		return "", &convert.Error{Code: convert.CodeQueueFull, Message: "サーバーが停止処理中のため受け付けできません。", Err: err}
	case err != nil:
		return "", err
	}
	return record.ID, nil
}

// setupJobs は設定に従ってジョブストアとマネージャーを作成します。
func setupJobs(cfg *config.Config, stager jobs.Stager, converter jobs.Converter, logger zerolog.Logger) (*jobs.Manager, jobs.Store, error) {
	var store jobs.Store
	switch cfg.JobStoreBackend {
	case config.StoreBackendRedis:
		opt, err := redis.ParseURL(cfg.JobRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse JOB_REDIS_URL: %w", err)
		}
		redisStore := jobs.NewRedisStore(redis.NewClient(opt), cfg.Retention(), nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisStore.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect job store: %w", err)
		}
		store = redisStore
	default:
		store = jobs.NewMemoryStore(cfg.Retention(), nil)
	}
	logger.Info().Str("backend", cfg.JobStoreBackend).Dur("retention", cfg.Retention()).Msg("job store ready")

	manager, err := jobs.NewManager(store, stager, converter, logger,
		jobs.WithWorkers(cfg.WorkerCount),
		jobs.WithQueueDepth(cfg.MaxQueueDepth),
		jobs.WithMaxUploadSize(cfg.MaxFileSize),
	)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recovered, err := manager.RecoverInterrupted(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("jobs", recovered).Msg("marked interrupted jobs as failed")
	}
	return manager, store, nil
}

// jobStatusHandler は GET /convert-status/:id のハンドラーです。
func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := lookupJob(c, manager)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// lookupJob はジョブを取得し、見つからない場合はエラーレスポンスを書き込みます。
func lookupJob(c *gin.Context, manager *jobs.Manager) (*jobs.Record, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "job_id を指定してください。",
		})
		return nil, false
	}

	record, err := manager.Lookup(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, false
	case errors.Is(err, jobs.ErrExpired):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_EXPIRED",
			"message": "指定されたジョブは保持期間を過ぎたため削除されました。",
		})
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return nil, false
	}
	return record, true
}

// jobUpdate は websocket で送るメッセージです。
type jobUpdate struct {
	Type string `json:"type"`
	*jobs.Record
}

// jobStreamHandler は GET /convert-status/:id/ws のハンドラーです。
// 現在の状態を送った後は更新のたびに送信し、終了状態を送ったら接続を閉じます。
// 待機中は pongTimeout の 9/10 間隔で ping を送り、pong が途絶えた接続を切ります。
func jobStreamHandler(manager *jobs.Manager, allowedOrigins []string, pongTimeout time.Duration, logger zerolog.Logger) gin.HandlerFunc {
	if pongTimeout <= 0 {
		pongTimeout = wsPongTimeout
	}
	pingInterval := pongTimeout * 9 / 10

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(c *gin.Context) {
		// 購読を先に始め、スナップショット取得との間の更新を取りこぼさない
		updates, unsubscribe := manager.Subscribe(strings.TrimSpace(c.Param("id")))
		defer unsubscribe()

		record, ok := lookupJob(c, manager)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Str("job_id", record.ID).Msg("failed to upgrade to websocket")
			return
		}
		defer conn.Close()

		// クライアントからの切断を検知する
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		last := record
		if err := writeUpdate(conn, "job_snapshot", record); err != nil {
			return
		}
		for !last.Status.Terminal() {
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					logger.Debug().Err(err).Str("job_id", record.ID).Msg("websocket ping failed")
					return
				}
			case next, ok := <-updates:
				if !ok {
					return
				}
				if !newerThan(next, last) {
					continue
				}
				last = next
				if err := writeUpdate(conn, "job_update", next); err != nil {
					logger.Debug().Err(err).Str("job_id", record.ID).Msg("websocket write failed")
					return
				}
			}
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status)))
	}
}

func writeUpdate(conn *websocket.Conn, kind string, record *jobs.Record) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(jobUpdate{Type: kind, Record: record})
}

// newerThan は next が last より進んだ状態かを返します。
func newerThan(next, last *jobs.Record) bool {
	if next.Progress != last.Progress {
		return next.Progress > last.Progress
	}
	return next.Status != last.Status && !last.Status.Terminal()
}

// originChecker は Origin ヘッダーが CORS 許可オリジンに含まれるかを判定します。
// Origin を送らないクライアント（CLI など）は許可します。
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}

// serverStatsHandler は GET /server-stats のハンドラーです。
func serverStatsHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := manager.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "統計情報の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// submitRateLimit は非同期投入の頻度を制限します。limit が 0 以下なら何もしません。
func submitRateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
			})
			return
		}
		c.Next()
	}
}
