package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   "0",
		GinMode:                gin.TestMode,
		LogLevel:               "disabled",
		ShutdownTimeoutSeconds: 5,
		CORSAllowedOrigins:     "http://localhost:3000",
		UploadDir:              filepath.Join(t.TempDir(), "uploads"),
		MaxFileSize:            1 << 20,
		WorkerCount:            2,
		JobRetentionMinutes:    60,
		JobStoreBackend:        config.StoreBackendMemory,
		EngineMode:             config.EngineModeLocal,
		EngineTimeoutSeconds:   5,
		SubmitRateBurst:        10,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp returned error: %v", err)
	}
	a.manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.manager.Shutdown(ctx)
	})
	return a, setupRouter(a)
}

func uploadRequest(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(content))
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return body
}

func assertNoStagedFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staged files left: %d", len(entries))
	}
}

func submitAsync(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/convert-async", "notes.md", "# Notes\n\nhello async", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "queued" {
		t.Fatalf("unexpected body: %v", body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id: %v", body)
	}
	return jobID
}

func waitForJob(t *testing.T, router *gin.Engine, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/convert-status/"+jobID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if s := body["status"]; s == "completed" || s == "failed" {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestRootAndFormats(t *testing.T) {
	_, router := newTestApp(t, testConfig(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "running" {
		t.Fatalf("unexpected root response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/formats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if formats, ok := body["output_formats"].([]interface{}); !ok || len(formats) != 5 {
		t.Fatalf("unexpected output formats: %v", body["output_formats"])
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/ok", healthHandler(map[string]pinger{"engine": stubPinger{}}))
	router.GET("/ng", healthHandler(map[string]pinger{"engine": stubPinger{err: errors.New("connection refused")}}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "healthy" {
		t.Fatalf("unexpected healthy response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ng", nil))
	if rec.Code != http.StatusServiceUnavailable || decodeBody(t, rec)["status"] != "unhealthy" {
		t.Fatalf("unexpected unhealthy response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestConvertSync(t *testing.T) {
	cfg := testConfig(t)
	_, router := newTestApp(t, cfg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/convert", "readme.md", "# Readme\n\nhello sync", map[string]string{"output_format": "text"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || !strings.Contains(body["content"].(string), "hello sync") {
		t.Fatalf("unexpected body: %v", body)
	}
	assertNoStagedFiles(t, cfg.UploadDir)
}

func TestConvertAsyncLifecycle(t *testing.T) {
	cfg := testConfig(t)
	_, router := newTestApp(t, cfg)

	jobID := submitAsync(t, router)
	body := waitForJob(t, router, jobID)
	if body["status"] != "completed" || body["progress"] != float64(100) || body["filename"] != "notes.md" {
		t.Fatalf("unexpected job: %v", body)
	}
	result, ok := body["result"].(map[string]interface{})
	if !ok || result["success"] != true || !strings.Contains(result["content"].(string), "hello async") {
		t.Fatalf("unexpected result: %v", body["result"])
	}
	assertNoStagedFiles(t, cfg.UploadDir)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/server-stats", nil))
	stats := decodeBody(t, rec)
	if stats["completed_jobs"] != float64(1) || stats["total_jobs"] != float64(1) || stats["max_workers"] != float64(2) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestConvertAsyncRejectsBeforeStaging(t *testing.T) {
	cfg := testConfig(t)
	_, router := newTestApp(t, cfg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/convert-async", "virus.exe", "MZ", nil))
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["code"] != "UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/server-stats", nil))
	if decodeBody(t, rec)["total_jobs"] != float64(0) {
		t.Fatalf("rejected upload created a job: %s", rec.Body.String())
	}
}

func TestJobStatusNotFound(t *testing.T) {
	_, router := newTestApp(t, testConfig(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/convert-status/unknown", nil))
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["code"] != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubmitRateLimit = 0.001
	cfg.SubmitRateBurst = 1
	_, router := newTestApp(t, cfg)

	submitAsync(t, router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/convert-async", "notes.md", "# again", nil))
	if rec.Code != http.StatusTooManyRequests || decodeBody(t, rec)["code"] != "RATE_LIMITED" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestJobSubmitterMapsBusy(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxQueueDepth = 1
	gin.SetMode(gin.TestMode)
	// ワーカーを起動しないのでキューは空かない
	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp returned error: %v", err)
	}
	router := setupRouter(a)

	submitAsync(t, router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/convert-async", "notes.md", "# again", nil))
	if rec.Code != http.StatusServiceUnavailable || decodeBody(t, rec)["code"] != "QUEUE_FULL" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRedisBackedApp(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.JobStoreBackend = config.StoreBackendRedis
	cfg.JobRedisURL = "redis://" + mr.Addr() + "/0"
	a, router := newTestApp(t, cfg)

	if _, ok := a.checks["job_store"]; !ok {
		t.Fatal("redis store should be part of health checks")
	}

	jobID := submitAsync(t, router)
	if body := waitForJob(t, router, jobID); body["status"] != "completed" {
		t.Fatalf("unexpected job: %v", body)
	}
	if !mr.Exists("job:" + jobID) {
		t.Fatal("job not stored in redis")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRedisBackedAppRecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// 前回のプロセスが queued のまま残したジョブ
	leftover := jobs.NewRedisStore(rdb, time.Hour, nil)
	record, err := leftover.Create(ctx, "notes.md", convert.FormatMarkdown)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	cfg := testConfig(t)
	cfg.JobStoreBackend = config.StoreBackendRedis
	cfg.JobRedisURL = "redis://" + mr.Addr() + "/0"
	_, router := newTestApp(t, cfg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/convert-status/"+record.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	result, _ := body["result"].(map[string]interface{})
	if body["status"] != "failed" || result["code"] != "JOB_INTERRUPTED" {
		t.Fatalf("leftover job not marked interrupted: %v", body)
	}
	if ttl := mr.TTL("job:" + record.ID); ttl <= 0 {
		t.Fatalf("interrupted job should expire, ttl = %v", ttl)
	}
}

func TestJobSubmitterValidatesUpload(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	submitter := &jobSubmitter{manager: a.manager}

	_, err := submitter.Submit(context.Background(), []byte("MZ"), "tool.exe", convert.FormatMarkdown)
	if !convert.IsCode(err, convert.CodeUnsupportedFileType) {
		t.Fatalf("expected UNSUPPORTED_FILE_TYPE, got %v", err)
	}
	_, err = submitter.Submit(context.Background(), make([]byte, a.cfg.MaxFileSize+1), "big.md", convert.FormatMarkdown)
	if !convert.IsCode(err, convert.CodeLimitExceeded) {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
	stats, err := a.manager.Stats(context.Background())
	if err != nil || stats.TotalJobs != 0 {
		t.Fatalf("rejected uploads created jobs: %+v %v", stats, err)
	}
	assertNoStagedFiles(t, a.cfg.UploadDir)
}

// slowConverter は delay だけ待ってから変換結果を返します。
type slowConverter struct {
	delay time.Duration
}

func (c slowConverter) Convert(ctx context.Context, path string, format convert.Format, opts ...convert.Option) (*convert.Output, error) {
	time.Sleep(c.delay)
	return &convert.Output{
		Format:   format,
		Content:  "# done",
		Metadata: convert.Metadata{Pages: 1, ConversionStatus: "success"},
	}, nil
}

func TestJobStreamKeepsSilentClientAlive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pongTimeout := 500 * time.Millisecond

	manager, err := jobs.NewManager(jobs.NewMemoryStore(time.Hour, nil), storage.NewLocal(t.TempDir()),
		slowConverter{delay: 3 * pongTimeout}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	router := gin.New()
	router.GET("/convert-status/:id/ws", jobStreamHandler(manager, nil, pongTimeout, zerolog.Nop()))
	srv := httptest.NewServer(router)
	defer srv.Close()

	record, err := manager.Submit(context.Background(), []byte("# slow"), "slow.md", convert.FormatMarkdown)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/convert-status/" + record.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()

	// クライアントはメッセージを送らず、ping に pong を返すだけ
	pings := 0
	conn.SetPingHandler(func(data string) error {
		pings++
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last map[string]interface{}
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("stream ended before completion: %v (last=%v)", err, last)
			}
			break
		}
		last = msg
	}
	if last == nil || last["status"] != string(jobs.StatusCompleted) {
		t.Fatalf("last message = %v, want completed", last)
	}
	if pings < 2 {
		t.Fatalf("pings = %d, want at least 2 while the job was running", pings)
	}
}

func TestJobStreamWebsocket(t *testing.T) {
	_, router := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(router)
	defer srv.Close()

	jobID := submitAsync(t, router)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/convert-status/" + jobID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var last map[string]interface{}
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected read error: %v", err)
			}
			break
		}
		if msg["job_id"] != jobID {
			t.Fatalf("unexpected message: %v", msg)
		}
		last = msg
	}
	if last == nil || last["status"] != string(jobs.StatusCompleted) {
		t.Fatalf("last message = %v, want completed", last)
	}
}

func TestJobStreamUnknownJob(t *testing.T) {
	_, router := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/convert-status/unknown/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	cases := map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://evil.example":   false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Fatalf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}
