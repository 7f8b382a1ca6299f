package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, key := range []string{
		"PORT", "WORKER_COUNT", "JOB_RETENTION_MINUTES", "JOB_STORE_BACKEND",
		"ENGINE_MODE", "MAX_FILE_SIZE", "UPLOAD_DIR", "MAX_QUEUE_DEPTH",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Fatalf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("WorkerCount = %d, want 4", cfg.WorkerCount)
	}
	if cfg.MaxFileSize != 50*1024*1024 {
		t.Fatalf("MaxFileSize = %d", cfg.MaxFileSize)
	}
	if cfg.Retention() != time.Hour {
		t.Fatalf("Retention = %v, want 1h", cfg.Retention())
	}
	if cfg.MaxQueueDepth != 0 {
		t.Fatalf("MaxQueueDepth = %d, want 0", cfg.MaxQueueDepth)
	}
	if cfg.JobStoreBackend != StoreBackendMemory || cfg.EngineMode != EngineModeLocal {
		t.Fatalf("unexpected backend/mode: %s/%s", cfg.JobStoreBackend, cfg.EngineMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("MAX_QUEUE_DEPTH", "100")
	t.Setenv("JOB_STORE_BACKEND", "Redis")
	t.Setenv("SUBMIT_RATE_LIMIT", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WorkerCount != 8 || cfg.MaxQueueDepth != 100 {
		t.Fatalf("unexpected queue settings: %d/%d", cfg.WorkerCount, cfg.MaxQueueDepth)
	}
	if cfg.JobStoreBackend != StoreBackendRedis {
		t.Fatalf("JobStoreBackend = %q", cfg.JobStoreBackend)
	}
	if cfg.SubmitRateLimit != 2.5 {
		t.Fatalf("SubmitRateLimit = %v", cfg.SubmitRateLimit)
	}
}

func TestValidateRejectsInvalid(t *testing.T) {
	base := func() *Config {
		return &Config{
			WorkerCount:         4,
			MaxFileSize:         1,
			JobRetentionMinutes: 60,
			JobStoreBackend:     StoreBackendMemory,
			EngineMode:          EngineModeLocal,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(*Config){
		"zero workers":       func(c *Config) { c.WorkerCount = 0 },
		"negative depth":     func(c *Config) { c.MaxQueueDepth = -1 },
		"unknown backend":    func(c *Config) { c.JobStoreBackend = "etcd" },
		"remote without url": func(c *Config) { c.EngineMode = EngineModeRemote },
		"zero retention":     func(c *Config) { c.JobRetentionMinutes = 0 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{CORSAllowedOrigins: "http://a.example, ,http://b.example "}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "http://a.example" || origins[1] != "http://b.example" {
		t.Fatalf("unexpected origins: %#v", origins)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
