package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_ENV", "LISTEN_ADDR",
		"CATALOG_URL", "CATALOG_MAX_CONNS", "CATALOG_MIN_CONNS",
		"BUS_URL", "BUS_DIAL_TIMEOUT", "BUS_QUEUE_MAX_LEN", "BUS_MESSAGE_TTL",
		"BUS_CONSUMER_IDLE_RETRY", "BUS_MAX_DELIVERIES", "BUS_HANDLER_TIMEOUT",
		"JWT_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
		"SCAN_CONCURRENCY", "THUMBNAIL_CONCURRENCY", "CACHE_CONCURRENCY", "PROCESSING_CONCURRENCY",
		"THUMBNAIL_WIDTH", "THUMBNAIL_HEIGHT", "THUMBNAIL_QUALITY",
		"CACHE_WIDTH", "CACHE_HEIGHT", "CACHE_QUALITY",
		"SCHEDULER_TICK_INTERVAL", "JOB_MONITOR_INTERVAL", "CACHE_ROOT_AUDIT_INTERVAL",
		"DEFAULT_JOB_TIMEOUT_MIN", "TOMBSTONE_RETENTION_HOURS", "LARGE_COLLECTION_THRESHOLD",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8090")
	}

	if cfg.CatalogMaxConn != 25 {
		t.Errorf("CatalogMaxConn = %d, want 25", cfg.CatalogMaxConn)
	}
	if cfg.CatalogMinConn != 5 {
		t.Errorf("CatalogMinConn = %d, want 5", cfg.CatalogMinConn)
	}

	if cfg.BusQueueMaxLen != 100_000 {
		t.Errorf("BusQueueMaxLen = %d, want 100000", cfg.BusQueueMaxLen)
	}
	if cfg.BusMessageTTL != 24*time.Hour {
		t.Errorf("BusMessageTTL = %v, want 24h", cfg.BusMessageTTL)
	}
	if cfg.BusConsumerIdleRetry != 30*time.Second {
		t.Errorf("BusConsumerIdleRetry = %v, want 30s", cfg.BusConsumerIdleRetry)
	}
	if cfg.BusMaxDeliveries != 3 {
		t.Errorf("BusMaxDeliveries = %d, want 3", cfg.BusMaxDeliveries)
	}
	if cfg.BusHandlerTimeout != 60*time.Second {
		t.Errorf("BusHandlerTimeout = %v, want 60s", cfg.BusHandlerTimeout)
	}

	if cfg.ScanConcurrency != 4 {
		t.Errorf("ScanConcurrency = %d, want 4", cfg.ScanConcurrency)
	}
	if cfg.ThumbnailConcurrency != 8 {
		t.Errorf("ThumbnailConcurrency = %d, want 8", cfg.ThumbnailConcurrency)
	}
	if cfg.CacheConcurrency != 8 {
		t.Errorf("CacheConcurrency = %d, want 8", cfg.CacheConcurrency)
	}
	if cfg.ProcessingConcurrency != 4 {
		t.Errorf("ProcessingConcurrency = %d, want 4", cfg.ProcessingConcurrency)
	}

	if cfg.ThumbnailWidth != 300 || cfg.ThumbnailHeight != 300 {
		t.Errorf("thumbnail dims = %dx%d, want 300x300", cfg.ThumbnailWidth, cfg.ThumbnailHeight)
	}
	if cfg.ThumbnailQuality != 85 {
		t.Errorf("ThumbnailQuality = %d, want 85", cfg.ThumbnailQuality)
	}
	if cfg.CacheWidth != 1920 || cfg.CacheHeight != 1080 {
		t.Errorf("cache dims = %dx%d, want 1920x1080", cfg.CacheWidth, cfg.CacheHeight)
	}
	if cfg.CacheQuality != 85 {
		t.Errorf("CacheQuality = %d, want 85", cfg.CacheQuality)
	}

	if cfg.SchedulerTickInterval != time.Second {
		t.Errorf("SchedulerTickInterval = %v, want 1s", cfg.SchedulerTickInterval)
	}
	if cfg.JobMonitorInterval != 5*time.Second {
		t.Errorf("JobMonitorInterval = %v, want 5s", cfg.JobMonitorInterval)
	}
	if cfg.CacheRootAuditInterval != 15*time.Minute {
		t.Errorf("CacheRootAuditInterval = %v, want 15m", cfg.CacheRootAuditInterval)
	}
	if cfg.DefaultJobTimeoutMin != 30 {
		t.Errorf("DefaultJobTimeoutMin = %d, want 30", cfg.DefaultJobTimeoutMin)
	}
	if cfg.TombstoneRetentionHours != 720 {
		t.Errorf("TombstoneRetentionHours = %d, want 720", cfg.TombstoneRetentionHours)
	}
	if cfg.LargeCollectionThreshold != 5000 {
		t.Errorf("LargeCollectionThreshold = %d, want 5000", cfg.LargeCollectionThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("CATALOG_MAX_CONNS", "50")
	t.Setenv("BUS_QUEUE_MAX_LEN", "50000")
	t.Setenv("SCAN_CONCURRENCY", "2")
	t.Setenv("THUMBNAIL_WIDTH", "150")
	t.Setenv("CACHE_QUALITY", "90")
	t.Setenv("DEFAULT_JOB_TIMEOUT_MIN", "10")
	t.Setenv("LARGE_COLLECTION_THRESHOLD", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerEnv != "development" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "development")
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9000")
	}
	if cfg.CatalogMaxConn != 50 {
		t.Errorf("CatalogMaxConn = %d, want 50", cfg.CatalogMaxConn)
	}
	if cfg.BusQueueMaxLen != 50000 {
		t.Errorf("BusQueueMaxLen = %d, want 50000", cfg.BusQueueMaxLen)
	}
	if cfg.ScanConcurrency != 2 {
		t.Errorf("ScanConcurrency = %d, want 2", cfg.ScanConcurrency)
	}
	if cfg.ThumbnailWidth != 150 {
		t.Errorf("ThumbnailWidth = %d, want 150", cfg.ThumbnailWidth)
	}
	if cfg.CacheQuality != 90 {
		t.Errorf("CacheQuality = %d, want 90", cfg.CacheQuality)
	}
	if cfg.DefaultJobTimeoutMin != 10 {
		t.Errorf("DefaultJobTimeoutMin = %d, want 10", cfg.DefaultJobTimeoutMin)
	}
	if cfg.LargeCollectionThreshold != 1000 {
		t.Errorf("LargeCollectionThreshold = %d, want 1000", cfg.LargeCollectionThreshold)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("CATALOG_MAX_CONNS", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "CATALOG_MAX_CONNS") {
		t.Errorf("error %q does not mention CATALOG_MAX_CONNS", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadInvalidInt64(t *testing.T) {
	t.Setenv("BUS_QUEUE_MAX_LEN", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "BUS_QUEUE_MAX_LEN") {
		t.Errorf("error %q does not mention BUS_QUEUE_MAX_LEN", err.Error())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("BUS_DIAL_TIMEOUT", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "BUS_DIAL_TIMEOUT") {
		t.Errorf("error %q does not mention BUS_DIAL_TIMEOUT", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("CATALOG_MAX_CONNS", "abc")
	t.Setenv("SCAN_CONCURRENCY", "xyz")
	t.Setenv("BUS_MAX_DELIVERIES", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	for _, want := range []string{"CATALOG_MAX_CONNS", "SCAN_CONCURRENCY", "BUS_MAX_DELIVERIES"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error missing %s, got: %s", want, errStr)
		}
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		setenv  map[string]string
		wantErr string
	}{
		{
			name:    "min conns exceeds max conns",
			setenv:  map[string]string{"CATALOG_MAX_CONNS": "5", "CATALOG_MIN_CONNS": "10"},
			wantErr: "CATALOG_MIN_CONNS",
		},
		{
			name:    "zero bus queue max len",
			setenv:  map[string]string{"BUS_QUEUE_MAX_LEN": "0"},
			wantErr: "BUS_QUEUE_MAX_LEN",
		},
		{
			name:    "negative bus handler timeout",
			setenv:  map[string]string{"BUS_HANDLER_TIMEOUT": "-30s"},
			wantErr: "BUS_HANDLER_TIMEOUT",
		},
		{
			name:    "zero scan concurrency",
			setenv:  map[string]string{"SCAN_CONCURRENCY": "0"},
			wantErr: "SCAN_CONCURRENCY",
		},
		{
			name:    "thumbnail quality out of range",
			setenv:  map[string]string{"THUMBNAIL_QUALITY": "101"},
			wantErr: "THUMBNAIL_QUALITY",
		},
		{
			name:    "cache quality zero",
			setenv:  map[string]string{"CACHE_QUALITY": "0"},
			wantErr: "CACHE_QUALITY",
		},
		{
			name:    "zero thumbnail width",
			setenv:  map[string]string{"THUMBNAIL_WIDTH": "0"},
			wantErr: "THUMBNAIL_WIDTH",
		},
		{
			name:    "zero large collection threshold",
			setenv:  map[string]string{"LARGE_COLLECTION_THRESHOLD": "0"},
			wantErr: "LARGE_COLLECTION_THRESHOLD",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.setenv {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() returned nil error, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}
