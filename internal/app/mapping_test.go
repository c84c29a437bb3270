package app

import (
	"testing"
	"time"

	"curator/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name        string
		cfg         *config.Config
		wantEnabled bool
		wantErr     bool
		wantDriver  string
	}{
		{"nil config", nil, false, false, ""},
		{"section omitted", &config.Config{}, false, false, ""},
		{"driver none", &config.Config{Storage: &config.StorageConfig{Driver: "none"}}, false, false, ""},
		{"file without dir", &config.Config{Storage: &config.StorageConfig{Driver: "file"}}, false, true, ""},
		{"file", &config.Config{Storage: &config.StorageConfig{Driver: "file", Dir: "/tmp/data"}}, true, false, "file"},
		{"sqlite case folded", &config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Dir: "/tmp/data"}}, true, false, "sqlite"},
		{"unknown driver", &config.Config{Storage: &config.StorageConfig{Driver: "redis", Dir: "/tmp/data"}}, false, true, ""},
		{"bad busy timeout", &config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Dir: "/tmp/data", BusyTimeout: "soon"}}, false, true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(c.cfg)
			if (err != nil) != c.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, c.wantErr)
			}
			if enabled != c.wantEnabled {
				t.Fatalf("enabled = %v, want %v", enabled, c.wantEnabled)
			}
			if c.wantDriver != "" && sc.Driver != c.wantDriver {
				t.Fatalf("driver = %q, want %q", sc.Driver, c.wantDriver)
			}
		})
	}
}

func TestMapStorageConfigSQLiteBusyTimeout(t *testing.T) {
	sc, enabled, err := mapStorageConfig(&config.Config{
		Storage: &config.StorageConfig{Driver: "sqlite", Dir: "/tmp/data", BusyTimeout: "2s"},
	})
	if err != nil || !enabled {
		t.Fatalf("unexpected err=%v enabled=%v", err, enabled)
	}
	if sc.BusyTimeout != 2*time.Second {
		t.Fatalf("busy timeout = %v, want 2s", sc.BusyTimeout)
	}
}

func TestMapSchedulerConfigDurations(t *testing.T) {
	out, err := mapSchedulerConfig(&config.Config{
		Scheduler: config.SchedulerConfig{
			UpdateInterval:      "45m",
			TickInterval:        "250ms",
			SaveInterval:        "2m",
			ExpireSweepInterval: "10s",
			MaxConcurrent:       3,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.UpdateInterval != 45*time.Minute {
		t.Errorf("update interval = %v", out.UpdateInterval)
	}
	if out.TickInterval != 250*time.Millisecond {
		t.Errorf("tick interval = %v", out.TickInterval)
	}
	if out.SaveInterval != 2*time.Minute {
		t.Errorf("save interval = %v", out.SaveInterval)
	}
	if out.ExpireSweepInterval != 10*time.Second {
		t.Errorf("expire sweep = %v", out.ExpireSweepInterval)
	}
	if out.MaxConcurrent != 3 {
		t.Errorf("max concurrent = %d", out.MaxConcurrent)
	}
}

func TestMapSchedulerConfigEmptyMeansDefaults(t *testing.T) {
	out, err := mapSchedulerConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	// Zero values; the scheduler's own normalization owns the defaults.
	if out.UpdateInterval != 0 || out.TickInterval != 0 || out.MaxConcurrent != 0 {
		t.Fatalf("expected zero config, got %+v", out)
	}
}

func TestMapNotifyConfig(t *testing.T) {
	t.Run("section omitted", func(t *testing.T) {
		out, err := mapNotifyConfig(&config.Config{})
		if err != nil {
			t.Fatal(err)
		}
		if out.Enabled {
			t.Fatal("expected disabled")
		}
	})

	t.Run("enabled without url", func(t *testing.T) {
		_, err := mapNotifyConfig(&config.Config{Notify: &config.NotifyConfig{Enabled: true}})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("full", func(t *testing.T) {
		out, err := mapNotifyConfig(&config.Config{Notify: &config.NotifyConfig{
			Enabled:       true,
			WebhookURL:    " https://hooks.example.com/x ",
			Workers:       4,
			Timeout:       "5s",
			RetryBase:     "100ms",
			RetryMaxDelay: "3s",
			DedupWindow:   "1m",
		}})
		if err != nil {
			t.Fatal(err)
		}
		if out.WebhookURL != "https://hooks.example.com/x" {
			t.Errorf("url = %q", out.WebhookURL)
		}
		if out.Workers != 4 || out.SendTimeout != 5*time.Second || out.RetryBase != 100*time.Millisecond {
			t.Errorf("mapped = %+v", out)
		}
		if out.DedupWindow != time.Minute {
			t.Errorf("dedup window = %v", out.DedupWindow)
		}
	})
}

func TestMapLoggingConfigDebugOverride(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "warn", Console: true}}
	if got := mapLoggingConfig(cfg, false).Level; got != "warn" {
		t.Fatalf("level = %q, want warn", got)
	}
	if got := mapLoggingConfig(cfg, true).Level; got != "debug" {
		t.Fatalf("level with debug = %q, want debug", got)
	}
}

func TestMapPprofConfig(t *testing.T) {
	out, err := mapPprofConfig(&config.Config{Pprof: config.PprofConfig{
		Enabled:     true,
		Addr:        " 127.0.0.1:6060 ",
		Token:       "tok",
		ReadTimeout: "5s",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Addr != "127.0.0.1:6060" || !out.Enabled || out.Token != "tok" {
		t.Fatalf("mapped = %+v", out)
	}
	if out.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout = %v", out.ReadTimeout)
	}

	if _, err := mapPprofConfig(&config.Config{Pprof: config.PprofConfig{WriteTimeout: "nope"}}); err == nil {
		t.Fatal("expected error for bad write_timeout")
	}
}
