package confloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Server struct {
		Addr string `koanf:"addr"`
	} `koanf:"server"`
	Booking struct {
		TTL  time.Duration `koanf:"ttl"`
		Mode string        `koanf:"mode"`
	} `koanf:"booking"`
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadPrecedence(t *testing.T) {
	path := writeYAML(t, "server:\n  addr: \"10.0.0.1:6121\"\nbooking:\n  mode: notice\n")
	t.Setenv("PARTYMESH_SERVER_ADDR", "10.0.0.2:7000")

	var cfg testConfig
	cfg.Server.Addr = "127.0.0.1:6121" // default
	cfg.Booking.Mode = "jobs"          // default
	cfg.Booking.TTL = 600 * time.Second

	if err := NewLoader(WithConfigFile(path)).Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Env beats file beats default.
	if cfg.Server.Addr != "10.0.0.2:7000" {
		t.Fatalf("addr = %q, want env value", cfg.Server.Addr)
	}
	if cfg.Booking.Mode != "notice" {
		t.Fatalf("mode = %q, want file value", cfg.Booking.Mode)
	}
	if cfg.Booking.TTL != 600*time.Second {
		t.Fatalf("ttl = %v, want untouched default", cfg.Booking.TTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))).Load(&cfg)
	if err == nil {
		t.Fatal("Load accepted a missing file")
	}
}

func TestLoadMapOverride(t *testing.T) {
	var cfg testConfig
	l := NewLoader()
	if err := l.LoadMap(map[string]any{"server.addr": "flagged:1"}); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "flagged:1" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestWatcherFiresOnWrite(t *testing.T) {
	path := writeYAML(t, "server:\n  addr: \"a:1\"\n")

	w, err := NewWatcher(nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	changed := make(chan string, 1)
	w.OnChange(func(p string) {
		select {
		case changed <- p:
		default:
		}
	})
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.StartAsync()

	if err := os.WriteFile(path, []byte("server:\n  addr: \"b:2\"\n"), 0600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
