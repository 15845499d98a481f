package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.Email = "alice@example.com"
	return cfg
}

func TestDefaultValidatesOnceEmailSet(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default without email should not validate")
	}
	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Media.ICEServers) != 2 {
		t.Errorf("ice servers = %d, want stun + turn", len(cfg.Media.ICEServers))
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad email", func(c *Config) { c.Identity.Email = "not an address" }, "identity.email"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"mongo without uri", func(c *Config) { c.Store.Driver = DriverMongo }, "mongo_uri"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "postgres_dsn"},
		{"poll too fast", func(c *Config) { c.Store.PollIntervalMs = 1 }, "poll_interval_ms"},
		{"busy policy", func(c *Config) { c.Call.BusyPolicy = "queue" }, "busy_policy"},
		{"freshness", func(c *Config) { c.Call.FreshnessSec = 0 }, "freshness_seconds"},
		{"capture", func(c *Config) { c.Media.Capture = "screen" }, "media.capture"},
		{"ice url", func(c *Config) {
			c.Media.ICEServers = []ICEServer{{URLs: []string{"http://x"}}}
		}, "ice_servers[0]"},
		{"keepalive", func(c *Config) { c.Media.ICEKeepaliveSec = 60 }, "ice_keepalive_sec"},
		{"http addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }, "viewer.http_addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOverlaysDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"email":"bob@example.com"},"store":{"driver":"memory"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Call.FreshnessSec != 30 || cfg.Media.ICEKeepaliveSec != 2 {
		t.Errorf("defaults not kept: %+v %+v", cfg.Call, cfg.Media)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.yaml")
	body := `identity:
  email: carol@example.com
  display_name: Carol
call:
  busy_policy: replace
media:
  capture: synthetic
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.DisplayName != "Carol" || cfg.Call.BusyPolicy != "replace" || cfg.Media.Capture != "synthetic" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("driver default lost: %q", cfg.Store.Driver)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	for _, name := range []string{"goopcall.json", "goopcall.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg, created, err := Ensure(path, "dave@example.com")
			if err != nil {
				t.Fatalf("ensure: %v", err)
			}
			if !created || cfg.Identity.Email != "dave@example.com" {
				t.Fatalf("created=%v cfg=%+v", created, cfg.Identity)
			}

			again, created, err := Ensure(path, "ignored@example.com")
			if err != nil {
				t.Fatalf("ensure again: %v", err)
			}
			if created {
				t.Error("second ensure created a new file")
			}
			if again.Identity.Email != "dave@example.com" {
				t.Errorf("email = %q", again.Identity.Email)
			}
		})
	}
}

func TestLoadReportsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
