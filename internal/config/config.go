package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

type Config struct {
	Identity Identity `json:"identity" yaml:"identity"`
	Store    Store    `json:"store" yaml:"store"`
	Call     Call     `json:"call" yaml:"call"`
	Media    Media    `json:"media" yaml:"media"`
	Viewer   Viewer   `json:"viewer" yaml:"viewer"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`
}

type Identity struct {
	// Email is the address callers dial; incoming calls are matched on it.
	Email       string `json:"email" yaml:"email"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

type Store struct {
	Driver string `json:"driver" yaml:"driver"`

	// SQLiteDir holds goopcall.db. Relative to the peer directory.
	SQLiteDir string `json:"sqlite_dir" yaml:"sqlite_dir"`

	MongoURI      string `json:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" yaml:"mongo_database"`
	// MongoTTLHours > 0 adds TTL indexes on top of the janitor.
	MongoTTLHours int `json:"mongo_ttl_hours" yaml:"mongo_ttl_hours"`

	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type Call struct {
	FreshnessSec         int    `json:"freshness_seconds" yaml:"freshness_seconds"`
	BusyPolicy           string `json:"busy_policy" yaml:"busy_policy"`
	StatusWriteTimeoutMs int    `json:"status_write_timeout_ms" yaml:"status_write_timeout_ms"`

	// Ended and stale records older than this are deleted. 0 disables the janitor.
	RetentionHours     int `json:"retention_hours" yaml:"retention_hours"`
	JanitorIntervalSec int `json:"janitor_interval_seconds" yaml:"janitor_interval_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type Media struct {
	// Capture is "device", "synthetic" or "none".
	Capture          string      `json:"capture" yaml:"capture"`
	AllowReceiveOnly bool        `json:"allow_receive_only" yaml:"allow_receive_only"`
	Video            bool        `json:"video" yaml:"video"`
	ICEServers       []ICEServer `json:"ice_servers" yaml:"ice_servers"`

	ICEDisconnectedTimeoutSec int `json:"ice_disconnected_timeout_sec" yaml:"ice_disconnected_timeout_sec"`
	ICEFailedTimeoutSec       int `json:"ice_failed_timeout_sec" yaml:"ice_failed_timeout_sec"`
	ICEKeepaliveSec           int `json:"ice_keepalive_sec" yaml:"ice_keepalive_sec"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	Debug    bool   `json:"debug" yaml:"debug"`
}

type Metrics struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultICEServers is a public STUN server plus the open relay TURN server.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:       []string{"turn:openrelay.metered.ca:80"},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "Anonymous",
		},
		Store: Store{
			Driver:         DriverSQLite,
			SQLiteDir:      "data",
			MongoDatabase:  "goopcall",
			PollIntervalMs: 250,
		},
		Call: Call{
			FreshnessSec:         30,
			BusyPolicy:           "reject",
			StatusWriteTimeoutMs: 5000,
			RetentionHours:       24,
			JanitorIntervalSec:   600,
		},
		Media: Media{
			Capture:                   "device",
			AllowReceiveOnly:          true,
			Video:                     true,
			ICEServers:                DefaultICEServers(),
			ICEDisconnectedTimeoutSec: 30,
			ICEFailedTimeoutSec:       120,
			ICEKeepaliveSec:           2,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	email := strings.TrimSpace(c.Identity.Email)
	if email == "" {
		return errors.New("identity.email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("identity.email: %w", err)
	}

	// Store
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLiteDir) == "" {
			return errors.New("store.sqlite_dir is required for the sqlite driver")
		}
	case DriverMongo:
		if strings.TrimSpace(c.Store.MongoURI) == "" {
			return errors.New("store.mongo_uri is required for the mongo driver")
		}
		if strings.TrimSpace(c.Store.MongoDatabase) == "" {
			return errors.New("store.mongo_database is required for the mongo driver")
		}
		if c.Store.MongoTTLHours < 0 {
			return errors.New("store.mongo_ttl_hours must be >= 0")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q must be one of memory, sqlite, mongo, postgres", c.Store.Driver)
	}
	if c.Store.PollIntervalMs < 10 || c.Store.PollIntervalMs > 60000 {
		return errors.New("store.poll_interval_ms must be 10..60000")
	}

	// Call
	if c.Call.FreshnessSec <= 0 {
		return errors.New("call.freshness_seconds must be > 0")
	}
	if c.Call.BusyPolicy != "reject" && c.Call.BusyPolicy != "replace" {
		return errors.New("call.busy_policy must be reject or replace")
	}
	if c.Call.StatusWriteTimeoutMs <= 0 {
		return errors.New("call.status_write_timeout_ms must be > 0")
	}
	if c.Call.RetentionHours < 0 {
		return errors.New("call.retention_hours must be >= 0")
	}
	if c.Call.RetentionHours > 0 && c.Call.JanitorIntervalSec <= 0 {
		return errors.New("call.janitor_interval_seconds must be > 0 when retention is enabled")
	}

	// Media
	switch c.Media.Capture {
	case "device", "synthetic", "none":
	default:
		return fmt.Errorf("media.capture %q must be device, synthetic or none", c.Media.Capture)
	}
	for i, s := range c.Media.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("media.ice_servers[%d].urls is empty", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("media.ice_servers[%d]: %q is not a stun/turn url", i, u)
			}
		}
	}
	if c.Media.ICEDisconnectedTimeoutSec <= 0 || c.Media.ICEFailedTimeoutSec <= 0 || c.Media.ICEKeepaliveSec <= 0 {
		return errors.New("media ice timeouts must be > 0")
	}
	if c.Media.ICEKeepaliveSec >= c.Media.ICEDisconnectedTimeoutSec {
		return errors.New("media.ice_keepalive_sec must be < media.ice_disconnected_timeout_sec")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	return nil
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing fields remain initialized.
	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !isYAML(path) {
		return util.WriteJSONFile(path, cfg)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return util.WriteFile(path, b)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given email. Returns (cfg, createdNew, err).
func Ensure(path, email string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.Email = email
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
