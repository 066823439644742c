package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/meshdial/meshdial/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Presence Presence `json:"presence"`
	Channels Channels `json:"channels"`
	Elector  Elector  `json:"elector"`
	Identity Identity `json:"identity"`
	Log      Log      `json:"log"`
}

type Server struct {
	// Bind address, host:port. Default "127.0.0.1:8788"; use "0.0.0.0:8788"
	// to accept connections from other machines.
	Bind string `json:"bind"`

	// Announce rate limit per identity, calls per minute.
	AnnounceRatePerMin int `json:"announce_rate_per_min"`

	// Max peers returned by the list-peers endpoint.
	PeerListLimit int `json:"peer_list_limit"`
}

type Presence struct {
	// A device announced within this window counts as online.
	OnlineWindowSec int `json:"online_window_sec"`

	// Offline records older than this are purged by the sweep.
	RetentionSec int `json:"retention_sec"`

	// Presence sweep interval.
	SweepIntervalSec int `json:"sweep_interval_sec"`

	// How far back FindPeer looks for coordinator fallback hints.
	CoordinatorWindowSec int `json:"coordinator_window_sec"`
}

type Channels struct {
	// Channel TTL, refreshed on every append.
	TTLSec int `json:"ttl_sec"`

	// Trim kicks in above Cap and keeps the newest TrimTo messages.
	// Cap > TrimTo gives hysteresis so every insert doesn't re-trim.
	Cap    int `json:"cap"`
	TrimTo int `json:"trim_to"`

	// Channel sweep interval.
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type Elector struct {
	IntervalSec     int `json:"interval_sec"`
	MinCoordinators int `json:"min_coordinators"`
	MaxCoordinators int `json:"max_coordinators"`
}

type Identity struct {
	// Mode "local" reads CredentialsFile; "remote" calls RemoteURL.
	Mode string `json:"mode"`

	// Path to credentials.json, relative to the data dir.
	CredentialsFile string `json:"credentials_file"`

	// Base URL of the remote identity service (mode "remote").
	RemoteURL string `json:"remote_url"`

	// Bearer token for the remote identity service admin API.
	RemoteToken string `json:"remote_token"`
}

type Log struct {
	// Level for all meshdial subsystems: debug|info|warn|error.
	Level string `json:"level"`
}

// Default returns a config with sane defaults for a single-box deployment.
func Default() Config {
	return Config{
		Server: Server{
			Bind:               "127.0.0.1:8788",
			AnnounceRatePerMin: 12,
			PeerListLimit:      100,
		},
		Presence: Presence{
			OnlineWindowSec:      600,
			RetentionSec:         86400,
			SweepIntervalSec:     60,
			CoordinatorWindowSec: 3600,
		},
		Channels: Channels{
			TTLSec:           3600,
			Cap:              50,
			TrimTo:           25,
			SweepIntervalSec: 300,
		},
		Elector: Elector{
			IntervalSec:     600,
			MinCoordinators: 2,
			MaxCoordinators: 5,
		},
		Identity: Identity{
			Mode:            "local",
			CredentialsFile: "credentials.json",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config.json from dir, filling in defaults for zero-valued
// fields. A missing file yields the defaults.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, "config.json")

	err := util.ReadJSONFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// Save writes cfg to config.json in dir.
func Save(dir string, cfg Config) error {
	return util.WriteJSONFile(filepath.Join(dir, "config.json"), cfg)
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = def.Server.Bind
	}
	if cfg.Server.AnnounceRatePerMin <= 0 {
		cfg.Server.AnnounceRatePerMin = def.Server.AnnounceRatePerMin
	}
	if cfg.Server.PeerListLimit <= 0 {
		cfg.Server.PeerListLimit = def.Server.PeerListLimit
	}
	if cfg.Presence.OnlineWindowSec <= 0 {
		cfg.Presence.OnlineWindowSec = def.Presence.OnlineWindowSec
	}
	if cfg.Presence.RetentionSec <= 0 {
		cfg.Presence.RetentionSec = def.Presence.RetentionSec
	}
	if cfg.Presence.SweepIntervalSec <= 0 {
		cfg.Presence.SweepIntervalSec = def.Presence.SweepIntervalSec
	}
	if cfg.Presence.CoordinatorWindowSec <= 0 {
		cfg.Presence.CoordinatorWindowSec = def.Presence.CoordinatorWindowSec
	}
	if cfg.Channels.TTLSec <= 0 {
		cfg.Channels.TTLSec = def.Channels.TTLSec
	}
	if cfg.Channels.Cap <= 0 {
		cfg.Channels.Cap = def.Channels.Cap
	}
	if cfg.Channels.TrimTo <= 0 {
		cfg.Channels.TrimTo = def.Channels.TrimTo
	}
	if cfg.Channels.SweepIntervalSec <= 0 {
		cfg.Channels.SweepIntervalSec = def.Channels.SweepIntervalSec
	}
	if cfg.Elector.IntervalSec <= 0 {
		cfg.Elector.IntervalSec = def.Elector.IntervalSec
	}
	if cfg.Elector.MinCoordinators <= 0 {
		cfg.Elector.MinCoordinators = def.Elector.MinCoordinators
	}
	if cfg.Elector.MaxCoordinators <= 0 {
		cfg.Elector.MaxCoordinators = def.Elector.MaxCoordinators
	}
	if cfg.Identity.Mode == "" {
		cfg.Identity.Mode = def.Identity.Mode
	}
	if cfg.Identity.CredentialsFile == "" {
		cfg.Identity.CredentialsFile = def.Identity.CredentialsFile
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

// Validate checks field values, returning an error naming the first bad one.
func (c Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Server.Bind)
	if err != nil {
		return fmt.Errorf("server.bind %q: %w", c.Server.Bind, err)
	}
	if host == "" {
		return fmt.Errorf("server.bind %q: missing host", c.Server.Bind)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("server.bind %q: bad port", c.Server.Bind)
	}
	if c.Channels.TrimTo >= c.Channels.Cap {
		return fmt.Errorf("channels.trim_to (%d) must be below channels.cap (%d)",
			c.Channels.TrimTo, c.Channels.Cap)
	}
	if c.Elector.MinCoordinators > c.Elector.MaxCoordinators {
		return fmt.Errorf("elector.min_coordinators (%d) exceeds max_coordinators (%d)",
			c.Elector.MinCoordinators, c.Elector.MaxCoordinators)
	}
	switch c.Identity.Mode {
	case "local":
		if c.Identity.CredentialsFile == "" {
			return errors.New("identity.credentials_file is required in local mode")
		}
	case "remote":
		if !strings.HasPrefix(c.Identity.RemoteURL, "http://") &&
			!strings.HasPrefix(c.Identity.RemoteURL, "https://") {
			return fmt.Errorf("identity.remote_url %q: must be http(s)", c.Identity.RemoteURL)
		}
	default:
		return fmt.Errorf("identity.mode %q: must be local or remote", c.Identity.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level)
	}
	return nil
}
