// Package config loads and persists the peer's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Relay backend kinds.
const (
	RelayRedis  = "redis"
	RelayLibp2p = "libp2p"
	RelayWS     = "ws"
	RelayMemory = "memory"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
}

type Identity struct {
	// IDFile holds the persisted participant ID, relative to the peer
	// directory unless absolute.
	IDFile string `json:"id_file"`
}

type Relay struct {
	// Kind selects the signaling transport: "redis", "libp2p", "ws" or
	// "memory" (same-process loopback, mostly for development).
	Kind string `json:"kind"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// WSURL is the websocket signaling server base, e.g. ws://host:8080/ws.
	WSURL string `json:"ws_url"`

	// Libp2p settings. ListenPort 0 picks an ephemeral port.
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap,omitempty"`
}

type ICE struct {
	// STUNServers is the full ICE server URL list. No TURN by default;
	// add turn: URLs here for symmetric-NAT deployments.
	STUNServers []string `json:"stun_servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`
}

type Media struct {
	// Disabled turns off microphone capture entirely (receive-only calls).
	Disabled bool `json:"disabled"`

	// Capability requests, honored where the capture backend supports them.
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

type History struct {
	// DBDir holds history.db, relative to the peer directory unless absolute.
	DBDir string `json:"db_dir"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Identity: Identity{IDFile: "identity"},
		Relay: Relay{
			Kind:      RelayRedis,
			RedisAddr: "localhost:6379",
			MdnsTag:   "voicelink",
		},
		ICE: ICE{
			STUNServers:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Media: Media{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		History: History{DBDir: "data"},
	}
}

// Load reads path, fills in zero-valued fields with defaults, and
// validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing the default config there first when
// the file does not exist yet.
func LoadOrCreate(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills fields a hand-edited file may have left empty.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Identity.IDFile == "" {
		c.Identity.IDFile = d.Identity.IDFile
	}
	if c.Relay.Kind == "" {
		c.Relay.Kind = d.Relay.Kind
	}
	if c.Relay.MdnsTag == "" {
		c.Relay.MdnsTag = d.Relay.MdnsTag
	}
	if len(c.ICE.STUNServers) == 0 {
		c.ICE.STUNServers = d.ICE.STUNServers
	}
	if c.ICE.DisconnectedTimeoutSec == 0 {
		c.ICE.DisconnectedTimeoutSec = d.ICE.DisconnectedTimeoutSec
	}
	if c.ICE.FailedTimeoutSec == 0 {
		c.ICE.FailedTimeoutSec = d.ICE.FailedTimeoutSec
	}
	if c.ICE.KeepAliveIntervalSec == 0 {
		c.ICE.KeepAliveIntervalSec = d.ICE.KeepAliveIntervalSec
	}
	if c.History.DBDir == "" {
		c.History.DBDir = d.History.DBDir
	}
}

// Validate rejects configurations that cannot produce a working peer.
func (c *Config) Validate() error {
	switch c.Relay.Kind {
	case RelayRedis:
		if c.Relay.RedisAddr == "" {
			return fmt.Errorf("config: relay kind %q needs redis_addr", c.Relay.Kind)
		}
	case RelayWS:
		if c.Relay.WSURL == "" {
			return fmt.Errorf("config: relay kind %q needs ws_url", c.Relay.Kind)
		}
	case RelayLibp2p, RelayMemory:
	default:
		return fmt.Errorf("config: unknown relay kind %q", c.Relay.Kind)
	}
	if c.Relay.ListenPort < 0 || c.Relay.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", c.Relay.ListenPort)
	}
	if len(c.ICE.STUNServers) == 0 {
		return fmt.Errorf("config: at least one STUN server is required")
	}
	return nil
}

// ICETimeouts returns the configured ICE timing as durations.
func (c *Config) ICETimeouts() (disconnected, failed, keepAlive time.Duration) {
	return time.Duration(c.ICE.DisconnectedTimeoutSec) * time.Second,
		time.Duration(c.ICE.FailedTimeoutSec) * time.Second,
		time.Duration(c.ICE.KeepAliveIntervalSec) * time.Second
}

// Watch invokes fn whenever the config file is rewritten. It watches the
// parent directory because most editors replace files instead of writing
// in place. Returns a stop function.
func Watch(path string, fn func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	name := filepath.Base(path)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					fn()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
