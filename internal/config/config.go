package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/wisp-im/wisp/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signal    Signal    `json:"signal"`
	Presence  Presence  `json:"presence"`
	Call      Call      `json:"call"`
	Screening Screening `json:"screening"`
	API       API       `json:"api"`
}

type Identity struct {
	Account string `json:"account"`
	KeyFile string `json:"key_file"`
}

type Signal struct {
	ListenPort  int      `json:"listen_port"`
	StunServers []string `json:"stun_servers"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Call struct {
	// DisplayGraceSec keeps a finished call visible before it disappears
	// from the session list.
	DisplayGraceSec  int `json:"display_grace_seconds"`
	StatsIntervalSec int `json:"stats_interval_seconds"`
	// RingTimeoutSec is the outgoing ring timeout; also the local safety
	// net for silenced incoming calls. 0 disables the local net.
	RingTimeoutSec int    `json:"ring_timeout_seconds"`
	Disabled       bool   `json:"disabled"` // announce calls-off in presence
	HistoryDir     string `json:"history_dir"`
}

type Screening struct {
	Enabled        bool   `json:"enabled"`
	RulesDir       string `json:"rules_dir"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signal: Signal{
			ListenPort:  0,
			StunServers: []string{"stun:stun.l.google.com:19302"},
		},
		Presence: Presence{
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Call: Call{
			DisplayGraceSec:  4,
			StatsIntervalSec: 2,
			RingTimeoutSec:   45,
			HistoryDir:       "data",
		},
		Screening: Screening{
			Enabled:        false,
			RulesDir:       "rules",
			TimeoutSeconds: 2,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8470",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.Account) != "" {
		if _, err := util.ValidateAccount(c.Identity.Account); err != nil {
			return fmt.Errorf("identity.account: %w", err)
		}
	}

	// Signal
	if c.Signal.ListenPort < 0 || c.Signal.ListenPort > 65535 {
		return errors.New("signal.listen_port must be 0..65535")
	}
	for _, s := range c.Signal.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("signal.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Call
	if c.Call.DisplayGraceSec < 0 {
		return errors.New("call.display_grace_seconds must be >= 0")
	}
	if c.Call.StatsIntervalSec <= 0 {
		return errors.New("call.stats_interval_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Call.HistoryDir) == "" {
		return errors.New("call.history_dir is required")
	}

	// Screening
	if c.Screening.Enabled {
		if strings.TrimSpace(c.Screening.RulesDir) == "" {
			return errors.New("screening.rules_dir is required when screening is enabled")
		}
		if c.Screening.TimeoutSeconds < 1 || c.Screening.TimeoutSeconds > 30 {
			return errors.New("screening.timeout_seconds must be 1..30")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
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

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
