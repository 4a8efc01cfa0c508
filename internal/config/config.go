package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	pebblestore "github.com/rzbill/weft/internal/storage/pebble"
	"github.com/rzbill/weft/pkg/log"
)

// Broker kinds.
const (
	BrokerNATS  = "nats"
	BrokerRedis = "redis"
	BrokerMem   = "mem"
)

// Config is the top-level daemon configuration loaded from file/env/flags.
type Config struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// HostID identifies this weft instance in logs and consumer names.
	HostID string `json:"hostId" yaml:"hostId"`

	Broker BrokerConfig `json:"broker" yaml:"broker"`

	EventStream   string   `json:"eventStream" yaml:"eventStream"`
	CommandStream string   `json:"commandStream" yaml:"commandStream"`
	Lattices      []string `json:"lattices" yaml:"lattices"`

	// MaxJobs caps in-flight work across all lattices and both streams.
	MaxJobs int `json:"maxJobs" yaml:"maxJobs"`
	// AckWaitSeconds is how long the broker waits for a finalization
	// before redelivering.
	AckWaitSeconds int `json:"ackWaitSeconds" yaml:"ackWaitSeconds"`

	// StateFsync is the state store WAL policy: always | interval | never.
	StateFsync string `json:"stateFsync" yaml:"stateFsync"`

	Log log.Config `json:"log" yaml:"log"`
}

// BrokerConfig selects and parameterizes the message broker.
type BrokerConfig struct {
	// Kind is one of nats | redis | mem.
	Kind       string `json:"kind" yaml:"kind"`
	NATSURL    string `json:"natsUrl" yaml:"natsUrl"`
	NATSDomain string `json:"natsDomain,omitempty" yaml:"natsDomain,omitempty"`
	RedisAddr  string `json:"redisAddr" yaml:"redisAddr"`
	RedisDB    int    `json:"redisDb" yaml:"redisDb"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Broker: BrokerConfig{
			Kind:      BrokerNATS,
			NATSURL:   "nats://127.0.0.1:4222",
			RedisAddr: "127.0.0.1:6379",
		},
		EventStream:    "weft_events",
		CommandStream:  "weft_commands",
		Lattices:       []string{"default"},
		MaxJobs:        256,
		AckWaitSeconds: 30,
		StateFsync:     "interval",
		Log:            log.Config{Level: "info", Format: "text"},
	}
}

// AckWait returns AckWaitSeconds as a duration.
func (c Config) AckWait() time.Duration {
	return time.Duration(c.AckWaitSeconds) * time.Second
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerNATS, BrokerRedis, BrokerMem:
	default:
		return fmt.Errorf("broker kind must be nats|redis|mem, got %q", c.Broker.Kind)
	}
	if c.MaxJobs < 1 {
		return fmt.Errorf("maxJobs must be >= 1, got %d", c.MaxJobs)
	}
	if c.AckWaitSeconds < 1 {
		return fmt.Errorf("ackWaitSeconds must be >= 1, got %d", c.AckWaitSeconds)
	}
	if c.EventStream == "" || c.CommandStream == "" {
		return fmt.Errorf("stream names must not be empty")
	}
	if c.EventStream == c.CommandStream {
		return fmt.Errorf("event and command streams must differ, both %q", c.EventStream)
	}
	if _, err := pebblestore.ParseFsyncMode(c.StateFsync); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from a JSON or YAML file (by extension),
// overlaying built-in defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
