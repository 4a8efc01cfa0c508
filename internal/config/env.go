package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays WEFT_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("WEFT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WEFT_HOST_ID"); v != "" {
		cfg.HostID = v
	}
	if v := os.Getenv("WEFT_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("WEFT_NATS_URL"); v != "" {
		cfg.Broker.NATSURL = v
	}
	if v := os.Getenv("WEFT_NATS_DOMAIN"); v != "" {
		cfg.Broker.NATSDomain = v
	}
	if v := os.Getenv("WEFT_REDIS_ADDR"); v != "" {
		cfg.Broker.RedisAddr = v
	}
	if v := os.Getenv("WEFT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.RedisDB = n
		}
	}
	if v := os.Getenv("WEFT_EVENT_STREAM"); v != "" {
		cfg.EventStream = v
	}
	if v := os.Getenv("WEFT_COMMAND_STREAM"); v != "" {
		cfg.CommandStream = v
	}
	if v := os.Getenv("WEFT_LATTICES"); v != "" {
		parts := strings.Split(v, ",")
		cfg.Lattices = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Lattices = append(cfg.Lattices, p)
			}
		}
	}
	if v := os.Getenv("WEFT_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxJobs = n
		}
	}
	if v := os.Getenv("WEFT_ACK_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AckWaitSeconds = n
		}
	}
	if v := os.Getenv("WEFT_STATE_FSYNC"); v != "" {
		cfg.StateFsync = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WEFT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
