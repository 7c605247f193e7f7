// Package config decodes the ampersand-separated option string the core
// recognises (e.g. "isShardingMode=true&initReplicationNodes=a:9000;b:9000")
// into a typed Config, the same flat key/value shape the teacher's database
// layer used for table/column options, generalized to storage-engine knobs.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PageStorageMode selects the on-leaf-page value layout.
type PageStorageMode int

const (
	RowStorage PageStorageMode = iota
	ColumnStorage
)

func (m PageStorageMode) String() string {
	if m == ColumnStorage {
		return "COLUMN_STORAGE"
	}
	return "ROW_STORAGE"
}

// Defaults mirror spec.md §6 and §4.7.
const (
	DefaultSessionPoolQueueSize     = 3
	DefaultSchedulerLoopInterval    = 10 * time.Millisecond
	DefaultNIOEventLoopInterval     = 10 * time.Millisecond
	DefaultPageOpHandlerLoopInterval = 1 * time.Millisecond
)

// Config holds the options recognised by the storage/execution core. It is
// intentionally flat, mirroring the option strings a map or session is
// opened with.
type Config struct {
	ReadOnly              bool
	InMemory              bool
	IsShardingMode        bool
	InitReplicationNodes  []string // "host:port" entries
	PageStorageMode       PageStorageMode
	SchedulerLoopInterval time.Duration
	NIOEventLoopInterval  time.Duration
	PageOpLoopInterval    time.Duration
	SessionPoolQueueSize  int

	// Raw holds every option key as parsed, including the ones modelled by
	// the typed fields above, so a caller-specific layer (e.g. the SQL
	// front-end) can still read keys this type does not model.
	Raw map[string]string
}

// Default returns a Config with every interval/capacity at its spec default.
func Default() Config {
	return Config{
		SchedulerLoopInterval:    DefaultSchedulerLoopInterval,
		NIOEventLoopInterval:     DefaultNIOEventLoopInterval,
		PageOpLoopInterval:       DefaultPageOpHandlerLoopInterval,
		SessionPoolQueueSize:     DefaultSessionPoolQueueSize,
		PageStorageMode:          RowStorage,
		Raw:                      map[string]string{},
	}
}

// Parse decodes an ampersand-separated option string. Presence-only keys
// ("readOnly", "inMemory") are true when the key appears with no "=value".
func Parse(options string) (Config, error) {
	cfg := Default()
	if options == "" {
		return cfg, nil
	}
	for _, pair := range strings.Split(options, "&") {
		if pair == "" {
			continue
		}
		key, value, hasValue := strings.Cut(pair, "=")
		cfg.Raw[key] = value
		switch key {
		case "readOnly":
			cfg.ReadOnly = true
		case "inMemory":
			cfg.InMemory = true
		case "isShardingMode":
			b, err := parseBool(value, hasValue)
			if err != nil {
				return cfg, fmt.Errorf("config: isShardingMode: %w", err)
			}
			cfg.IsShardingMode = b
		case "initReplicationNodes":
			if value != "" {
				cfg.InitReplicationNodes = strings.Split(value, ";")
			}
		case "pageStorageMode":
			switch strings.ToUpper(value) {
			case "COLUMN_STORAGE":
				cfg.PageStorageMode = ColumnStorage
			case "ROW_STORAGE", "":
				cfg.PageStorageMode = RowStorage
			default:
				return cfg, fmt.Errorf("config: unknown pageStorageMode %q", value)
			}
		case "scheduler_loop_interval":
			d, err := parseMillis(value)
			if err != nil {
				return cfg, fmt.Errorf("config: scheduler_loop_interval: %w", err)
			}
			cfg.SchedulerLoopInterval = d
		case "server_nio_event_loop_interval":
			d, err := parseMillis(value)
			if err != nil {
				return cfg, fmt.Errorf("config: server_nio_event_loop_interval: %w", err)
			}
			cfg.NIOEventLoopInterval = d
		case "page_operation_handler_loop_interval":
			d, err := parseMillis(value)
			if err != nil {
				return cfg, fmt.Errorf("config: page_operation_handler_loop_interval: %w", err)
			}
			cfg.PageOpLoopInterval = d
		case "lealone.session.pool.queue.size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("config: lealone.session.pool.queue.size: %w", err)
			}
			cfg.SessionPoolQueueSize = n
		}
	}
	if cfg.IsShardingMode && len(cfg.InitReplicationNodes) == 0 {
		return cfg, fmt.Errorf("config: initReplicationNodes is required when isShardingMode is set")
	}
	return cfg, nil
}

func parseBool(value string, hasValue bool) (bool, error) {
	if !hasValue || value == "" {
		return true, nil
	}
	return strconv.ParseBool(value)
}

func parseMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
