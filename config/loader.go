package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "TASKBRIDGE_"

// Load builds the effective configuration: defaults, then the file at path
// (if any), then environment overrides, then validation. An empty path skips
// the file layer entirely.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config.Merge(fileConfig)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return config, nil
}

// applyEnv overlays TASKBRIDGE_* environment variables. Unset variables
// leave the current value alone; unparseable numbers are ignored the same
// way because a half-applied override is worse than none.
func (c *Config) applyEnv() {
	envString(&c.Engine.BaseURL, "ENGINE_URL")
	envString(&c.Engine.Username, "ENGINE_USERNAME")
	envString(&c.Engine.Password, "ENGINE_PASSWORD")
	envInt(&c.Engine.TimeoutSeconds, "ENGINE_TIMEOUT_SECONDS")
	envString(&c.Broker.URL, "BROKER_URL")
	envString(&c.Broker.ManagementURL, "BROKER_MANAGEMENT_URL")
	envString(&c.Worker.ID, "WORKER_ID")
	if topics, ok := os.LookupEnv(envPrefix + "TOPICS"); ok && topics != "" {
		var out []string
		for _, t := range strings.Split(topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		c.Worker.Topics = out
	}
	envInt(&c.Worker.MaxTasks, "MAX_TASKS")
	envInt64(&c.Worker.LockDurationMillis, "LOCK_DURATION_MILLIS")
	envInt64(&c.Worker.AsyncResponseTimeoutMillis, "ASYNC_RESPONSE_TIMEOUT_MILLIS")
	envInt(&c.Worker.SleepSeconds, "SLEEP_SECONDS")
	envInt(&c.Worker.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envInt(&c.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	envInt(&c.Cache.TTLHours, "CACHE_TTL_HOURS")
	envString(&c.Response.Mode, "RESPONSE_MODE")
	envString(&c.Routing.File, "ROUTING_FILE")
	envString(&c.Ops.Listen, "OPS_LISTEN")
	envString(&c.Log.Level, "LOG_LEVEL")
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// ParseLevel maps a config level string onto slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Watch re-reads the config file whenever it changes and reapplies the log
// level through levelVar. Structural changes need a restart; the watcher
// only says so. Returns once ctx ends or the watcher cannot be created.
func Watch(ctx context.Context, path string, levelVar *slog.LevelVar, logger *slog.Logger) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fresh, err := Load(path)
			if err != nil {
				logger.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			level, err := ParseLevel(fresh.Log.Level)
			if err != nil {
				logger.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			if levelVar.Level() != level {
				levelVar.Set(level)
				logger.Info("log level changed", "level", fresh.Log.Level)
			}
			logger.Info("config file changed, structural changes apply on restart", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
