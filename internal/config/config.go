// Package config reads the service configuration from TASKSYNC_* environment
// variables.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/adapters"
)

type Config struct {
	Addr string

	StateDSN  string
	QueueDSN  string
	QueueSize int

	EventWorkers    int
	DispatchWorkers int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DeliveryTimeout time.Duration

	ProbeInterval  time.Duration
	DownThreshold  int
	BurstThreshold int

	DedupCapacity int
	DedupTTL      time.Duration

	MappingFile string

	JWTSecret       string
	JWTAudience     string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	StreamOrigins   []string

	KafkaBrokers []string
	KafkaTopic   string

	Platforms []adapters.PlatformConfig
}

// Load reads the environment. Malformed numbers and durations fall back to
// their defaults with a log line; only an unusable backend profile is an
// error.
func Load() (Config, error) {
	stateDSN, queueDSN, err := profileDefaults()
	if err != nil {
		return Config{}, err
	}
	if dsn := getEnv("TASKSYNC_STATE_DSN", ""); dsn != "" {
		stateDSN = dsn
	}
	if dsn := getEnv("TASKSYNC_QUEUE_DSN", ""); dsn != "" {
		queueDSN = dsn
	}

	cfg := Config{
		Addr:            getEnv("TASKSYNC_ADDR", ":8080"),
		StateDSN:        stateDSN,
		QueueDSN:        queueDSN,
		QueueSize:       getIntEnv("TASKSYNC_QUEUE_SIZE", 1024),
		EventWorkers:    getIntEnv("TASKSYNC_EVENT_WORKERS", 4),
		DispatchWorkers: getIntEnv("TASKSYNC_DISPATCH_WORKERS", 8),
		MaxAttempts:     getIntEnv("TASKSYNC_MAX_ATTEMPTS", 5),
		BackoffBase:     getDurationEnv("TASKSYNC_BACKOFF_BASE", 2*time.Second),
		BackoffMax:      getDurationEnv("TASKSYNC_BACKOFF_MAX", 5*time.Minute),
		DeliveryTimeout: getDurationEnv("TASKSYNC_DELIVERY_TIMEOUT", 30*time.Second),
		ProbeInterval:   getDurationEnv("TASKSYNC_PROBE_INTERVAL", 5*time.Minute),
		DownThreshold:   getIntEnv("TASKSYNC_DOWN_THRESHOLD", 3),
		BurstThreshold:  getIntEnv("TASKSYNC_BURST_THRESHOLD", 10),
		DedupCapacity:   getIntEnv("TASKSYNC_DEDUP_CAPACITY", 10000),
		DedupTTL:        getDurationEnv("TASKSYNC_DEDUP_TTL", 24*time.Hour),
		MappingFile:     getEnv("TASKSYNC_MAPPING_FILE", ""),
		JWTSecret:       getEnv("TASKSYNC_JWT_SECRET", ""),
		JWTAudience:     getEnv("TASKSYNC_JWT_AUDIENCE", "tasksync"),
		MaxBodyBytes:    getInt64Env("TASKSYNC_MAX_BODY_BYTES", 1<<20),
		RateLimitMax:    getIntEnv("TASKSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: getDurationEnv("TASKSYNC_RATE_LIMIT_WINDOW", time.Minute),
		StreamOrigins:   splitList(getEnv("TASKSYNC_STREAM_ORIGINS", "")),
		KafkaBrokers:    splitList(getEnv("TASKSYNC_DEADLETTER_KAFKA_BROKERS", "")),
		KafkaTopic:      getEnv("TASKSYNC_DEADLETTER_KAFKA_TOPIC", "tasksync.deadletters"),
	}
	for _, name := range []string{adapters.PlatformGitHub, adapters.PlatformLinear, adapters.PlatformNotion} {
		cfg.Platforms = append(cfg.Platforms, platformFromEnv(name))
	}
	return cfg, nil
}

// EnabledPlatforms returns the names of the platforms turned on.
func (c Config) EnabledPlatforms() []string {
	var out []string
	for _, p := range c.Platforms {
		if p.Enabled {
			out = append(out, p.Name)
		}
	}
	return out
}

func platformFromEnv(name string) adapters.PlatformConfig {
	prefix := "TASKSYNC_" + strings.ToUpper(name) + "_"
	token := getEnv(prefix+"TOKEN", "")
	cfg := adapters.PlatformConfig{
		Name:          name,
		Enabled:       getBoolEnv(prefix+"ENABLED", token != ""),
		BaseURL:       getEnv(prefix+"BASE_URL", ""),
		Token:         token,
		WebhookSecret: getEnv(prefix+"WEBHOOK_SECRET", ""),
	}
	if name == adapters.PlatformGitHub {
		cfg.Repository = getEnv("TASKSYNC_GITHUB_REPOSITORY", "")
	}
	return cfg
}

// profileDefaults maps TASKSYNC_BACKEND_PROFILE to state and queue DSNs.
// Explicit DSN variables override the profile.
func profileDefaults() (stateDSN, queueDSN string, err error) {
	profile := strings.ToLower(getEnv("TASKSYNC_BACKEND_PROFILE", ""))
	dataDir := getEnv("TASKSYNC_DATA_DIR", ".tasksync")
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "queue.json"),
			nil
	case "production", "prod":
		dsn := getEnv("TASKSYNC_POSTGRES_DSN", "")
		if dsn == "" {
			return "", "", fmt.Errorf("TASKSYNC_POSTGRES_DSN is required when TASKSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported TASKSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func getEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(name string, fallback int) int {
	raw := getEnv(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func getInt64Env(name string, fallback int64) int64 {
	raw := getEnv(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func getDurationEnv(name string, fallback time.Duration) time.Duration {
	raw := getEnv(name, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}

func getBoolEnv(name string, fallback bool) bool {
	raw := getEnv(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
