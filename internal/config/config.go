package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRaft     = "raft"
)

// RaftConfig configures the replicated in-memory backend.
type RaftConfig struct {
	NodeID    string
	Addr      string
	DataDir   string
	Bootstrap bool
	// JoinURL is the HTTP address of an existing member to join at start-up.
	JoinURL string
}

// Config holds service configuration.
type Config struct {
	DatabaseURL         string
	ServerAddr          string
	StoreBackend        string
	StoreTimeout        time.Duration
	BadgerDir           string
	CheckpointInterval  time.Duration
	NATSURL             string
	NATSSubject         string
	SessionTTL          time.Duration
	SessionCookieName   string
	SessionCookieSecure bool
	AuditSigningKey     []byte
	SweepInterval       time.Duration
	SnapshotCacheSize   int
	Raft                RaftConfig
	Policy              *Policy
}

// Load reads configuration from the environment, after applying ENV_FILE if set.
func Load() (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "facility")
		pass := getenv("POSTGRES_PASSWORD", "facility_pass")
		db := getenv("POSTGRES_DB", "facility")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	var signKey []byte
	if raw := os.Getenv("AUDIT_SIGNING_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("AUDIT_SIGNING_KEY must be hex: %w", err)
		}
		signKey = key
	}

	policy := DefaultPolicy()
	if path := os.Getenv("POLICY_FILE"); path != "" {
		p, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	cfg := &Config{
		DatabaseURL:         dsn,
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		StoreBackend:        getenv("STORE_BACKEND", BackendPostgres),
		StoreTimeout:        parseDuration(getenv("STORE_TIMEOUT", "5s"), 5*time.Second),
		BadgerDir:           os.Getenv("BADGER_DIR"),
		CheckpointInterval:  parseDuration(getenv("CHECKPOINT_INTERVAL", "5m"), 5*time.Minute),
		NATSURL:             os.Getenv("NATS_URL"),
		NATSSubject:         getenv("NATS_SUBJECT", "facility.changes"),
		SessionTTL:          parseDuration(getenv("SESSION_TTL", "24h"), 24*time.Hour),
		SessionCookieName:   getenv("SESSION_COOKIE_NAME", "facility_session"),
		SessionCookieSecure: parseBool(getenv("SESSION_COOKIE_SECURE", "false"), false),
		AuditSigningKey:     signKey,
		SweepInterval:       parseDuration(getenv("SWEEP_INTERVAL", "1m"), time.Minute),
		SnapshotCacheSize:   parseInt(getenv("SNAPSHOT_CACHE_SIZE", "1024"), 1024),
		Raft: RaftConfig{
			NodeID:    os.Getenv("RAFT_NODE_ID"),
			Addr:      getenv("RAFT_ADDR", "127.0.0.1:7000"),
			DataDir:   getenv("RAFT_DATA_DIR", "data/raft"),
			Bootstrap: parseBool(os.Getenv("RAFT_BOOTSTRAP"), false),
			JoinURL:   os.Getenv("RAFT_JOIN_URL"),
		},
		Policy: policy,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	case BackendRaft:
		if c.Raft.NodeID == "" {
			return fmt.Errorf("RAFT_NODE_ID is required for the raft backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.SnapshotCacheSize <= 0 {
		return fmt.Errorf("SNAPSHOT_CACHE_SIZE must be positive")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy is required")
	}
	return c.Policy.Validate()
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
