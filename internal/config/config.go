// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Environment wins so deployments can keep a
// checked-in config.yaml and still tune per-instance.
package config

import (
    "os"
    "strconv"
    "time"

    "gopkg.in/yaml.v3"
)

type Config struct {
    Port        string `yaml:"port"`
    DatabaseURL string `yaml:"databaseUrl"`
    RedisURL    string `yaml:"redisUrl"`
    Migrate     bool   `yaml:"migrate"`

    Queue QueueConfig `yaml:"queue"`
}

type QueueConfig struct {
    Concurrency     int      `yaml:"concurrency"`
    MaxAttempts     int      `yaml:"maxAttempts"`
    SweepInterval   Duration `yaml:"sweepInterval"`
    SweepBatch      int      `yaml:"sweepBatch"`
    ClaimLease      Duration `yaml:"claimLease"`
    ShutdownGrace   Duration `yaml:"shutdownGrace"`
    DeliveryTimeout Duration `yaml:"deliveryTimeout"`
    MaxPerSecond    float64  `yaml:"maxPerSecond"`
    NotifyBuffer    int      `yaml:"notifyBuffer"`
}

// Load reads path (when it exists) and applies environment overrides.
// A missing file is not an error; env-only deployments are common.
func Load(path string) (Config, error) {
    cfg := Config{Port: "8080", Migrate: true}
    if path != "" {
        b, err := os.ReadFile(path)
        if err == nil {
            if err := yaml.Unmarshal(b, &cfg); err != nil {
                return cfg, err
            }
        } else if !os.IsNotExist(err) {
            return cfg, err
        }
    }

    if v := os.Getenv("PORT"); v != "" { cfg.Port = v }
    if v := os.Getenv("DATABASE_URL"); v != "" { cfg.DatabaseURL = v }
    if v := os.Getenv("REDIS_URL"); v != "" { cfg.RedisURL = v }
    if v := os.Getenv("DB_MIGRATE"); v != "" { cfg.Migrate = v != "false" }
    if n, ok := envInt("WEBHOOK_CONCURRENCY"); ok { cfg.Queue.Concurrency = n }
    if n, ok := envInt("WEBHOOK_MAX_ATTEMPTS"); ok { cfg.Queue.MaxAttempts = n }
    if d, ok := envDuration("WEBHOOK_SWEEP_INTERVAL"); ok { cfg.Queue.SweepInterval = Duration(d) }
    if d, ok := envDuration("WEBHOOK_CLAIM_LEASE"); ok { cfg.Queue.ClaimLease = Duration(d) }
    if d, ok := envDuration("WEBHOOK_SHUTDOWN_GRACE"); ok { cfg.Queue.ShutdownGrace = Duration(d) }
    if d, ok := envDuration("WEBHOOK_DELIVERY_TIMEOUT"); ok { cfg.Queue.DeliveryTimeout = Duration(d) }
    if f, ok := envFloat("WEBHOOK_MAX_PER_SECOND"); ok { cfg.Queue.MaxPerSecond = f }
    return cfg, nil
}

func envInt(key string) (int, bool) {
    v := os.Getenv(key)
    if v == "" { return 0, false }
    n, err := strconv.Atoi(v)
    if err != nil || n <= 0 { return 0, false }
    return n, true
}

func envFloat(key string) (float64, bool) {
    v := os.Getenv(key)
    if v == "" { return 0, false }
    f, err := strconv.ParseFloat(v, 64)
    if err != nil || f < 0 { return 0, false }
    return f, true
}

func envDuration(key string) (time.Duration, bool) {
    v := os.Getenv(key)
    if v == "" { return 0, false }
    d, err := time.ParseDuration(v)
    if err != nil || d <= 0 { return 0, false }
    return d, true
}
