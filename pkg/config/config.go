package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Addr returns the listen address derived from Server.Address and
// Server.Port, with sane fallbacks.
func (c *Config) Addr() string {
	host := c.Server.Address
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8432
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseCommandFlags parses -addr, -db and -config and reports which were
// explicitly set, so flags can win over env and file values.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrFlag := flag.String("addr", "", "listen address (host:port)")
	dbFlag := flag.String("db", "", "document store path")
	cfgFlag := flag.String("config", "", "path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, setFlags
}

// ResolveConfigPath picks the config file path: explicit flag wins, then
// CHOPTSO_CONFIG, then ./choptso.yaml if present.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet && flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("CHOPTSO_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("choptso.yaml"); err == nil {
		return "choptso.yaml"
	}
	return ""
}

// Load reads and parses the YAML config at path. A missing path yields the
// zero config (defaults are applied afterwards).
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadEffective loads the file config, applies env overrides, then defaults.
// It reports whether any env override was used.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	envUsed := applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg, envUsed, nil
}

// applyEnvOverrides maps CHOPTSO_* environment variables onto cfg. Env wins
// over file values; flags are resolved by the caller and win over both.
func applyEnvOverrides(cfg *Config) bool {
	used := false
	if v := os.Getenv("CHOPTSO_ADDR"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = host
			if p, perr := strconv.Atoi(port); perr == nil {
				cfg.Server.Port = p
			}
			used = true
		}
	}
	if v := os.Getenv("CHOPTSO_FAST_ADDR"); v != "" {
		cfg.Server.FastAddress = v
		used = true
	}
	if v := os.Getenv("CHOPTSO_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
		used = true
	}
	if v := os.Getenv("CHOPTSO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
		used = true
	}
	if v := os.Getenv("CHOPTSO_TYPING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Presence.TypingTTL = Duration(d)
			used = true
		}
	}
	if v := os.Getenv("CHOPTSO_SYNC_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.Window = n
			used = true
		}
	}
	if v := os.Getenv("CHOPTSO_ADMIN_IDENTITIES"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Security.AdminIdentities = append(cfg.Security.AdminIdentities, id)
			}
		}
		used = true
	}
	return used
}

// ApplyDefaults fills unset fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Presence.TypingTTL.Duration() == 0 {
		cfg.Presence.TypingTTL = Duration(3 * time.Second)
	}
	if cfg.Presence.OfflineAfter.Duration() == 0 {
		cfg.Presence.OfflineAfter = Duration(5 * time.Minute)
	}
	if cfg.Sync.Window == 0 {
		cfg.Sync.Window = 50
	}
	if cfg.Sync.RetryAttempts == 0 {
		cfg.Sync.RetryAttempts = 3
	}
	if cfg.Sync.RetryBackoff.Duration() == 0 {
		cfg.Sync.RetryBackoff = Duration(50 * time.Millisecond)
	}
	if cfg.Sync.RequestTimeout.Duration() == 0 {
		cfg.Sync.RequestTimeout = Duration(10 * time.Second)
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 2
	}
	if cfg.Ingest.Queue.Capacity == 0 {
		cfg.Ingest.Queue.Capacity = 64 * 1024
	}
	if cfg.Ingest.Queue.MaxPooledBufferBytes == 0 {
		cfg.Ingest.Queue.MaxPooledBufferBytes = SizeBytes(256 * 1024)
	}
	if cfg.Sweeper.Cron == "" {
		cfg.Sweeper.Cron = "* * * * *"
	}
	if cfg.Security.RateLimit.RPS == 0 {
		cfg.Security.RateLimit.RPS = 25
	}
	if cfg.Security.RateLimit.Burst == 0 {
		cfg.Security.RateLimit.Burst = 50
	}
}
