// Package config loads siteporter configuration from the environment, a
// local .env file, and an optional YAML config file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Role selects which side of a migration this process plays.
const (
	RoleSource      = "source"
	RoleDestination = "destination"
)

// Config represents the application configuration
type Config struct {
	Role         string `yaml:"role"`
	ListenAddr   string `yaml:"listen_addr"`
	DBPath       string `yaml:"db_path"`
	SiteRoot     string `yaml:"site_root"`
	BaseURL      string `yaml:"base_url"`
	TablePrefix  string `yaml:"table_prefix"`
	SharedSecret string `yaml:"shared_secret"`
	StatePath    string `yaml:"state_path"`

	ChunkBytes    int64 `yaml:"chunk_bytes"`
	RowBatchSize  int   `yaml:"row_batch_size"`
	PersistEveryN int   `yaml:"persist_every_n"`

	ExcludePrefixes   []string `yaml:"exclude_prefixes"`
	ExcludeExtensions []string `yaml:"exclude_extensions"`
	ExcludeNames      []string `yaml:"exclude_names"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/siteporter/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		Role:          RoleDestination,
		ListenAddr:    "127.0.0.1:7373",
		ChunkBytes:    2 * 1024 * 1024,
		RowBatchSize:  500,
		PersistEveryN: 25,
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	_ = loadYAMLConfig(cfg)

	if v := os.Getenv("SITEPORTER_ROLE"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("SITEPORTER_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SITEPORTER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SITEPORTER_SITE_ROOT"); v != "" {
		cfg.SiteRoot = v
	}
	if v := os.Getenv("SITEPORTER_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SITEPORTER_TABLE_PREFIX"); v != "" {
		cfg.TablePrefix = v
	}
	if v := os.Getenv("SITEPORTER_SECRET"); v != "" {
		cfg.SharedSecret = v
	}
	if v := os.Getenv("SITEPORTER_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("SITEPORTER_CHUNK_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SITEPORTER_CHUNK_BYTES: %q", v)
		}
		cfg.ChunkBytes = n
	}
	if v := os.Getenv("SITEPORTER_ROW_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SITEPORTER_ROW_BATCH: %q", v)
		}
		cfg.RowBatchSize = n
	}
	if v := os.Getenv("SITEPORTER_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if cfg.Role != RoleSource && cfg.Role != RoleDestination {
		return nil, fmt.Errorf("invalid role %q: must be %q or %q", cfg.Role, RoleSource, RoleDestination)
	}

	if cfg.StatePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.StatePath = filepath.Join(homeDir, ".local", "share", "siteporter", "session.json")
	}

	return cfg, nil
}

// findEnvLocal walks up from the working directory looking for .env.local.
func findEnvLocal() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	path := filepath.Join(homeDir, ".config", "siteporter", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// GenerateSecret produces a new shared secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FormatConnection renders the source connection string handed to the
// destination operator: "url|base64(secret)".
func FormatConnection(url, secret string) string {
	return url + "|" + base64.StdEncoding.EncodeToString([]byte(secret))
}

// ParseConnection parses a "url|base64(secret)" connection string.
func ParseConnection(s string) (url, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid connection string: expected url|secret")
	}
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("invalid connection secret encoding: %w", err)
	}
	if !strings.HasPrefix(parts[0], "http://") && !strings.HasPrefix(parts[0], "https://") {
		return "", "", fmt.Errorf("invalid connection url %q", parts[0])
	}
	return parts[0], string(raw), nil
}
