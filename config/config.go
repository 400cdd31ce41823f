package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// FileEnv names the optional TOML file read before the environment.
const FileEnv = "BOARD_CONFIG"

// Duration reads Go duration strings such as "90s" from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Storage struct {
	ConnectionString string `toml:"connection_string"`
	TasksTable       string `toml:"tasks_table"`
	GroupsTable      string `toml:"groups_table"`
	ListsTable       string `toml:"lists_table"`
	SettingsTable    string `toml:"settings_table"`
	ChangeQueue      string `toml:"change_queue"`
	Provision        bool   `toml:"provision"`
}

type Redis struct {
	ConnectionString string   `toml:"connection_string"`
	CacheTTL         Duration `toml:"cache_ttl"`
	DeduperTTL       Duration `toml:"deduper_ttl"`
	NotifyChannel    string   `toml:"notify_channel"`
}

type Auth struct {
	Domain       string   `toml:"domain"`
	Audience     string   `toml:"audience"`
	Issuer       string   `toml:"issuer"`
	SharedSecret string   `toml:"shared_secret"`
	JWKSCacheTTL Duration `toml:"jwks_cache_ttl"`
}

// Config is the service configuration. Environment variables win over the
// file.
type Config struct {
	Port           string   `toml:"port"`
	Debug          bool     `toml:"debug"`
	InlineTimeout  Duration `toml:"inline_timeout"`
	SessionIdleTTL Duration `toml:"session_idle_ttl"`
	Storage        Storage  `toml:"storage"`
	Redis          Redis    `toml:"redis"`
	Auth           Auth     `toml:"auth"`
}

func defaultConfig() Config {
	return Config{
		Port:           "8080",
		InlineTimeout:  Duration{60 * time.Second},
		SessionIdleTTL: Duration{30 * time.Minute},
		Storage: Storage{
			TasksTable:    "Tasks",
			GroupsTable:   "Groups",
			ListsTable:    "Lists",
			SettingsTable: "Settings",
			ChangeQueue:   "board-changes",
		},
		Redis: Redis{
			CacheTTL:   Duration{5 * time.Minute},
			DeduperTTL: Duration{24 * time.Hour},
		},
		Auth: Auth{JWKSCacheTTL: Duration{15 * time.Minute}},
	}
}

// Load reads the file named by BOARD_CONFIG, if any, applies the environment
// and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	if path := os.Getenv(FileEnv); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, v))
			return
		}
		dst.Duration = d
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, v))
			return
		}
		*dst = b
	}

	str("FUNCTIONS_CUSTOMHANDLER_PORT", &cfg.Port)
	flag("DEBUG", &cfg.Debug)
	dur("INLINE_PERSIST_TIMEOUT", &cfg.InlineTimeout)
	dur("SESSION_IDLE_TTL", &cfg.SessionIdleTTL)

	str("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	str("TASKS_TABLE", &cfg.Storage.TasksTable)
	str("GROUPS_TABLE", &cfg.Storage.GroupsTable)
	str("LISTS_TABLE", &cfg.Storage.ListsTable)
	str("SETTINGS_TABLE", &cfg.Storage.SettingsTable)
	str("CHANGE_QUEUE", &cfg.Storage.ChangeQueue)
	flag("PROVISION_STORAGE", &cfg.Storage.Provision)

	str("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	dur("CACHE_TTL", &cfg.Redis.CacheTTL)
	dur("DEDUPER_TTL", &cfg.Redis.DeduperTTL)
	str("NOTIFY_CHANNEL", &cfg.Redis.NotifyChannel)

	str("AUTH0_DOMAIN", &cfg.Auth.Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	str("AUTH0_ISSUER", &cfg.Auth.Issuer)
	str("TEST_JWT_SECRET", &cfg.Auth.SharedSecret)
	str("LOCAL_AUTH_SHARED_SECRET", &cfg.Auth.SharedSecret)
	dur("JWKS_CACHE_TTL", &cfg.Auth.JWKSCacheTTL)
	return errors.Join(errs...)
}

// Validate reports every missing storage and redis setting at once. Auth is
// checked separately since only the API verifies tokens.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.ConnectionString == "" {
		errs = append(errs, errors.New("missing storage config: STORAGE_CONNECTION_STRING"))
	}
	s := c.Storage
	if s.TasksTable == "" || s.GroupsTable == "" || s.ListsTable == "" || s.SettingsTable == "" || s.ChangeQueue == "" {
		errs = append(errs, errors.New("missing storage config: table and queue names"))
	}
	if c.Redis.ConnectionString == "" {
		errs = append(errs, errors.New("missing redis config: REDIS_CONNECTION_STRING"))
	}
	return errors.Join(errs...)
}

// Validate requires either a shared secret or an Auth0 tenant.
func (a Auth) Validate() error {
	if a.SharedSecret == "" && (a.Domain == "" || a.Audience == "") {
		return errors.New("missing Auth0 config: AUTH0_DOMAIN and AUTH0_AUDIENCE")
	}
	return nil
}

// JWKSURL is the key set of the configured Auth0 tenant.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// IssuerOrDefault returns Issuer, or the tenant URL when unset.
func (a Auth) IssuerOrDefault() string {
	if a.Issuer != "" || a.Domain == "" {
		return a.Issuer
	}
	return "https://" + a.Domain + "/"
}

// RedisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
