package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

type Store string

const (
	StoreMemory Store = "memory"
	StoreSQL    Store = "sql"
	StoreRedis  Store = "redis"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	// Platforms and tool keys
	PlatformsFile string // registry JSON
	ToolKeyFile   string // PEM; empty generates an ephemeral key
	ToolKeyID     string

	// Shared state backend for nonces and launches
	Store Store

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Protocol timing
	ClockSkew          time.Duration
	NonceTTL           time.Duration
	LaunchTTL          time.Duration
	KeySetTTL          time.Duration
	KeySetFetchTimeout time.Duration
	StoreTimeout       time.Duration

	// State cookie
	CookieSecret string

	CORSOrigins []string

	LogLevel  string
	LogFormat string // text|json
}

func FromEnv() Config {
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: pub,

		PlatformsFile: envOr("LTI_PLATFORMS_FILE", "platforms.json"),
		ToolKeyFile:   os.Getenv("LTI_TOOL_KEY_FILE"),
		ToolKeyID:     os.Getenv("LTI_TOOL_KEY_ID"),

		Store:    Store(strings.ToLower(envOr("LTI_STORE", string(StoreMemory)))),
		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ClockSkew:          envDuration("LTI_CLOCK_SKEW", 60*time.Second),
		NonceTTL:           envDuration("LTI_NONCE_TTL", 10*time.Minute),
		LaunchTTL:          envDuration("LTI_LAUNCH_TTL", 2*time.Hour),
		KeySetTTL:          envDuration("LTI_KEYSET_TTL", 10*time.Minute),
		KeySetFetchTimeout: envDuration("LTI_KEYSET_FETCH_TIMEOUT", 5*time.Second),
		StoreTimeout:       envDuration("LTI_STORE_TIMEOUT", 3*time.Second),

		CookieSecret: os.Getenv("LTI_COOKIE_SECRET"),
		CORSOrigins:  csvOr("CORS_ORIGINS", "*"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
	}
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQL, StoreRedis:
	default:
		return fmt.Errorf("config: LTI_STORE %q (expected memory|sql|redis)", c.Store)
	}
	if strings.TrimSpace(c.PlatformsFile) == "" {
		return errors.New("config: LTI_PLATFORMS_FILE is required")
	}
	if len(c.CookieSecret) > 0 && len(c.CookieSecret) < 32 {
		return errors.New("config: LTI_COOKIE_SECRET must be at least 32 bytes")
	}
	return nil
}

// SecureCookies reports whether the tool is served over https.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}

// LaunchURL is the redirect_uri registered with platforms, or "" to echo
// target_link_uri.
func (c Config) LaunchURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return c.PublicURL + "/lti/launch"
}

// CookieKeys derives the state cookie hash (64 bytes) and block (32 bytes)
// keys from the cookie secret.
func (c Config) CookieKeys() (hashKey, blockKey []byte, err error) {
	if c.CookieSecret == "" {
		return nil, nil, errors.New("config: LTI_COOKIE_SECRET is empty")
	}
	r := hkdf.New(sha256.New, []byte(c.CookieSecret), nil, []byte("lti1p3-state-cookie"))
	hashKey = make([]byte, 64)
	blockKey = make([]byte, 32)
	if _, err := io.ReadFull(r, hashKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, blockKey); err != nil {
		return nil, nil, err
	}
	return hashKey, blockKey, nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	n, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(k))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
