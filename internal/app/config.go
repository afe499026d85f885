package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/handler"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

const defaultAddr = "0.0.0.0:8080"

// Config is the service configuration, loaded from APIKEYS_ environment
// variables, flags or YAML files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (APIKEYS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Hashing     HashingConfig
	Cache       CacheConfig
	Header      HeaderConfig
	Graceful    GracefulConfig
}

// HashingConfig selects the preferred key hasher.
type HashingConfig struct {
	Algorithm        string `default:"sha512" usage:"Preferred hash algorithm for new and upgraded keys"`
	Pepper           string `usage:"Secret pepper for hmac_sha512 (APIKEYS_HASHING_PEPPER)"`
	BcryptCost       int    `default:"0" usage:"bcrypt cost when the algorithm is bcrypt; 0 means the library default" flag:"bcrypt-cost"`
	PBKDF2Iterations int    `default:"600000" usage:"PBKDF2 iterations when the algorithm is pbkdf2_sha256" flag:"pbkdf2-iterations"`
}

// CacheConfig controls the validity cache.
type CacheConfig struct {
	Enabled  bool          `default:"true" usage:"Cache positive verification verdicts"`
	Backend  string        `default:"memory" usage:"Cache backend: memory or redis"`
	TTL      time.Duration `default:"1h" usage:"Upper bound on how long a verdict is cached"`
	RedisURL string        `usage:"Redis URL for the redis backend (APIKEYS_CACHE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
}

// HeaderConfig controls where keys are read from requests.
type HeaderConfig struct {
	Keyword string `default:"Api-Key" usage:"Authorization scheme carrying the key"`
	Custom  string `usage:"Custom header carrying the key instead of Authorization"`
	Base64  bool   `default:"false" usage:"Presented keys are base64 encoded"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// ApikeyHashing maps the hashing section onto the domain configuration.
func (c HashingConfig) ApikeyHashing() apikey.HashingConfig {
	return apikey.HashingConfig{
		Algorithm:        c.Algorithm,
		Pepper:           c.Pepper,
		BcryptCost:       c.BcryptCost,
		PBKDF2Iterations: c.PBKDF2Iterations,
	}
}

// KeyParser builds the request key parser.
func (c HeaderConfig) KeyParser() handler.KeyParser {
	return handler.KeyParser{
		Keyword:      c.Keyword,
		CustomHeader: c.Custom,
		Base64:       c.Base64,
	}
}

// LoadConfig loads the configuration from the environment and YAML files,
// applies platform defaults and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "APIKEYS",
		Files:     []string{"config.yaml", "/etc/apikeys/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set APIKEYS_DATABASE_URL or DATABASE_URL")
	}
	if _, err := apikey.NewHashers(c.Hashing.ApikeyHashing()); err != nil {
		return errors.Wrap(err, "hashing")
	}
	if !c.Cache.Enabled {
		return nil
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("redis cache backend requires APIKEYS_CACHE_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// applyPlatformDefaults maps the unprefixed variables set by hosting
// platforms onto the configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Cache.RedisURL == "" {
		c.Cache.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
