package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/shopfront/internal/cache"
	"github.com/xenking/shopfront/internal/domain/order"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	TokenPepper  string `usage:"HMAC pepper for API token hashing (SHOP_TOKEN_PEPPER)" flag:"token-pepper"`
	Currency     string `default:"USD" usage:"ISO 4217 currency of all prices"`
	Database     DatabaseConfig
	Redis        RedisConfig
	Checkout     CheckoutConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `default:"postgres" usage:"Storage backend: postgres or sqlite"`
	URL    string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Path   string `default:"shop.db" usage:"SQLite database file" flag:"database-path"`
}

// RedisConfig enables the cart cache when Addr is set.
type RedisConfig struct {
	Addr    string        `usage:"Redis address or redis:// URL (SHOP_REDIS_ADDR or REDIS_URL)" flag:"redis-addr"`
	CartTTL time.Duration `default:"10m" usage:"Lifetime of cached carts" flag:"cart-ttl"`
}

// CheckoutConfig tunes order number allocation.
type CheckoutConfig struct {
	MaxAllocationAttempts int  `default:"10" usage:"Order numbers tried per allocation"`
	MaxInsertAttempts     int  `default:"3" usage:"Checkout retries after a duplicate order number"`
	ExpectedOrders        uint `default:"1000000" usage:"Sizing of the in-memory order number filter; 0 disables it"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, flags, YAML
// config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	ac.FileDecoders = map[string]aconfig.FileDecoder{
		".yaml": aconfigyaml.New(),
	}
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot start the server.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.TokenPepper == "" {
		return errors.New("token pepper is required: set SHOP_TOKEN_PEPPER")
	}
	if _, err := order.NewPricing(c.Currency); err != nil {
		return errors.Wrap(err, "currency")
	}
	if c.Checkout.MaxAllocationAttempts < 1 || c.Checkout.MaxInsertAttempts < 1 {
		return errors.New("checkout attempts must be positive")
	}
	if c.RateLimit.Max < 1 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit must allow at least one request per window")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT to the application's
// SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_URL")
	}
	if c.Redis.CartTTL <= 0 {
		c.Redis.CartTTL = cache.DefaultTTL
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

// redisOptions accepts either host:port or a redis:// URL.
func (c RedisConfig) redisOptions() (*redis.Options, error) {
	if strings.Contains(c.Addr, "://") {
		opts, err := redis.ParseURL(c.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.Addr}, nil
}
