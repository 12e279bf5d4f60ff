package util

import (
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//nolint:gochecknoglobals // here its ok
var once sync.Once

func init() {
	once.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("Warning: could not load .env file: %v", err)
		}
	})
}

const (
	defaultServerAddr      = "localhost:8080"
	defaultWriteTimeout    = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultGracefulTimeout = 5 * time.Second

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour

	defaultGracePeriod      = 30 * time.Second
	defaultGraceMargin      = 30 * time.Second
	defaultRevokedRetention = 24 * time.Hour
	defaultGCInterval       = 10 * time.Minute

	defaultRateLimit     = 20
	defaultRateBurst     = 40
	defaultRateExpiresIn = 3 * time.Minute

	TokenPartsExpected = 2
	RawTokenLength     = 32
	JWTLeeWay          = 5 * time.Second
)

type ServerConfig struct {
	ServerAddr      string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
}

func NewServerConfig() *ServerConfig {
	addr := os.Getenv("SERVER_ADDRESS")
	if addr == "" {
		addr = defaultServerAddr
	}

	return &ServerConfig{
		ServerAddr:      addr,
		WriteTimeout:    parseDurationOrDefault("WRITE_TIMEOUT", defaultWriteTimeout),
		ReadTimeout:     parseDurationOrDefault("READ_TIMEOUT", defaultReadTimeout),
		IdleTimeout:     parseDurationOrDefault("IDLE_TIMEOUT", defaultIdleTimeout),
		GracefulTimeout: parseDurationOrDefault("GRACEFUL_TIMEOUT", defaultGracefulTimeout),
	}
}

type TokenConfig struct {
	JwtSecretKey []byte
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

func NewTokenConfig() *TokenConfig {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	return &TokenConfig{
		JwtSecretKey: []byte(secret),
		AccessTTL:    parseDurationOrDefault("ACCESS_TOKEN_TTL", defaultAccessTTL),
		RefreshTTL:   parseDurationOrDefault("REFRESH_TOKEN_TTL", defaultRefreshTTL),
	}
}

// RotationConfig holds the rotation policy knobs. The grace period and the
// retention horizons are deployment policy, never hard-coded in the engine.
type RotationConfig struct {
	// GracePeriod is how long after a token is marked used that
	// re-presenting it is treated as a benign race instead of reuse.
	GracePeriod time.Duration
	// GraceMargin extends the retention of used records and the grace
	// cache TTL beyond the grace period itself.
	GraceMargin time.Duration
	// RevokedRetention is the audit window for revoked records.
	RevokedRetention time.Duration
	// GCInterval is how often the janitor purges dead records.
	GCInterval time.Duration
}

func NewRotationConfig() *RotationConfig {
	return &RotationConfig{
		GracePeriod:      parseDurationOrDefault("ROTATION_GRACE_PERIOD", defaultGracePeriod),
		GraceMargin:      parseDurationOrDefault("ROTATION_GRACE_MARGIN", defaultGraceMargin),
		RevokedRetention: parseDurationOrDefault("REVOKED_RETENTION", defaultRevokedRetention),
		GCInterval:       parseDurationOrDefault("GC_INTERVAL", defaultGCInterval),
	}
}

// UsedRetention is the full horizon for used records: the grace window plus
// a safety margin so a follower never sees its record purged mid-race.
func (c *RotationConfig) UsedRetention() time.Duration {
	return c.GracePeriod + c.GraceMargin
}

type RateLimiterConfig struct {
	Rate      float64
	Burst     int
	ExpiresIn time.Duration
}

func NewRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Rate:      parseFloatOrDefault("RATE_LIMIT_RATE", defaultRateLimit),
		Burst:     int(parseFloatOrDefault("RATE_LIMIT_BURST", defaultRateBurst)),
		ExpiresIn: parseDurationOrDefault("RATE_LIMIT_EXPIRES_IN", defaultRateExpiresIn),
	}
}

type IdentityConfig struct {
	AssertionSecret []byte
}

func NewIdentityConfig() *IdentityConfig {
	secret := os.Getenv("IDENTITY_ASSERTION_SECRET")
	if secret == "" {
		log.Fatal("IDENTITY_ASSERTION_SECRET is not set")
	}
	return &IdentityConfig{AssertionSecret: []byte(secret)}
}

func GetWebhookURL() string {
	return os.Getenv("SECURITY_WEBHOOK_URL")
}

func parseFloatOrDefault(varName string, def float64) float64 {
	if v := os.Getenv(varName); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("Invalid number in %s: %s, using default %v", varName, v, def)
	}
	return def
}

func parseDurationOrDefault(varName string, def time.Duration) time.Duration {
	if v := os.Getenv(varName); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration in %s: %s, using default %s", varName, v, def)
	}
	return def
}
