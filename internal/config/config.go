package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration. It is loaded once at process start
// and handed to components through fx; business logic never reads the
// environment directly.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	OTLPEndpoint string

	Telephony TelephonyConfig
	Payment   PaymentConfig
	Rental    RentalConfig
	Sweeper   SweeperConfig
	Redis     RedisConfig
}

// TelephonyConfig configures the outbound telephony provider client.
type TelephonyConfig struct {
	AccountSID     string
	AuthToken      string
	BaseURL        string
	RequestTimeout time.Duration
}

// PaymentConfig configures payment-provider webhook verification.
type PaymentConfig struct {
	StripeWebhookSecret string
}

// RentalConfig configures phone-number rental behavior.
type RentalConfig struct {
	ReservationTTL time.Duration
	ExpiringSoon   time.Duration
}

// SweeperConfig configures background sweep jobs.
type SweeperConfig struct {
	Enabled     bool
	Interval    time.Duration
	JobTimeout  time.Duration
	LockTTL     time.Duration
	IntentRetry time.Duration
}

// RedisConfig configures the redis client used for sweep locks.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "letscoldcall"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "letscoldcall"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		Telephony: TelephonyConfig{
			AccountSID:     strings.TrimSpace(getenv("TELEPHONY_ACCOUNT_SID", "")),
			AuthToken:      strings.TrimSpace(getenv("TELEPHONY_AUTH_TOKEN", "")),
			BaseURL:        getenv("TELEPHONY_BASE_URL", "https://api.twilio.com"),
			RequestTimeout: getenvDuration("TELEPHONY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Payment: PaymentConfig{
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Rental: RentalConfig{
			ReservationTTL: getenvDuration("RENTAL_RESERVATION_TTL", 10*time.Minute),
			ExpiringSoon:   getenvDuration("RENTAL_EXPIRING_SOON", 7*24*time.Hour),
		},
		Sweeper: SweeperConfig{
			Enabled:     getenvBool("SWEEPER_ENABLED", true),
			Interval:    getenvDuration("SWEEPER_INTERVAL", time.Minute),
			JobTimeout:  getenvDuration("SWEEPER_JOB_TIMEOUT", 30*time.Second),
			LockTTL:     getenvDuration("SWEEPER_LOCK_TTL", 2*time.Minute),
			IntentRetry: getenvDuration("SWEEPER_INTENT_RETRY", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRateTableHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
