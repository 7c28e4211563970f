package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of repair-service, read from the environment.
type Config struct {
	ServiceName    string
	ServiceAddress string
	HTTPPort       string
	GRPCPort       string

	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	MongoRetries  int

	JWTSecret     string
	SessionTTL    time.Duration
	SecureCookies bool
	AdminEmail    string
	AdminPassword string

	OTPTTL             time.Duration
	PlatformFeePercent float64
	RejectionFee       float64
	BanThreshold       int
	PostalPrefixLength int

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	PaymentBaseURL       string
	PaymentKeyID         string
	PaymentKeySecret     string
	PaymentWebhookSecret string
	Currency             string

	KafkaBootstrapServers string
	SchemaRegistryURL     string
	KafkaTopic            string

	ConsulAddress  string
	RedisAddress   string
	RedisChannel   string
	AllowedOrigins []string

	OutboxInterval  time.Duration
	ExternalTimeout time.Duration

	OTelEndpoint string
	LogLevel     string
	LogFile      string
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return i
}

func (r *reader) decimal(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) flag(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	r := &reader{}
	cfg := &Config{
		ServiceName:    r.str("SERVICE_NAME", "repair-service"),
		ServiceAddress: r.str("SERVICE_ADDRESS", "repair-service"),
		HTTPPort:       r.str("SERVICE_PORT", "8083"),
		GRPCPort:       r.str("GRPC_PORT", "50051"),

		StoreDriver:   r.str("STORE_DRIVER", "mongo"),
		MongoURI:      r.str("MONGO_URI", "mongodb://mongodb:27017/repairdb?replicaSet=rs0"),
		MongoDatabase: r.str("MONGO_DATABASE", "repairdb"),
		MongoRetries:  r.integer("MONGO_RETRIES", 5),

		JWTSecret:     r.str("JWT_SECRET", ""),
		SessionTTL:    r.duration("SESSION_TTL", 24*time.Hour),
		SecureCookies: r.flag("COOKIE_SECURE", false),
		AdminEmail:    r.str("ADMIN_EMAIL", ""),
		AdminPassword: r.str("ADMIN_PASSWORD", ""),

		OTPTTL:             r.duration("OTP_TTL", 5*time.Minute),
		PlatformFeePercent: r.decimal("PLATFORM_FEE_PERCENT", 10),
		RejectionFee:       r.decimal("REJECTION_FEE", 99),
		BanThreshold:       r.integer("REDFLAG_BAN_THRESHOLD", 3),
		PostalPrefixLength: r.integer("POSTAL_PREFIX_LENGTH", 3),

		TwilioAccountSID: r.str("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  r.str("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       r.str("TWILIO_FROM", ""),

		PaymentBaseURL:       r.str("PAYMENT_GATEWAY_URL", "https://api.razorpay.com"),
		PaymentKeyID:         r.str("PAYMENT_KEY_ID", ""),
		PaymentKeySecret:     r.str("PAYMENT_KEY_SECRET", ""),
		PaymentWebhookSecret: r.str("PAYMENT_WEBHOOK_SECRET", ""),
		Currency:             r.str("PAYMENT_CURRENCY", "INR"),

		KafkaBootstrapServers: r.str("KAFKA_BOOTSTRAP_SERVERS", ""),
		SchemaRegistryURL:     r.str("SCHEMA_REGISTRY_URL", "http://schema-registry:8081"),
		KafkaTopic:            r.str("KAFKA_TOPIC", "service-request-events"),

		ConsulAddress:  r.str("CONSUL_ADDRESS", ""),
		RedisAddress:   r.str("REDIS_ADDR", ""),
		RedisChannel:   r.str("REDIS_CHANNEL", "repairhub:chat"),
		AllowedOrigins: r.list("WS_ALLOWED_ORIGINS"),

		OutboxInterval:  r.duration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		ExternalTimeout: r.duration("EXTERNAL_TIMEOUT", 10*time.Second),

		OTelEndpoint: r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:     r.str("LOG_LEVEL", "info"),
		LogFile:      r.str("LOG_FILE", ""),
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be mongo or memory, got %q", c.StoreDriver))
	}
	if c.HTTPPort == "" || c.GRPCPort == "" {
		errs = append(errs, errors.New("SERVICE_PORT and GRPC_PORT are required"))
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent >= 100 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 100), got %v", c.PlatformFeePercent))
	}
	if c.RejectionFee < 0 {
		errs = append(errs, errors.New("REJECTION_FEE must not be negative"))
	}
	if c.BanThreshold < 1 {
		errs = append(errs, errors.New("REDFLAG_BAN_THRESHOLD must be at least 1"))
	}
	if c.SessionTTL <= 0 || c.OTPTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL and OTP_TTL must be positive"))
	}
	if c.PaymentKeyID != "" && c.PaymentKeySecret == "" {
		errs = append(errs, errors.New("PAYMENT_KEY_SECRET is required with PAYMENT_KEY_ID"))
	}
	if c.AdminEmail != "" && len(c.AdminPassword) < 8 {
		errs = append(errs, errors.New("ADMIN_PASSWORD of at least 8 characters is required with ADMIN_EMAIL"))
	}
	return errors.Join(errs...)
}
