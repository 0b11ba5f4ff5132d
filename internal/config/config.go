package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Strategy selects what happens to the payment when an order is placed.
// It is decided once at startup and passed by value; it never changes
// mid-flight for an order.
type Strategy string

const (
	StrategyManual              Strategy = "manual"
	StrategyAuthorizeOnly       Strategy = "authorize"
	StrategyAuthorizeAndCapture Strategy = "capture"
)

// AuthMode selects how authorization timeouts are treated. In async mode a
// timed-out authorize call is retried asynchronously instead of declined.
type AuthMode string

const (
	AuthModeSync  AuthMode = "sync"
	AuthModeAsync AuthMode = "async"
)

// Payment regions where Strong Customer Authentication applies.
var scaRegions = map[string]bool{
	"eu": true,
	"uk": true,
}

// MWS API hosts by payment region. UK merchants go through the EU host.
var amazonEndpointHosts = map[string]string{
	"us": "mws.amazonservices.com",
	"eu": "mws-eu.amazonservices.com",
	"uk": "mws-eu.amazonservices.com",
	"jp": "mws.amazonservices.jp",
}

// defaultAmazonEndpoint picks the provider endpoint for a region, switching
// to the sandbox path when sandbox mode is on. An explicit
// AMAZON_PAY_ENDPOINT overrides it.
func defaultAmazonEndpoint(region string, sandbox bool) string {
	host, ok := amazonEndpointHosts[strings.ToLower(region)]
	if !ok {
		host = amazonEndpointHosts["us"]
	}
	path := "OffAmazonPayments"
	if sandbox {
		path = "OffAmazonPayments_Sandbox"
	}
	return fmt.Sprintf("https://%s/%s/2013-01-01", host, path)
}

type Config struct {
	DBConfig struct {
		Host     string `env:"GATEWAY_DB_HOST"`
		Port     int    `env:"GATEWAY_DB_PORT"`
		User     string `env:"GATEWAY_DB_USER"`
		Password string `env:"GATEWAY_DB_PASSWORD"`
		Name     string `env:"GATEWAY_DB_NAME"`
	}

	HTTPPort int `env:"GATEWAY_HTTP_PORT"`

	KafkaBrokerURL          string `env:"KAFKA_BROKER_URL"`
	KafkaPaymentStatusTopic string `env:"KAFKA_PAYMENT_STATUS_TOPIC"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxPollTimeout  time.Duration `env:"OUTBOX_POLL_TIMEOUT"`

	Amazon struct {
		Endpoint   string `env:"AMAZON_PAY_ENDPOINT"`
		SellerID   string `env:"AMAZON_PAY_SELLER_ID"`
		AccessKey  string `env:"AMAZON_PAY_ACCESS_KEY"`
		SecretKey  string `env:"AMAZON_PAY_SECRET_KEY"`
		Region     string `env:"AMAZON_PAY_REGION"`
		Sandbox    bool   `env:"AMAZON_PAY_SANDBOX"`
		PlatformID string `env:"AMAZON_PAY_PLATFORM_ID"`
	}

	Strategy        Strategy `env:"PAYMENT_CAPTURE"`
	AuthMode        AuthMode `env:"AUTHORIZATION_MODE"`
	LoginAppEnabled bool     `env:"ENABLE_LOGIN_APP"`

	StoreName   string `env:"STORE_NAME"`
	CheckoutURL string `env:"STOREFRONT_CHECKOUT_URL"`
	CartURL     string `env:"STOREFRONT_CART_URL"`
	ReturnURL   string `env:"STOREFRONT_RETURN_URL"`

	SchedulerPollInterval   time.Duration `env:"SCHEDULER_POLL_INTERVAL"`
	PendingCheckDelay       time.Duration `env:"PENDING_CHECK_DELAY"`
	PendingCheckMaxAttempts int           `env:"PENDING_CHECK_MAX_ATTEMPTS"`
	PendingCheckMaxDelay    time.Duration `env:"PENDING_CHECK_MAX_DELAY"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DBConfig.Host = getEnvOrDefault("GATEWAY_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("GATEWAY_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("GATEWAY_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("GATEWAY_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("GATEWAY_DB_NAME", "gateway_db")

	cfg.HTTPPort = getEnvAsInt("GATEWAY_HTTP_PORT", 8083)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaPaymentStatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 500*time.Millisecond)

	cfg.Amazon.SellerID = getEnvOrDefault("AMAZON_PAY_SELLER_ID", "")
	cfg.Amazon.AccessKey = getEnvOrDefault("AMAZON_PAY_ACCESS_KEY", "")
	cfg.Amazon.SecretKey = getEnvOrDefault("AMAZON_PAY_SECRET_KEY", "")
	cfg.Amazon.Region = getEnvOrDefault("AMAZON_PAY_REGION", "us")
	cfg.Amazon.Sandbox = getEnvAsBool("AMAZON_PAY_SANDBOX", true)
	cfg.Amazon.PlatformID = getEnvOrDefault("AMAZON_PAY_PLATFORM_ID", "A1BVJDFFHQ7US4")
	cfg.Amazon.Endpoint = getEnvOrDefault("AMAZON_PAY_ENDPOINT",
		defaultAmazonEndpoint(cfg.Amazon.Region, cfg.Amazon.Sandbox))

	strategy, err := ParseStrategy(getEnvOrDefault("PAYMENT_CAPTURE", string(StrategyAuthorizeAndCapture)))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strategy

	mode, err := ParseAuthMode(getEnvOrDefault("AUTHORIZATION_MODE", string(AuthModeSync)))
	if err != nil {
		return nil, err
	}
	cfg.AuthMode = mode

	cfg.LoginAppEnabled = getEnvAsBool("ENABLE_LOGIN_APP", true)

	cfg.StoreName = getEnvOrDefault("STORE_NAME", "Example Store")
	cfg.CheckoutURL = getEnvOrDefault("STOREFRONT_CHECKOUT_URL", "https://shop.example.com/checkout")
	cfg.CartURL = getEnvOrDefault("STOREFRONT_CART_URL", "https://shop.example.com/cart")
	cfg.ReturnURL = getEnvOrDefault("STOREFRONT_RETURN_URL", "https://shop.example.com/checkout/order-received")

	cfg.SchedulerPollInterval = getEnvAsDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second)
	cfg.PendingCheckDelay = getEnvAsDuration("PENDING_CHECK_DELAY", 1*time.Hour)
	cfg.PendingCheckMaxAttempts = getEnvAsInt("PENDING_CHECK_MAX_ATTEMPTS", 5)
	cfg.PendingCheckMaxDelay = getEnvAsDuration("PENDING_CHECK_MAX_DELAY", 6*time.Hour)

	return cfg, nil
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyManual:
		return StrategyManual, nil
	case StrategyAuthorizeOnly:
		return StrategyAuthorizeOnly, nil
	case StrategyAuthorizeAndCapture, "":
		return StrategyAuthorizeAndCapture, nil
	}
	return "", fmt.Errorf("unknown payment capture strategy %q", s)
}

func ParseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(s)) {
	case AuthModeSync, "":
		return AuthModeSync, nil
	case AuthModeAsync:
		return AuthModeAsync, nil
	}
	return "", fmt.Errorf("unknown authorization mode %q", s)
}

// IsSCARegion reports whether the configured payment region requires Strong
// Customer Authentication before authorization.
func (c *Config) IsSCARegion() bool {
	return scaRegions[strings.ToLower(c.Amazon.Region)]
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
