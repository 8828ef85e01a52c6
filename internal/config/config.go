package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pulseproof/pulseproof/internal/redis"
)

var ErrMismatchedServiceType = errors.New("service type mismatch")

func configLocations() []string {
	return []string{
		".env",
		".pulseproof.yaml",
		"config/pulseproof.yaml",
		"config/pulseproof/config.yaml",
		"config/pulseproof/.env",

		"/config/pulseproof.yaml",
		"/config/pulseproof/config.yaml",
		"/config/pulseproof/.env",
	}
}

type Config struct {
	Service  ServiceType `yaml:"service" env:"SERVICE"`
	Port     int         `yaml:"port" env:"PORT"`
	LogLevel string      `yaml:"log_level" env:"LOG_LEVEL"`

	// Infrastructure
	Redis    *RedisConfig    `yaml:"redis"`
	Kafka    *KafkaConfig    `yaml:"kafka"`
	Postgres *PostgresConfig `yaml:"postgres"`

	// Ingress
	Webhook *WebhookConfig `yaml:"webhook"`

	// Auth
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`

	// Materializer
	TemplateConcurrency int `yaml:"template_concurrency" env:"TEMPLATE_CONCURRENCY"`
	RenderTimeoutMs     int `yaml:"render_timeout_ms" env:"RENDER_TIMEOUT_MS"`

	// Delivery queue
	QueueConcurrency int `yaml:"queue_concurrency" env:"QUEUE_CONCURRENCY"`
	QueueMaxRetries  int `yaml:"queue_max_retries" env:"QUEUE_MAX_RETRIES"`

	// Realtime broker
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" env:"HEARTBEAT_INTERVAL_SECONDS"`
	ConnectionsPerMinute     int `yaml:"connections_per_minute" env:"CONNECTIONS_PER_MINUTE"`

	// Event store retention, 0 disables pruning.
	EventRetentionDays int `yaml:"event_retention_days" env:"EVENT_RETENTION_DAYS"`

	configPath string
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	Database int    `yaml:"database" env:"REDIS_DATABASE"`
}

func (c *RedisConfig) ToConfig() *redis.RedisConfig {
	return &redis.RedisConfig{
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		Database: c.Database,
	}
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID"`
	GroupID  string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
}

type PostgresConfig struct {
	// URL is a pgx connection string. Empty falls back to the in-memory
	// event store.
	URL string `yaml:"url" env:"POSTGRES_URL"`
}

type WebhookConfig struct {
	ShopifySecret     string `yaml:"shopify_secret" env:"WEBHOOK_SHOPIFY_SECRET"`
	WooCommerceSecret string `yaml:"woocommerce_secret" env:"WEBHOOK_WOOCOMMERCE_SECRET"`
	StripeSecret      string `yaml:"stripe_secret" env:"WEBHOOK_STRIPE_SECRET"`
}

// Flags are the process-level overrides passed on the command line.
type Flags struct {
	Config  string
	Service string
}

func (c *Config) initDefaults() {
	c.Port = 3300
	c.LogLevel = "info"
	c.Redis = &RedisConfig{Host: "127.0.0.1", Port: 6379}
	c.Kafka = &KafkaConfig{
		Brokers:  []string{"127.0.0.1:9092"},
		ClientID: "pulseproof",
		GroupID:  "pulseproof-materializer",
	}
	c.Postgres = &PostgresConfig{}
	c.Webhook = &WebhookConfig{}
	c.TemplateConcurrency = 4
	c.RenderTimeoutMs = 1000
	c.QueueConcurrency = 4
	c.QueueMaxRetries = 3
	c.HeartbeatIntervalSeconds = 30
	c.ConnectionsPerMinute = 60
	c.EventRetentionDays = 30
}

func (c *Config) parseConfigFile(flagPath string) error {
	configPath := flagPath
	if envPath := os.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}
	if configPath == "" {
		for _, loc := range configLocations() {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}
	if configPath == "" {
		return nil
	}
	c.configPath = configPath

	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Read(configPath)
		if err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		if err := env.ParseWithOptions(c, env.Options{Environment: envMap}); err != nil {
			return fmt.Errorf("error parsing .env file: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing yaml config: %w", err)
	}
	return nil
}

func (c *Config) validate(flags Flags) error {
	service, err := ServiceTypeFromString(flags.Service)
	if err != nil {
		return err
	}
	if c.Service == ServiceTypeSingular {
		c.Service = service
	} else if flags.Service != "" && c.Service != service {
		return ErrMismatchedServiceType
	}

	if c.JWTSecret == "" && (c.Service == ServiceTypeSingular || c.Service == ServiceTypeRealtime) {
		return fmt.Errorf("JWT_SECRET is required for the realtime service")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	return nil
}

// Parse builds the effective configuration: defaults, then the config file,
// then environment variables, highest priority last.
func Parse(flags Flags) (*Config, error) {
	config := &Config{}
	config.initDefaults()

	if err := config.parseConfigFile(flags.Config); err != nil {
		return nil, err
	}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("error parsing environment variables: %w", err)
	}
	if err := config.validate(flags); err != nil {
		return nil, err
	}
	return config, nil
}
