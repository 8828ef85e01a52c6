package config

import "go.uber.org/zap"

// LogConfigurationSummary returns zap fields describing the effective
// configuration. Secrets are reported as configured/not-configured only.
func (c *Config) LogConfigurationSummary() []zap.Field {
	configPath := c.configPath
	if configPath == "" {
		configPath = "none (defaults and environment variables)"
	}
	return []zap.Field{
		zap.String("service", c.Service.String()),
		zap.String("config_file_path", configPath),
		zap.String("log_level", c.LogLevel),
		zap.Int("port", c.Port),

		zap.String("redis_host", c.Redis.Host),
		zap.Int("redis_port", c.Redis.Port),
		zap.Strings("kafka_brokers", c.Kafka.Brokers),
		zap.String("kafka_group_id", c.Kafka.GroupID),
		zap.Bool("postgres_configured", c.Postgres.URL != ""),

		zap.Bool("jwt_secret_configured", c.JWTSecret != ""),
		zap.Bool("shopify_secret_configured", c.Webhook.ShopifySecret != ""),
		zap.Bool("woocommerce_secret_configured", c.Webhook.WooCommerceSecret != ""),
		zap.Bool("stripe_secret_configured", c.Webhook.StripeSecret != ""),

		zap.Int("template_concurrency", c.TemplateConcurrency),
		zap.Int("render_timeout_ms", c.RenderTimeoutMs),
		zap.Int("queue_concurrency", c.QueueConcurrency),
		zap.Int("queue_max_retries", c.QueueMaxRetries),
		zap.Int("heartbeat_interval_seconds", c.HeartbeatIntervalSeconds),
		zap.Int("connections_per_minute", c.ConnectionsPerMinute),
		zap.Int("event_retention_days", c.EventRetentionDays),
	}
}
