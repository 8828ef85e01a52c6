package redis

// RedisConfig holds connection settings for the Redis backend used by the
// priority queue, pub/sub fan-out, and the template/notification stores.
type RedisConfig struct {
	Host           string `yaml:"host" env:"REDIS_HOST"`
	Port           int    `yaml:"port" env:"REDIS_PORT"`
	Password       string `yaml:"password" env:"REDIS_PASSWORD"`
	Database       int    `yaml:"database" env:"REDIS_DATABASE"`
	TLSEnabled     bool   `yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`
	ClusterEnabled bool   `yaml:"cluster_enabled" env:"REDIS_CLUSTER_ENABLED"`
}
