package config

import "time"

// Store keys read by FromStore.
const (
	KeyNodeID   = "node.id"
	KeyNodeRing = "node.ring"

	KeyPubSubSystem       = "pubsub.system"
	KeyKafkaBrokers       = "kafka.brokers"
	KeyKafkaClientID      = "kafka.clientId"
	KeyRabbitMQURL        = "rabbitmq.url"
	KeyNATSURL            = "nats.url"
	KeyHTTPServerAddress  = "http.serverAddress"
	KeyHTTPPublisherURL   = "http.publisherUrl"
	KeyIOFile             = "io.file"
	KeySQLiteFile         = "sqlite.file"
	KeyPostgresURL        = "postgres.url"
	KeyAWSRegion          = "aws.region"
	KeyAWSAccountID       = "aws.accountId"
	KeyAWSAccessKeyID     = "aws.accessKeyId"
	KeyAWSSecretAccessKey = "aws.secretAccessKey"
	KeyAWSEndpoint        = "aws.endpoint"

	KeyConsumerGroup     = "consumer.group"
	KeyConsumeTopics     = "consumer.topics"
	KeyPoisonQueue       = "consumer.poisonQueue"
	KeyThrottlePerSecond = "consumer.throttlePerSecond"

	KeyRetryMaxRetries      = "retry.maxRetries"
	KeyRetryInitialInterval = "retry.initialInterval"
	KeyRetryMaxInterval     = "retry.maxInterval"

	KeyKeyStrategy   = "persistence.keyStrategy"
	KeyDedupBackend  = "dedup.backend"
	KeyDedupTTL      = "dedup.ttl"
	KeyRedisAddr     = "redis.addr"
	KeyRedisPassword = "redis.password"
	KeyRedisDB       = "redis.db"
	KeySchemaFormat  = "schema.format"

	KeyTraceSampleRate = "tracing.sampleRate"

	KeyMetricsEnabled = "metrics.enabled"
	KeyMetricsPort    = "metrics.port"
	KeyAdminEnabled   = "admin.enabled"
	KeyAdminPort      = "admin.port"
	KeyAdminCORS      = "admin.corsAllowedOrigins"
)

// Circuit breaker keys. A per-service override lives under
// "circuitBreaker.<service>.<setting>".
const (
	KeyBreakerFailureThreshold = "circuitBreaker.failureThreshold"
	KeyBreakerResetTimeout     = "circuitBreaker.resetTimeout"
	KeyBreakerHalfOpenMaxCalls = "circuitBreaker.halfOpenMaxCalls"
)

// KnownKeys lists every key FromStore reads, for ApplyEnv.
func KnownKeys() []string {
	return []string{
		KeyNodeID, KeyNodeRing,
		KeyPubSubSystem, KeyKafkaBrokers, KeyKafkaClientID, KeyRabbitMQURL, KeyNATSURL,
		KeyHTTPServerAddress, KeyHTTPPublisherURL, KeyIOFile, KeySQLiteFile, KeyPostgresURL,
		KeyAWSRegion, KeyAWSAccountID, KeyAWSAccessKeyID, KeyAWSSecretAccessKey, KeyAWSEndpoint,
		KeyConsumerGroup, KeyConsumeTopics, KeyPoisonQueue, KeyThrottlePerSecond,
		KeyRetryMaxRetries, KeyRetryInitialInterval, KeyRetryMaxInterval,
		KeyKeyStrategy, KeyDedupBackend, KeyDedupTTL, KeyRedisAddr, KeyRedisPassword, KeyRedisDB, KeySchemaFormat,
		KeyTraceSampleRate,
		KeyMetricsEnabled, KeyMetricsPort, KeyAdminEnabled, KeyAdminPort, KeyAdminCORS,
		KeyBreakerFailureThreshold, KeyBreakerResetTimeout, KeyBreakerHalfOpenMaxCalls,
	}
}

// FromStore builds a typed Config from s, applying defaults.
func FromStore(s *Store) *Config {
	return &Config{
		NodeID:   s.String(KeyNodeID, "node-1"),
		NodeRing: s.StringSlice(KeyNodeRing, nil),

		PubSubSystem:       s.String(KeyPubSubSystem, "channel"),
		KafkaBrokers:       s.StringSlice(KeyKafkaBrokers, nil),
		KafkaClientID:      s.String(KeyKafkaClientID, "chainflow"),
		RabbitMQURL:        s.String(KeyRabbitMQURL, ""),
		NATSURL:            s.String(KeyNATSURL, ""),
		HTTPServerAddress:  s.String(KeyHTTPServerAddress, ""),
		HTTPPublisherURL:   s.String(KeyHTTPPublisherURL, ""),
		IOFile:             s.String(KeyIOFile, ""),
		SQLiteFile:         s.String(KeySQLiteFile, ""),
		PostgresURL:        s.String(KeyPostgresURL, ""),
		AWSRegion:          s.String(KeyAWSRegion, ""),
		AWSAccountID:       s.String(KeyAWSAccountID, ""),
		AWSAccessKeyID:     s.String(KeyAWSAccessKeyID, ""),
		AWSSecretAccessKey: s.String(KeyAWSSecretAccessKey, ""),
		AWSEndpoint:        s.String(KeyAWSEndpoint, ""),

		ConsumerGroup:     s.String(KeyConsumerGroup, "chainflow"),
		ConsumeTopics:     s.StringSlice(KeyConsumeTopics, nil),
		PoisonQueue:       s.String(KeyPoisonQueue, ""),
		ThrottlePerSecond: s.Int(KeyThrottlePerSecond, 0),

		RetryMaxRetries:      s.Int(KeyRetryMaxRetries, 0),
		RetryInitialInterval: s.Duration(KeyRetryInitialInterval, 0),
		RetryMaxInterval:     s.Duration(KeyRetryMaxInterval, 0),

		KeyStrategy:   s.String(KeyKeyStrategy, KeyByEventID),
		DedupBackend:  s.String(KeyDedupBackend, DedupMemory),
		DedupTTL:      s.Duration(KeyDedupTTL, 24*time.Hour),
		RedisAddr:     s.String(KeyRedisAddr, ""),
		RedisPassword: s.String(KeyRedisPassword, ""),
		RedisDB:       s.Int(KeyRedisDB, 0),
		SchemaFormat:  s.String(KeySchemaFormat, "json"),

		TraceSampleRate: s.Float(KeyTraceSampleRate, DefaultTraceSampleRate),

		MetricsEnabled:          s.Bool(KeyMetricsEnabled, false),
		MetricsPort:             s.Int(KeyMetricsPort, 9090),
		AdminEnabled:            s.Bool(KeyAdminEnabled, false),
		AdminPort:               s.Int(KeyAdminPort, 8081),
		AdminCORSAllowedOrigins: s.StringSlice(KeyAdminCORS, nil),
	}
}
