// Package config loads and validates the annotation indexer configuration from
// a YAML file with .env and environment-variable overrides. It provides typed
// structs for the source and sink stores, the annotation service, the field
// mapping, bulk writing, and the optional Redis, PostgreSQL and Kafka
// collaborators.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Request modes understood by the annotation service client.
const (
	RequestModeJSON    = ""
	RequestModeGateNLP = "gate-nlp"
)

// Config is the top-level application configuration.
type Config struct {
	Source     StoreConfig      `yaml:"source"`
	Sink       StoreConfig      `yaml:"sink" validate:"-"`
	NLPService NLPServiceConfig `yaml:"nlpService"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Bulk       BulkConfig       `yaml:"bulk"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StoreConfig describes one document store collection (source or sink).
type StoreConfig struct {
	Hosts     []string  `yaml:"hosts" validate:"required,min=1,dive,url"`
	IndexName string    `yaml:"indexName" validate:"required"`
	Username  string    `yaml:"username"`
	Password  string    `yaml:"password"`
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM paths for mutual TLS against the store.
type TLSConfig struct {
	CACertPath     string `yaml:"caCertPath"`
	ClientCertPath string `yaml:"clientCertPath"`
	ClientKeyPath  string `yaml:"clientKeyPath"`
}

// Enabled reports whether any TLS material was configured.
func (t TLSConfig) Enabled() bool {
	return t.CACertPath != "" || t.ClientCertPath != ""
}

// NLPServiceConfig controls the annotation service client.
type NLPServiceConfig struct {
	Endpoints         []string      `yaml:"endpoints" validate:"required,min=1,dive,url"`
	RequestMode       string        `yaml:"requestMode" validate:"omitempty,oneof=gate-nlp"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxRetries        int           `yaml:"maxRetries" validate:"gte=0"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	Timeout           time.Duration `yaml:"timeout"`
	UseBulkIndexing   bool          `yaml:"useBulkIndexing"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" validate:"gte=0"`
	BreakerThreshold  int           `yaml:"breakerThreshold" validate:"gte=0"`
	BreakerReset      time.Duration `yaml:"breakerReset"`
	// ApplicationParams is sent verbatim with every JSON-mode request.
	ApplicationParams map[string]any `yaml:"applicationParams"`
}

// MappingConfig groups the source, sink and annotation field mapping.
type MappingConfig struct {
	Source SourceMapping `yaml:"source"`
	Sink   SinkMapping   `yaml:"sink"`
	NLP    NLPMapping    `yaml:"nlp"`
}

// SourceMapping names the source fields read by the pipeline.
type SourceMapping struct {
	TextField     string      `yaml:"textField" validate:"required"`
	DocIDField    string      `yaml:"docIdField" validate:"required"`
	PersistFields []string    `yaml:"persistFields"`
	Batch         BatchConfig `yaml:"batch"`
}

// BatchConfig bounds a run by date and controls its parallelism.
type BatchConfig struct {
	DateField   string `yaml:"dateField" validate:"required"`
	DateFormat  string `yaml:"dateFormat" validate:"required"`
	Layout      string `yaml:"layout"`
	DateStart   string `yaml:"dateStart" validate:"required"`
	DateEnd     string `yaml:"dateEnd" validate:"required"`
	Interval    int    `yaml:"interval" validate:"gt=0"`
	Threads     int    `yaml:"threads" validate:"gt=0"`
	Incremental bool   `yaml:"incremental"`
}

// SinkMapping selects the merge strategy and the sink schema.
type SinkMapping struct {
	SplitIndexByField string `yaml:"splitIndexByField"`
	SameIndexIngest   bool   `yaml:"sameIndexIngest"`
	UseNestedObjects  bool   `yaml:"useNestedObjects"`
	SchemaProfile     string `yaml:"schemaProfile"`
}

// NLPMapping controls how annotation results are gated and keyed.
type NLPMapping struct {
	SkipProcessedDocCheck bool   `yaml:"skipProcessedDocCheck"`
	AnnotationIDField     string `yaml:"annotationIdField" validate:"required"`
	MinTextLength         int    `yaml:"minTextLength" validate:"gte=0"`
}

// BulkConfig bounds each bulk request.
type BulkConfig struct {
	ChunkSize int           `yaml:"chunkSize" validate:"gt=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RedisConfig enables the run lease and window checkpoint when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

// Enabled reports whether Redis was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// PostgresConfig enables the run ledger when Host is set.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// Enabled reports whether PostgreSQL was configured.
func (p PostgresConfig) Enabled() bool { return p.Host != "" }

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig enables annotation events and listen mode when Brokers is set.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topics        KafkaTopics   `yaml:"topics"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`

	// HandlerAttempts bounds how often a re-annotation request is tried.
	HandlerAttempts int `yaml:"handlerAttempts" validate:"gte=0"`
}

// Enabled reports whether Kafka was configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	AnnotationEvents  string `yaml:"annotationEvents"`
	ReannotateRequest string `yaml:"reannotateRequest"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// SinkStore returns the store the annotations are written to. In same-index
// mode, or when no sink collection is configured, that is the source.
func (c *Config) SinkStore() StoreConfig {
	if c.Mapping.Sink.SameIndexIngest || c.Sink.IndexName == "" {
		return c.Source
	}
	if len(c.Sink.Hosts) == 0 {
		sink := c.Sink
		sink.Hosts = c.Source.Hosts
		return sink
	}
	return c.Sink
}

// Load reads a YAML config file (if provided), loads a .env file when one is
// present, applies environment-variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	// a missing .env is the common case in production
	_ = godotenv.Load()
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config carrying the pipeline defaults.
func defaultConfig() *Config {
	return &Config{
		NLPService: NLPServiceConfig{
			MaxRetries:       3,
			RetryDelay:       200 * time.Millisecond,
			Timeout:          60 * time.Second,
			UseBulkIndexing:  true,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Mapping: MappingConfig{
			Source: SourceMapping{
				Batch: BatchConfig{
					DateFormat: "yyyy-MM-dd",
					Interval:   30,
					Threads:    4,
				},
			},
			NLP: NLPMapping{
				AnnotationIDField: "id",
				MinTextLength:     5,
			},
		},
		Bulk: BulkConfig{
			ChunkSize: 5000,
			Timeout:   30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			LeaseTTL: 10 * time.Minute,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "annotation-indexer",
			Topics: KafkaTopics{
				AnnotationEvents:  "annotations.indexed",
				ReannotateRequest: "annotations.reannotate",
			},
			BatchSize:       100,
			FlushInterval:   5 * time.Second,
			HandlerAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// applyEnvOverrides reads ANN_* environment variables and overrides the
// corresponding config fields. Credentials are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANN_SOURCE_HOSTS"); v != "" {
		cfg.Source.Hosts = strings.Split(v, ",")
	}
	if v := os.Getenv("ANN_SOURCE_USERNAME"); v != "" {
		cfg.Source.Username = v
	}
	if v := os.Getenv("ANN_SOURCE_PASSWORD"); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv("ANN_SINK_HOSTS"); v != "" {
		cfg.Sink.Hosts = strings.Split(v, ",")
	}
	if v := os.Getenv("ANN_SINK_USERNAME"); v != "" {
		cfg.Sink.Username = v
	}
	if v := os.Getenv("ANN_SINK_PASSWORD"); v != "" {
		cfg.Sink.Password = v
	}
	if v := os.Getenv("ANN_NLP_ENDPOINTS"); v != "" {
		cfg.NLPService.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("ANN_NLP_USERNAME"); v != "" {
		cfg.NLPService.Username = v
	}
	if v := os.Getenv("ANN_NLP_PASSWORD"); v != "" {
		cfg.NLPService.Password = v
	}
	if v := os.Getenv("ANN_BATCH_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mapping.Source.Batch.Threads = n
		}
	}
	if v := os.Getenv("ANN_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ANN_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ANN_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("ANN_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("ANN_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ANN_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANN_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
