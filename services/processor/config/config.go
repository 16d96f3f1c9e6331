package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by store_driver.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds typed configuration for the processor service.
type Config struct {
	LogLevel  string
	LogFormat string

	PollInterval      time.Duration
	MaxConcurrent     int
	JobTimeout        time.Duration
	SelectionOrder    string
	RecoverPolicy     string
	MaxQueueSize      int
	Retention         time.Duration
	DefaultMaxRetries int
	DefaultPriority   int

	StoreDriver   string
	StorePath     string
	QueueName     string
	RedisAddr     string
	PostgresDSN   string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	RateLimit  int
	RateWindow time.Duration

	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string

	KafkaBrokers     string
	KafkaEventsTopic string
	KafkaIntakeTopic string
	KafkaGroupID     string
	AMQPURL          string
	AMQPExchange     string
	EventBuffer      int

	ProviderURL   string
	ProviderToken string

	MaintenanceSchedule string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
		PollInterval:        v.GetDuration("poll_interval"),
		MaxConcurrent:       v.GetInt("max_concurrent"),
		JobTimeout:          v.GetDuration("job_timeout"),
		SelectionOrder:      v.GetString("selection_order"),
		RecoverPolicy:       v.GetString("recover_policy"),
		MaxQueueSize:        v.GetInt("max_queue_size"),
		Retention:           v.GetDuration("retention"),
		DefaultMaxRetries:   v.GetInt("default_max_retries"),
		DefaultPriority:     v.GetInt("default_priority"),
		StoreDriver:         v.GetString("store_driver"),
		StorePath:           v.GetString("store_path"),
		QueueName:           v.GetString("queue_name"),
		RedisAddr:           v.GetString("redis_addr"),
		PostgresDSN:         v.GetString("postgres_dsn"),
		SQLitePath:          v.GetString("sqlite_path"),
		MongoURI:            v.GetString("mongo_uri"),
		MongoDatabase:       v.GetString("mongo_database"),
		RateLimit:           v.GetInt("rate_limit"),
		RateWindow:          v.GetDuration("rate_window"),
		HTTPAddr:            v.GetString("http_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
		OTelEndpoint:        v.GetString("otel_endpoint"),
		KafkaBrokers:        v.GetString("kafka_brokers"),
		KafkaEventsTopic:    v.GetString("kafka_events_topic"),
		KafkaIntakeTopic:    v.GetString("kafka_intake_topic"),
		KafkaGroupID:        v.GetString("kafka_group_id"),
		AMQPURL:             v.GetString("amqp_url"),
		AMQPExchange:        v.GetString("amqp_exchange"),
		EventBuffer:         v.GetInt("event_buffer"),
		ProviderURL:         v.GetString("provider_url"),
		ProviderToken:       v.GetString("provider_token"),
		MaintenanceSchedule: v.GetString("maintenance_schedule"),
	}
}

// Brokers splits the comma-separated kafka_brokers value.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate reports every invalid or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout))
	}
	if c.MaxQueueSize < 1 {
		errs = append(errs, fmt.Errorf("max_queue_size must be at least 1, got %d", c.MaxQueueSize))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("default_max_retries must not be negative, got %d", c.DefaultMaxRetries))
	}
	if c.DefaultPriority < 1 || c.DefaultPriority > 10 {
		errs = append(errs, fmt.Errorf("default_priority must be in [1, 10], got %d", c.DefaultPriority))
	}
	switch c.SelectionOrder {
	case "fifo", "priority":
	default:
		errs = append(errs, fmt.Errorf("selection_order must be fifo or priority, got %q", c.SelectionOrder))
	}
	switch c.RecoverPolicy {
	case "fail", "leave":
	default:
		errs = append(errs, fmt.Errorf("recover_policy must be fail or leave, got %q", c.RecoverPolicy))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverFile:
		errs = append(errs, required("store_path", c.StorePath)...)
	case DriverRedis:
		errs = append(errs, required("redis_addr", c.RedisAddr)...)
	case DriverPostgres:
		errs = append(errs, required("postgres_dsn", c.PostgresDSN)...)
	case DriverSQLite:
		errs = append(errs, required("sqlite_path", c.SQLitePath)...)
	case DriverMongo:
		errs = append(errs, required("mongo_uri", c.MongoURI)...)
		errs = append(errs, required("mongo_database", c.MongoDatabase)...)
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}
	if c.StoreDriver != DriverMemory && c.StoreDriver != DriverFile {
		errs = append(errs, required("queue_name", c.QueueName)...)
	}

	if c.RateLimit > 0 {
		errs = append(errs, required("redis_addr", c.RedisAddr)...)
		if c.RateWindow <= 0 {
			errs = append(errs, fmt.Errorf("rate_window must be positive when rate_limit is set"))
		}
	}
	if c.KafkaEventsTopic != "" && c.AMQPURL != "" {
		errs = append(errs, errors.New("kafka_events_topic and amqp_url are mutually exclusive"))
	}
	if (c.KafkaEventsTopic != "" || c.KafkaIntakeTopic != "") && len(c.Brokers()) == 0 {
		errs = append(errs, errors.New("kafka_brokers is required when a kafka topic is set"))
	}
	if c.AMQPURL != "" {
		errs = append(errs, required("amqp_exchange", c.AMQPExchange)...)
	}
	return errors.Join(errs...)
}

func required(key, value string) []error {
	if strings.TrimSpace(value) == "" {
		return []error{fmt.Errorf("%s is required", key)}
	}
	return nil
}
