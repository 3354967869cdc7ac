// Package config loads service settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Store       StoreConfig       `yaml:"store"`
	MySQL       MySQLConfig       `yaml:"mysql"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Reservation ReservationConfig `yaml:"reservation"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Log         LogConfig         `yaml:"log"`
	// Seed creates inventory lines at startup, inventory id -> amount
	Seed map[string]int `yaml:"seed"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// Driver is mysql or memory
	Driver string `yaml:"driver"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type CacheConfig struct {
	// Driver is redis or memory
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	PeakPolicy string        `yaml:"peak_policy"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	// Driver is kafka or memory
	Driver       string        `yaml:"driver"`
	Partitions   int           `yaml:"partitions"`
	BufferSize   int           `yaml:"buffer_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ReservationConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	PeakMode       string        `yaml:"peak_mode"`
	PeakInFlight   int           `yaml:"peak_in_flight"`
	BusyCooldown   time.Duration `yaml:"busy_cooldown"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type BreakerConfig struct {
	MaxFailures      uint32        `yaml:"max_failures"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Deadline       time.Duration `yaml:"deadline"`
	HardDeadline   time.Duration `yaml:"hard_deadline"`
	PaymentTimeout time.Duration `yaml:"payment_timeout"`
	BatchSize      int           `yaml:"batch_size"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		GRPC:  GRPCConfig{Addr: ":50051"},
		Store: StoreConfig{Driver: "mysql"},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/reservation?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Cache: CacheConfig{Driver: "redis", TTL: 30 * time.Second, PeakPolicy: "counter"},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 100},
		Queue: QueueConfig{
			Driver:       "kafka",
			Partitions:   16,
			BufferSize:   10000,
			MaxAttempts:  5,
			RetryBackoff: 100 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "inventory-reservations",
			GroupID:      "reservation-consumer",
			WriteTimeout: 5 * time.Second,
		},
		Reservation: ReservationConfig{
			MaxRetries:     3,
			PeakMode:       "auto",
			PeakInFlight:   500,
			BusyCooldown:   10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 5 * time.Second, HalfOpenRequests: 1},
		Reconciler: ReconcilerConfig{
			Interval:       10 * time.Second,
			Deadline:       30 * time.Second,
			HardDeadline:   5 * time.Minute,
			PaymentTimeout: 30 * time.Minute,
			BatchSize:      200,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.Cache.Driver = getEnv("CACHE_DRIVER", c.Cache.Driver)
	c.Cache.PeakPolicy = getEnv("CACHE_PEAK_POLICY", c.Cache.PeakPolicy)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Queue.Driver = getEnv("QUEUE_DRIVER", c.Queue.Driver)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)
	c.Reservation.PeakMode = getEnv("PEAK_MODE", c.Reservation.PeakMode)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}

	var err error
	if c.Reservation.MaxRetries, err = getEnvInt("RESERVATION_MAX_RETRIES", c.Reservation.MaxRetries); err != nil {
		return err
	}
	if c.Reconciler.Interval, err = getEnvDuration("RECONCILER_INTERVAL", c.Reconciler.Interval); err != nil {
		return err
	}
	if c.Reconciler.Deadline, err = getEnvDuration("RECONCILER_DEADLINE", c.Reconciler.Deadline); err != nil {
		return err
	}
	if c.Reconciler.HardDeadline, err = getEnvDuration("RECONCILER_HARD_DEADLINE", c.Reconciler.HardDeadline); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.Store.Driver, "mysql", "memory") {
		errs = append(errs, fmt.Errorf("store.driver must be mysql or memory, got %q", c.Store.Driver))
	}
	if !oneOf(c.Cache.Driver, "redis", "memory") {
		errs = append(errs, fmt.Errorf("cache.driver must be redis or memory, got %q", c.Cache.Driver))
	}
	if !oneOf(c.Queue.Driver, "kafka", "memory") {
		errs = append(errs, fmt.Errorf("queue.driver must be kafka or memory, got %q", c.Queue.Driver))
	}
	if !oneOf(c.Cache.PeakPolicy, "counter", "invalidate") {
		errs = append(errs, fmt.Errorf("cache.peak_policy must be counter or invalidate, got %q", c.Cache.PeakPolicy))
	}
	if !oneOf(c.Reservation.PeakMode, "auto", "always", "never") {
		errs = append(errs, fmt.Errorf("reservation.peak_mode must be auto, always or never, got %q", c.Reservation.PeakMode))
	}
	if c.Reservation.MaxRetries < 0 {
		errs = append(errs, errors.New("reservation.max_retries must not be negative"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Queue.Driver == "kafka" && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required for the kafka queue"))
	}
	if c.Reconciler.Interval <= 0 || c.Reconciler.Deadline <= 0 {
		errs = append(errs, errors.New("reconciler.interval and reconciler.deadline must be positive"))
	}
	if c.Reconciler.HardDeadline <= c.Reconciler.Deadline {
		errs = append(errs, errors.New("reconciler.hard_deadline must be greater than reconciler.deadline"))
	}
	return errors.Join(errs...)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
