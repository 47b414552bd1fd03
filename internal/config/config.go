// Package config loads segvault's runtime configuration: compiled defaults
// overlaid by SEGVAULT_* environment variables, decoded with koanf and
// checked with validator.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment key: SEGVAULT_BATCH_MAX_ROWS sets
// batch.max_rows.
const EnvPrefix = "SEGVAULT_"

// Config holds the merged runtime configuration.
type Config struct {
	Addr      string          `koanf:"addr" validate:"required,ip_port"`
	DataDir   string          `koanf:"data_dir" validate:"required,data_dir"`
	LogLevel  string          `koanf:"log_level" validate:"oneof=debug info warn error"`
	Index     IndexConfig     `koanf:"index"`
	Blob      BlobConfig      `koanf:"blob"`
	S3        S3Config        `koanf:"s3"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Batch     BatchConfig     `koanf:"batch"`
	Parallel  ParallelConfig  `koanf:"parallel"`
	Crypto    CryptoConfig    `koanf:"crypto"`
	Janitor   JanitorConfig   `koanf:"janitor"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	FirstSeen FirstSeenConfig `koanf:"firstseen"`
}

// IndexConfig selects the metadata index. An empty sqlite DSN means the
// database file under DataDir.
type IndexConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required_if=Driver postgres"`
}

// BlobConfig selects the blob backend. TTL applies to the filesystem
// backend; S3 buckets expire objects through lifecycle rules.
type BlobConfig struct {
	Backend     string        `koanf:"backend" validate:"oneof=filesystem s3"`
	TTL         time.Duration `koanf:"ttl" validate:"gte=0"`
	OrphanGrace time.Duration `koanf:"orphan_grace" validate:"gt=0"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	Prefix          string `koanf:"prefix"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	ForcePathStyle  bool   `koanf:"force_path_style"`
	KMSKeyARN       string `koanf:"kms_key_arn"`
}

// KafkaConfig configures the stream consumer. Ingest is disabled when
// Brokers is empty.
type KafkaConfig struct {
	Brokers        []string      `koanf:"brokers"`
	Topic          string        `koanf:"topic"`
	Group          string        `koanf:"group"`
	MaxPollRecords int           `koanf:"max_poll_records" validate:"gte=0"`
	PollInterval   time.Duration `koanf:"poll_interval" validate:"gt=0"`
	JoinTimeout    time.Duration `koanf:"join_timeout" validate:"gt=0"`
}

// BatchConfig holds the flush thresholds and the batched-tenant allow-list.
type BatchConfig struct {
	MaxRows     int           `koanf:"max_rows" validate:"gte=0"`
	MaxBytes    ByteSize      `koanf:"max_bytes" validate:"gte=0"`
	MaxInterval time.Duration `koanf:"max_interval" validate:"gte=0"`
	AllTenants  bool          `koanf:"all_tenants"`
	Tenants     []int64       `koanf:"tenants"`
	MaxPayload  ByteSize      `koanf:"max_payload" validate:"gt=0"`
}

// ParallelConfig bounds the per-item executor.
type ParallelConfig struct {
	Workers int `koanf:"workers" validate:"gt=0"`
}

// CryptoConfig holds the base64 encoded 32 byte wrapping key.
type CryptoConfig struct {
	WrappingKey string `koanf:"wrapping_key" validate:"omitempty,b64key"`
}

// JanitorConfig paces housekeeping.
type JanitorConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"gt=0"`
	PurgeLimit int           `koanf:"purge_limit" validate:"gt=0"`
}

// MetricsConfig paces accounting flushes and guards /debug/accounting.
type MetricsConfig struct {
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
	Token         string        `koanf:"token"`
}

// FirstSeenConfig sizes the first-seen cache.
type FirstSeenConfig struct {
	Capacity int           `koanf:"capacity" validate:"gt=0"`
	MaxAge   time.Duration `koanf:"max_age" validate:"gt=0"`
}

// DefaultAppConfig is the configuration used when nothing is overridden.
var DefaultAppConfig = Config{
	Addr:     ":8080",
	DataDir:  "./data",
	LogLevel: "info",
	Index:    IndexConfig{Driver: "sqlite"},
	Blob: BlobConfig{
		Backend:     "filesystem",
		TTL:         90 * 24 * time.Hour,
		OrphanGrace: time.Hour,
	},
	Kafka: KafkaConfig{
		Brokers:      []string{},
		Topic:        "replay-segments",
		Group:        "segvault",
		PollInterval: time.Second,
		JoinTimeout:  30 * time.Second,
	},
	Batch: BatchConfig{
		MaxRows:     100,
		MaxBytes:    10 << 20,
		MaxInterval: 5 * time.Second,
		Tenants:     []int64{},
		MaxPayload:  16 << 20,
	},
	Parallel:  ParallelConfig{Workers: 8},
	Janitor:   JanitorConfig{Interval: time.Minute, PurgeLimit: 500},
	Metrics:   MetricsConfig{FlushInterval: 5 * time.Second},
	FirstSeen: FirstSeenConfig{Capacity: 10_000, MaxAge: time.Hour},
}

var (
	errNoThreshold = errors.New("at least one of batch.max_rows, batch.max_bytes, batch.max_interval must be set")
	errNoBucket    = errors.New("s3.bucket is required when blob.backend is s3")
)

// defaultLoader seeds k with DefaultAppConfig.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

// envLoader overlays SEGVAULT_* variables. Underscores are ambiguous (they
// separate sections and words), so names are matched against the keys the
// defaults already define; unknown variables are ignored.
var envLoader = func(k *koanf.Koanf) error {
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(name, value string) (string, any) {
			key, ok := known[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))]
			if !ok {
				return "", nil
			}
			return key, value
		},
	}), nil)
}

// registerValidators installs the custom tags used on Config.
var registerValidators = func(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"ip_port":  validIPPort,
		"data_dir": validDataDir,
		"b64key":   validB64Key,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToByteSize(),
				mapstructure.StringToTimeDurationHookFunc(),
				StringToList(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, err
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if cfg.Batch.MaxRows == 0 && cfg.Batch.MaxBytes == 0 && cfg.Batch.MaxInterval == 0 {
		return nil, errNoThreshold
	}
	if cfg.Blob.Backend == "s3" && cfg.S3.Bucket == "" {
		return nil, errNoBucket
	}
	return &cfg, nil
}

// SQLiteDSN returns the DSN of the metadata database under DataDir.
func (c *Config) SQLiteDSN() string { return c.sqliteFile("segvault.db") }

// AccountingDSN returns the DSN of the accounting database under DataDir.
func (c *Config) AccountingDSN() string { return c.sqliteFile("accounting.db") }

func (c *Config) sqliteFile(name string) string {
	p := strings.TrimSuffix(c.DataDir, "/") + "/" + name
	return "file:" + p + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// IndexDSN returns the configured index DSN, defaulting to SQLiteDSN.
func (c *Config) IndexDSN() string {
	if c.Index.DSN != "" {
		return c.Index.DSN
	}
	return c.SQLiteDSN()
}

// BlobDir is where the filesystem backend keeps blobs.
func (c *Config) BlobDir() string { return path.Join(c.DataDir, "blobs") }

// FirstSeenDir is where the first-seen flag store lives.
func (c *Config) FirstSeenDir() string { return path.Join(c.DataDir, "firstseen") }

// WrappingKey decodes the configured key. It is required by every command
// that seals or opens segments.
func (c *Config) WrappingKey() ([]byte, error) {
	if c.Crypto.WrappingKey == "" {
		return nil, errors.New("crypto.wrapping_key is required")
	}
	return base64.StdEncoding.DecodeString(c.Crypto.WrappingKey)
}

// validIPPort accepts "host:port" where host is empty or a literal IP and
// port is in 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

// validDataDir rejects the filesystem root, the bare working directory and
// any path that climbs with "..".
func validDataDir(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return false
		}
	}
	switch path.Clean(p) {
	case ".", "/":
		return false
	}
	return true
}

func validB64Key(fl validator.FieldLevel) bool {
	b, err := base64.StdEncoding.DecodeString(fl.Field().String())
	return err == nil && len(b) == 32
}
