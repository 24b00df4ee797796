// Package config loads and validates webshot configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "WEBSHOT"

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendSQS      = "sqs"
	BackendPubSub   = "pubsub"
	BackendTextract = "textract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Ingress       IngressConfig       `mapstructure:"ingress"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	AWS           AWSConfig           `mapstructure:"aws"`
	GCP           GCPConfig           `mapstructure:"gcp"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IngressConfig controls routing in front of the capture worker.
type IngressConfig struct {
	FaviconURL          string        `mapstructure:"favicon_url"`
	IPAllowlist         []string      `mapstructure:"ip_allowlist"`
	ReservedConcurrency int           `mapstructure:"reserved_concurrency"`
	QueueWait           time.Duration `mapstructure:"queue_wait"`
	TrustProxyHeaders   bool          `mapstructure:"trust_proxy_headers"`
}

// CaptureConfig controls rendering and artifact layout.
type CaptureConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	ObjectPrefix   string        `mapstructure:"object_prefix"`
	ContentType    string        `mapstructure:"content_type"`
	UserAgent      string        `mapstructure:"user_agent"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	DomainRPS      float64       `mapstructure:"domain_rps"`
	DomainBurst    int           `mapstructure:"domain_burst"`
	PresignTTL     time.Duration `mapstructure:"presign_ttl"`
}

// AnalysisConfig controls the analysis worker pool.
type AnalysisConfig struct {
	Embedded      bool          `mapstructure:"embedded"`
	Instances     int           `mapstructure:"instances"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Backend       string        `mapstructure:"backend"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	// MaxImageBytes caps the screenshot payload sent to the OCR backend.
	// Larger images are recompressed and downscaled first.
	MaxImageBytes int `mapstructure:"max_image_bytes"`
}

// QueueConfig selects and tunes the durable queue.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	Endpoint          string        `mapstructure:"endpoint"`
	Subscription      string        `mapstructure:"subscription"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
}

// MetadataConfig selects the analysis record store.
type MetadataConfig struct {
	Backend       string `mapstructure:"backend"`
	Table         string `mapstructure:"table"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// ObservabilityConfig controls the profiling hook.
type ObservabilityConfig struct {
	ProfilingGroup string  `mapstructure:"profiling_group"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	Exporter       string  `mapstructure:"exporter"`
}

// AWSConfig holds AWS SDK settings.
type AWSConfig struct {
	Region      string `mapstructure:"region"`
	EndpointURL string `mapstructure:"endpoint_url"`
}

// GCPConfig holds Google Cloud settings.
type GCPConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// legacyEnv maps keys to the environment names used by the original deployment.
var legacyEnv = map[string]string{
	"storage.bucket":                "s3bucket",
	"queue.endpoint":                "sqsqueue",
	"metadata.table":                "dynamodb_table",
	"observability.profiling_group": "AWS_CODEGURU_PROFILER_GROUP_NAME",
	"ingress.ip_allowlist":          "ip_allowlist",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Ingress.IPAllowlist = splitList(cfg.Ingress.IPAllowlist)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// bindEnv registers every key of Config with viper. AutomaticEnv only
// resolves keys viper already knows, so keys without a default would
// otherwise be unreachable from the environment.
func bindEnv(v *viper.Viper) error {
	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		if _, ok := legacyEnv[key]; ok {
			continue
		}
		if err := v.BindEnv(key, envName(key)); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct {
			keys = append(keys, configKeys(field.Type, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("ingress.favicon_url", "https://marek.rocks/favicon.ico")
	v.SetDefault("ingress.reserved_concurrency", 2)
	v.SetDefault("ingress.queue_wait", "0s")
	v.SetDefault("ingress.trust_proxy_headers", false)
	v.SetDefault("capture.timeout", "10s")
	v.SetDefault("capture.object_prefix", "screenshots")
	v.SetDefault("capture.content_type", "image/png")
	v.SetDefault("capture.user_agent",
		"Mozilla/5.0 (X11; NetBSD) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/27.0.1453.116 Safari/537.36")
	v.SetDefault("capture.viewport_width", 1440)
	v.SetDefault("capture.viewport_height", 1024)
	v.SetDefault("capture.domain_rps", 0)
	v.SetDefault("capture.domain_burst", 1)
	v.SetDefault("capture.presign_ttl", "1h")
	v.SetDefault("analysis.embedded", true)
	v.SetDefault("analysis.instances", 2)
	v.SetDefault("analysis.timeout", "30s")
	v.SetDefault("analysis.backend", BackendTextract)
	v.SetDefault("analysis.min_confidence", 80.0)
	v.SetDefault("analysis.max_image_bytes", 5<<20)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.wait_time", "20s")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("metadata.backend", BackendMemory)
	v.SetDefault("observability.service_name", "webshot")
	v.SetDefault("observability.sample_ratio", 0.1)
	v.SetDefault("observability.exporter", "none")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.validateRequired(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ingress.ReservedConcurrency <= 0 {
		return fmt.Errorf("ingress.reserved_concurrency must be > 0")
	}
	if c.Ingress.QueueWait < 0 {
		return fmt.Errorf("ingress.queue_wait must be >= 0")
	}
	for _, entry := range c.Ingress.IPAllowlist {
		if _, err := ParseAllowlistEntry(entry); err != nil {
			return fmt.Errorf("ingress.ip_allowlist: %w", err)
		}
	}
	if c.Capture.Timeout < time.Second || c.Capture.Timeout > time.Minute {
		return fmt.Errorf("capture.timeout must be between 1s and 60s")
	}
	if c.Capture.ViewportWidth <= 0 || c.Capture.ViewportHeight <= 0 {
		return fmt.Errorf("capture.viewport_width and capture.viewport_height must be > 0")
	}
	if c.Analysis.Instances <= 0 {
		return fmt.Errorf("analysis.instances must be > 0")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("analysis.timeout must be > 0")
	}
	if c.Analysis.MaxImageBytes < 0 {
		return fmt.Errorf("analysis.max_image_bytes must be >= 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.VisibilityTimeout <= c.Analysis.Timeout {
		return fmt.Errorf("queue.visibility_timeout must exceed analysis.timeout")
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability.sample_ratio must be within [0, 1]")
	}
	return c.validateBackends()
}

func (c Config) validateRequired() error {
	var missing []string
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		missing = append(missing, "storage.bucket")
	}
	if strings.TrimSpace(c.Queue.Endpoint) == "" {
		missing = append(missing, "queue.endpoint")
	}
	if strings.TrimSpace(c.Metadata.Table) == "" {
		missing = append(missing, "metadata.table")
	}
	if strings.TrimSpace(c.Observability.ProfilingGroup) == "" {
		missing = append(missing, "observability.profiling_group")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendGCS, BackendS3:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Metadata.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.Metadata.DSN == "" {
			return fmt.Errorf("metadata.dsn must be set for the postgres backend")
		}
	case BackendRedis:
		if c.Metadata.RedisAddr == "" {
			return fmt.Errorf("metadata.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("metadata.backend %q is not supported", c.Metadata.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendSQS:
	case BackendPubSub:
		if c.Queue.Subscription == "" {
			return fmt.Errorf("queue.subscription must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Analysis.Backend != BackendTextract {
		return fmt.Errorf("analysis.backend %q is not supported", c.Analysis.Backend)
	}
	switch c.Observability.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("observability.exporter %q is not supported", c.Observability.Exporter)
	}
	return nil
}

// ParseAllowlistEntry accepts a CIDR prefix or a bare IP address.
func ParseAllowlistEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Prefix{}, errors.New("empty entry")
	}
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse prefix %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse address %q: %w", entry, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
