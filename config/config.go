package config

import (
	"os"
	"strings"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Keys. Each is also read from the upper-cased environment variable of the same name.
const (
	KeyProjectID         = "google_cloud_project"
	KeyBucketName        = "vertex_bucket_name"
	KeyDatabaseURL       = "database_url"
	KeyServerPort        = "server_port"
	KeyAWSRegion         = "aws_region"
	KeyEnableAWS         = "enable_aws"
	KeyAWSAMI            = "aws_ami"
	KeyAWSProfile        = "aws_instance_profile"
	KeyAWSSubnet         = "aws_subnet_id"
	KeyAWSMaxSpotPrice   = "aws_max_spot_price"
	KeyCatalogPath       = "catalog_path"
	KeyContainerImage    = "container_image"
	KeyMaxRetries        = "max_retries"
	KeyRetryDelay        = "retry_delay"
	KeyBackoffMultiplier = "backoff_multiplier"
	KeyPollInterval      = "poll_interval"
	KeyJobTimeout        = "job_timeout"
	KeyQuotaTimeout      = "quota_timeout"
	KeyWorkers           = "workers"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyConfigFile        = "config_file"
)

// Config holds the application configuration
type Config struct {
	// GCP
	ProjectID  string
	BucketName string

	// Database, empty means in-memory lineage tracking only
	DatabaseURL string

	// Server
	ServerPort string

	// AWS
	AWSRegion       string
	EnableAWS       bool
	AWSAMI          string
	AWSProfile      string
	AWSSubnetID     string
	AWSMaxSpotPrice string

	// Placement and submission
	CatalogPath    string
	ContainerImage string

	// Resilience
	MaxRetries        int
	RetryDelay        int // Seconds
	BackoffMultiplier float64
	PollInterval      time.Duration
	JobTimeout        time.Duration
	QuotaTimeout      time.Duration
	Workers           int

	// Logging
	LogLevel  string
	LogFormat string
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	defaults := models.DefaultRetryPolicy()
	v.SetDefault(KeyServerPort, "8080")
	v.SetDefault(KeyAWSRegion, "us-east-1")
	v.SetDefault(KeyEnableAWS, false)
	v.SetDefault(KeyContainerImage, "gcr.io/cloud-builders/render-worker:latest")
	v.SetDefault(KeyMaxRetries, defaults.MaxRetries)
	v.SetDefault(KeyRetryDelay, defaults.RetryDelaySeconds)
	v.SetDefault(KeyBackoffMultiplier, defaults.BackoffMultiplier)
	v.SetDefault(KeyPollInterval, 10*time.Second)
	v.SetDefault(KeyJobTimeout, 600*time.Second)
	v.SetDefault(KeyQuotaTimeout, 15*time.Second)
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

// Load loads configuration from .env, the environment, an optional config file and any
// flags bound into the global viper
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	cfg := &Config{
		ProjectID:         v.GetString(KeyProjectID),
		BucketName:        v.GetString(KeyBucketName),
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		ServerPort:        v.GetString(KeyServerPort),
		AWSRegion:         v.GetString(KeyAWSRegion),
		EnableAWS:         v.GetBool(KeyEnableAWS),
		AWSAMI:            v.GetString(KeyAWSAMI),
		AWSProfile:        v.GetString(KeyAWSProfile),
		AWSSubnetID:       v.GetString(KeyAWSSubnet),
		AWSMaxSpotPrice:   v.GetString(KeyAWSMaxSpotPrice),
		CatalogPath:       v.GetString(KeyCatalogPath),
		ContainerImage:    v.GetString(KeyContainerImage),
		MaxRetries:        v.GetInt(KeyMaxRetries),
		RetryDelay:        v.GetInt(KeyRetryDelay),
		BackoffMultiplier: v.GetFloat64(KeyBackoffMultiplier),
		PollInterval:      seconds(v, KeyPollInterval),
		JobTimeout:        seconds(v, KeyJobTimeout),
		QuotaTimeout:      seconds(v, KeyQuotaTimeout),
		Workers:           v.GetInt(KeyWorkers),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seconds reads a duration, treating a bare number as seconds ("600" or "10m")
func seconds(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw != "" && strings.Trim(raw, "0123456789") == "" {
		return time.Duration(v.GetInt(key)) * time.Second
	}
	return v.GetDuration(key)
}

// RetryPolicy returns the supervisor's retry policy
func (c *Config) RetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:        c.MaxRetries,
		RetryDelaySeconds: c.RetryDelay,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// Validate checks the values that cannot be defaulted away
func (c *Config) Validate() error {
	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return models.FatalConfigf("workers must be >= 1, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return models.FatalConfigf("poll interval must be > 0, got %s", c.PollInterval)
	}
	if c.JobTimeout <= 0 {
		return models.FatalConfigf("job timeout must be > 0, got %s", c.JobTimeout)
	}
	if c.QuotaTimeout <= 0 {
		return models.FatalConfigf("quota timeout must be > 0, got %s", c.QuotaTimeout)
	}
	return nil
}

// ConfigureLogging sets the global logrus level and formatter
func ConfigureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)

	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("invalid log format %q", format)
	}
	return nil
}
