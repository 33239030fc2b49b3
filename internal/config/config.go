package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string `yaml:"port"`
	LogLevel                  string `yaml:"logLevel"`
	LogsDir                   string `yaml:"logsDir"`
	ServiceName               string `yaml:"serviceName"`
	DatabaseURL               string `yaml:"databaseURL"`
	RedisAddr                 string `yaml:"redisAddr"`
	RedisPassword             string `yaml:"redisPassword"`
	AMQPURL                   string `yaml:"amqpURL"`
	AMQPExchange              string `yaml:"amqpExchange"`
	MinioEndpoint             string `yaml:"minioEndpoint"`
	MinioAccessKey            string `yaml:"minioAccessKey"`
	MinioSecretKey            string `yaml:"minioSecretKey"`
	MinioBucket               string `yaml:"minioBucket"`
	MinioUseSSL               bool   `yaml:"minioUseSSL"`
	ScanEnabled               bool   `yaml:"scanEnabled"`
	MaxScanSizeMB             int64  `yaml:"maxScanSizeMb"`
	ClamdAddr                 string `yaml:"clamdAddr"`
	ScanTimeoutMs             int    `yaml:"scanTimeoutMs"`
	ScanWorkers               int    `yaml:"scanWorkers"`
	QueueCapacity             int64  `yaml:"queueCapacity"`
	QueueMaxRetries           int    `yaml:"queueMaxRetries"`
	RetryBaseDelayMs          int    `yaml:"retryBaseDelayMs"`
	RetryMaxDelayMs           int    `yaml:"retryMaxDelayMs"`
	LeaseSeconds              int    `yaml:"leaseSeconds"`
	PollIntervalMs            int    `yaml:"pollIntervalMs"`
	RescanRateLimit           int    `yaml:"rescanRateLimit"`
	RescanRateWindowMs        int    `yaml:"rescanRateWindowMs"`
	UserServiceURL            string `yaml:"userServiceURL"`
	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath  string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTIssuers        string `yaml:"internalJwtIssuers"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	// Scanning is on unless the file or env says otherwise.
	cfg := FileConfig{ScanEnabled: true}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FILEGUARD_AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("FILEGUARD_AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	if v := os.Getenv("FILEGUARD_MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("FILEGUARD_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("FILEGUARD_MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("FILEGUARD_MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("FILEGUARD_MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("FILEGUARD_SCAN_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.ScanEnabled = enabled
		}
	}
	if v := os.Getenv("FILEGUARD_MAX_SCAN_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxScanSizeMB = n
		}
	}
	if v := os.Getenv("FILEGUARD_CLAMD_ADDR"); v != "" {
		cfg.ClamdAddr = v
	}
	if v := os.Getenv("FILEGUARD_SCAN_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanTimeoutMs = n
		}
	}
	if v := os.Getenv("FILEGUARD_SCAN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers = n
		}
	}
	if v := os.Getenv("FILEGUARD_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("FILEGUARD_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("FILEGUARD_RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBaseDelayMs = n
		}
	}
	if v := os.Getenv("FILEGUARD_RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryMaxDelayMs = n
		}
	}
	if v := os.Getenv("FILEGUARD_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("FILEGUARD_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("FILEGUARD_RESCAN_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RescanRateLimit = n
		}
	}
	if v := os.Getenv("FILEGUARD_RESCAN_RATE_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RescanRateWindowMs = n
		}
	}
	if v := os.Getenv("FILEGUARD_USER_SERVICE_URL"); v != "" {
		cfg.UserServiceURL = v
	}
	if v := os.Getenv("FILEGUARD_INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("FILEGUARD_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("FILEGUARD_INTERNAL_JWT_ISSUERS"); v != "" {
		cfg.InternalJWTIssuers = v
	}
	if v := os.Getenv("FILEGUARD_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Issuers splits the comma-separated issuer allowlist.
func (c FileConfig) Issuers() []string {
	parts := strings.Split(c.InternalJWTIssuers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.ClamdAddr == "" {
		return errors.New("config: clamdAddr is required (set in config.yaml or FILEGUARD_CLAMD_ADDR)")
	}
	if cfg.MaxScanSizeMB < 0 {
		return errors.New("config: maxScanSizeMb must be >= 0 (0 disables the cap)")
	}
	if cfg.ScanWorkers < 0 {
		return errors.New("config: scanWorkers must be >= 0")
	}
	if cfg.ScanTimeoutMs < 0 {
		return errors.New("config: scanTimeoutMs must be >= 0")
	}
	if cfg.QueueCapacity < 0 {
		return errors.New("config: queueCapacity must be >= 0 (0 disables the cap)")
	}
	if cfg.QueueMaxRetries < 1 {
		return errors.New("config: queueMaxRetries must be >= 1")
	}
	if cfg.RetryBaseDelayMs < 0 || cfg.RetryMaxDelayMs < 0 {
		return errors.New("config: retry delays must be >= 0")
	}
	if cfg.RetryMaxDelayMs > 0 && cfg.RetryBaseDelayMs > cfg.RetryMaxDelayMs {
		return errors.New("config: retryBaseDelayMs must not exceed retryMaxDelayMs")
	}
	if cfg.LeaseSeconds <= 0 {
		return errors.New("config: leaseSeconds must be > 0")
	}
	if cfg.RescanRateLimit < 0 || cfg.RescanRateWindowMs < 0 {
		return errors.New("config: rescan rate limit settings must be >= 0")
	}
	if cfg.RescanRateLimit > 0 && cfg.RescanRateWindowMs == 0 {
		return errors.New("config: rescanRateWindowMs is required when rescanRateLimit is set")
	}
	if cfg.UserServiceURL == "" {
		return errors.New("config: userServiceURL is required (set in config.yaml or FILEGUARD_USER_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" || strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" {
		return errors.New("config: internal service auth requires FILEGUARD_INTERNAL_JWT_PRIVATE_KEY_PATH + FILEGUARD_INTERNAL_JWT_PUBLIC_KEY_PATH")
	}
	if len(cfg.Issuers()) == 0 {
		return errors.New("config: internalJwtIssuers requires at least one issuer")
	}
	return nil
}
