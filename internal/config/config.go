package config

import (
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zep-us/reauthxy/internal/auth"
)

// EnvPrefix is prepended to environment variable overrides (e.g. REAUTHXY_LOGIN_PASSWORD)
const EnvPrefix = "REAUTHXY"

// Config holds all configuration values for the application
type Config struct {
	UpstreamTargetURL string `mapstructure:"upstream_target_url"`
	ServerPort        int    `mapstructure:"server_port"`

	// Re-authentication
	Authenticator  string `mapstructure:"authenticator"` // registered authenticator name
	LoginPath      string `mapstructure:"login_path"`
	LoginUsername  string `mapstructure:"login_username"`
	LoginPassword  string `mapstructure:"login_password"`
	CSRFTokenPath  string `mapstructure:"csrf_token_path"`
	CSRFHeaderName string `mapstructure:"csrf_header_name"`
	StaticToken    string `mapstructure:"static_token"`
	ReauthStatuses []int  `mapstructure:"reauth_statuses"` // upstream statuses that trigger a resend
	LoginOnStart   bool   `mapstructure:"login_on_start"`

	AuthTimeoutSeconds     int `mapstructure:"auth_timeout_seconds"`
	UpstreamTimeoutSeconds int `mapstructure:"upstream_timeout_seconds"`

	// Lifecycle
	ShutdownDrainSeconds   int `mapstructure:"shutdown_drain_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`

	// Resend dispatch
	ForwardingMode         string `mapstructure:"forwarding_mode"` // "pool", "semaphore" or "hybrid"
	WorkerPoolSize         int    `mapstructure:"worker_pool_size"`
	JobQueueSize           int    `mapstructure:"job_queue_size"`
	SemaphoreMaxConcurrent int    `mapstructure:"semaphore_max_concurrent"` // Max concurrent resends in semaphore/hybrid mode

	AllowedOrigins   []string `mapstructure:"allowed_origins"`     // CORS allowed origins
	MaxRequestSizeMB int      `mapstructure:"max_request_size_mb"` // Request body size limit in MB
	LogLevel         string   `mapstructure:"log_level"`
}

// AuthTimeout returns the bound on one authenticator call
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSeconds) * time.Second
}

// UpstreamTimeout returns the bound on one upstream request
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Load reads configuration from config.toml in . or ./config
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from config.toml in . or ./config if path is empty.
// Environment variables prefixed with REAUTHXY_ override file values.
// Returns error if the file is missing or required fields are not set.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.Printf("INFO:  Configuration loaded successfully from %s", v.ConfigFileUsed())
	config.logSummary()

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults make these keys visible to Unmarshal when only set through the environment
	v.SetDefault("upstream_target_url", "")
	v.SetDefault("login_username", "")
	v.SetDefault("login_password", "")
	v.SetDefault("static_token", "")

	v.SetDefault("server_port", 8080)
	v.SetDefault("authenticator", auth.FormLoginName)
	v.SetDefault("login_path", "/services/rest/login")
	v.SetDefault("csrf_token_path", "/services/rest/security/v1/csrftoken")
	v.SetDefault("csrf_header_name", "X-CSRF-TOKEN")
	v.SetDefault("reauth_statuses", []int{http.StatusUnauthorized, http.StatusForbidden})
	v.SetDefault("login_on_start", true)
	v.SetDefault("auth_timeout_seconds", 30)
	v.SetDefault("upstream_timeout_seconds", 10)
	v.SetDefault("shutdown_drain_seconds", 2)
	v.SetDefault("shutdown_timeout_seconds", 10)
	v.SetDefault("forwarding_mode", "pool")
	v.SetDefault("worker_pool_size", 0) // 0 = auto-detect in worker.NewPool()
	v.SetDefault("job_queue_size", 10000)
	v.SetDefault("semaphore_max_concurrent", 10000)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("max_request_size_mb", 1)
	v.SetDefault("log_level", "info")
}

// Validate checks required fields and normalizes soft settings
func (c *Config) Validate() error {
	if c.UpstreamTargetURL == "" {
		return fmt.Errorf("upstream_target_url is required in config file")
	}
	c.UpstreamTargetURL = strings.TrimRight(c.UpstreamTargetURL, "/")

	c.Authenticator = strings.ToLower(strings.TrimSpace(c.Authenticator))
	switch c.Authenticator {
	case auth.FormLoginName:
		if c.LoginUsername == "" {
			return fmt.Errorf("login_username is required for authenticator %q", c.Authenticator)
		}
		if c.LoginPassword == "" {
			log.Printf("WARN:  login_password is empty - login will be attempted without a password")
		}
	case auth.StaticName:
		if c.StaticToken == "" {
			return fmt.Errorf("static_token is required for authenticator %q", c.Authenticator)
		}
	default:
		// Anything else must have been added through auth.Register
		names := auth.Names()
		if !slices.Contains(names, c.Authenticator) {
			return fmt.Errorf("unknown authenticator %q (available: %s)", c.Authenticator, strings.Join(names, ", "))
		}
	}

	if c.CSRFHeaderName == "" {
		return fmt.Errorf("csrf_header_name must not be empty")
	}

	if len(c.ReauthStatuses) == 0 {
		log.Printf("WARN:  reauth_statuses is empty - requests will never be resent")
	}
	for _, status := range c.ReauthStatuses {
		if status < 400 || status > 599 {
			return fmt.Errorf("reauth_statuses contains non-error status %d", status)
		}
	}

	switch c.ForwardingMode {
	case "pool", "semaphore", "hybrid":
		// ok
	case "":
		c.ForwardingMode = "pool"
	default:
		log.Printf("WARN:  unknown forwarding_mode=%q, defaulting to 'pool'", c.ForwardingMode)
		c.ForwardingMode = "pool"
	}

	if c.SemaphoreMaxConcurrent <= 0 {
		log.Printf("WARN:  semaphore_max_concurrent <= 0 (%d), defaulting to 10000", c.SemaphoreMaxConcurrent)
		c.SemaphoreMaxConcurrent = 10000
	}

	if c.MaxRequestSizeMB <= 0 {
		c.MaxRequestSizeMB = 1
	}

	return nil
}

func (c *Config) logSummary() {
	log.Printf("INFO:    upstream_target_url: %s", c.UpstreamTargetURL)
	log.Printf("INFO:    server_port: %d", c.ServerPort)
	log.Printf("INFO:    authenticator: %s", c.Authenticator)
	log.Printf("INFO:    csrf_header_name: %s", c.CSRFHeaderName)
	log.Printf("INFO:    reauth_statuses: %v", c.ReauthStatuses)
	log.Printf("INFO:    login_on_start: %v", c.LoginOnStart)
	log.Printf("INFO:    auth_timeout_seconds: %d", c.AuthTimeoutSeconds)
	log.Printf("INFO:    upstream_timeout_seconds: %d", c.UpstreamTimeoutSeconds)
	log.Printf("INFO:    shutdown_drain_seconds: %d", c.ShutdownDrainSeconds)
	log.Printf("INFO:    shutdown_timeout_seconds: %d", c.ShutdownTimeoutSeconds)
	log.Printf("INFO:    forwarding_mode: %s", c.ForwardingMode)
	log.Printf("INFO:    worker_pool_size: %d (0 = auto-detect)", c.WorkerPoolSize)
	log.Printf("INFO:    job_queue_size: %d", c.JobQueueSize)
	if c.ForwardingMode == "semaphore" || c.ForwardingMode == "hybrid" {
		log.Printf("INFO:    semaphore_max_concurrent: %d", c.SemaphoreMaxConcurrent)
	}
	log.Printf("INFO:    allowed_origins: %v", c.AllowedOrigins)
	log.Printf("INFO:    max_request_size_mb: %d", c.MaxRequestSizeMB)
	log.Printf("INFO:    log_level: %s", c.LogLevel)
}
