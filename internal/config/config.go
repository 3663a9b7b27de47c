// Package config loads the control plane configuration from a YAML file,
// a .env file and SESSIONPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Config holds the entire application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ObjectStore  ObjectStoreConfig  `mapstructure:"objectstore"`
	Sealed       SealedConfig       `mapstructure:"sealed"`
	Session      SessionConfig      `mapstructure:"session"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Proxies      ProxiesConfig      `mapstructure:"proxies"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// ColorConfig maps log levels to terminal colour names.
type ColorConfig struct {
	Debug string `mapstructure:"debug"`
	Info  string `mapstructure:"info"`
	Warn  string `mapstructure:"warn"`
	Error string `mapstructure:"error"`
}

type LoggerConfig struct {
	ServiceName string      `mapstructure:"service_name"`
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	AddSource   bool        `mapstructure:"add_source"`
	LogFile     string      `mapstructure:"log_file"`
	MaxSize     int         `mapstructure:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups"`
	MaxAge      int         `mapstructure:"max_age"`
	Compress    bool        `mapstructure:"compress"`
	Colors      ColorConfig `mapstructure:"colors"`
}

// DatabaseConfig selects the relational store. Driver is "postgres" or "memory".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ObjectStoreConfig selects the blob store. Driver is "fs" or "s3".
type ObjectStoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Root      string `mapstructure:"root"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SealedConfig points at the age identity used to encrypt session state at rest.
type SealedConfig struct {
	IdentityFile string `mapstructure:"identity_file"`
	Identity     string `mapstructure:"identity"`
}

type SessionConfig struct {
	PendingTTL        time.Duration        `mapstructure:"pending_ttl"`
	SessionTTL        time.Duration        `mapstructure:"session_ttl"`
	IdleTimeout       time.Duration        `mapstructure:"idle_timeout"`
	ProvisionTimeout  time.Duration        `mapstructure:"provision_timeout"`
	OperationTimeout  time.Duration        `mapstructure:"operation_timeout"`
	SweepInterval     time.Duration        `mapstructure:"sweep_interval"`
	MaxRetries        int                  `mapstructure:"max_retries"`
	RetryBackoff      time.Duration        `mapstructure:"retry_backoff"`
	MaxFailedAttempts int                  `mapstructure:"max_failed_attempts"`
	MaxPerUser        int64                `mapstructure:"max_per_user"`
	AuthCookies       []string             `mapstructure:"auth_cookies"`
	TargetOrigin      string               `mapstructure:"target_origin"`
	ProfileRoot       string               `mapstructure:"profile_root"`
	Fingerprints      []models.Fingerprint `mapstructure:"fingerprints"`
}

// RuntimeConfig describes the image and ports of one streaming runtime.
type RuntimeConfig struct {
	Image         string `mapstructure:"image"`
	DebugPort     string `mapstructure:"debug_port"`
	StreamPort    string `mapstructure:"stream_port"`
	ViewerDoc     string `mapstructure:"viewer_doc"`
	ProfileTarget string `mapstructure:"profile_target"`
}

// DockerHostConfig is one Docker daemon usable by an engine.
type DockerHostConfig struct {
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	AdvertiseHost string `mapstructure:"advertise_host"`
}

type RemoteEngineConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
}

type OrchestratorConfig struct {
	DefaultEngine   models.Engine                    `mapstructure:"default_engine"`
	FallbackEngines []models.Engine                  `mapstructure:"fallback_engines"`
	ReadyPoll       time.Duration                    `mapstructure:"ready_poll"`
	HealthTimeout   time.Duration                    `mapstructure:"health_timeout"`
	Runtimes        map[models.Runtime]RuntimeConfig `mapstructure:"runtimes"`
	SingleHost      DockerHostConfig                 `mapstructure:"single_host"`
	ClusterNodes    []DockerHostConfig               `mapstructure:"cluster_nodes"`
	Remote          RemoteEngineConfig               `mapstructure:"remote"`
}

type StreamConfig struct {
	UpstreamHost string        `mapstructure:"upstream_host"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DefaultDoc   string        `mapstructure:"default_doc"`
	MinPort      int           `mapstructure:"min_port"`
	MaxPort      int           `mapstructure:"max_port"`
}

type ProxiesConfig struct {
	Exclusive      bool                `mapstructure:"exclusive"`
	MinSamples     int                 `mapstructure:"min_samples"`
	MaxFailureRate float64             `mapstructure:"max_failure_rate"`
	Entries        []models.ProxyEntry `mapstructure:"entries"`
}

type JobsConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	MaxResumeAttempts int           `mapstructure:"max_resume_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

type RateLimitConfig struct {
	RequestsPerHour int `mapstructure:"requests_per_hour"`
	Burst           int `mapstructure:"burst"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("logger.service_name", "session-plane")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "postgres://localhost:5432/sessionplane?sslmode=disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.max_conn_lifetime", 5*time.Minute)

	v.SetDefault("objectstore.driver", "fs")
	v.SetDefault("objectstore.root", "./storage/snapshots")
	v.SetDefault("objectstore.bucket", "session-snapshots")

	v.SetDefault("sealed.identity_file", "./storage/age.key")

	v.SetDefault("session.pending_ttl", 30*time.Minute)
	v.SetDefault("session.session_ttl", 30*24*time.Hour)
	v.SetDefault("session.idle_timeout", 20*time.Minute)
	v.SetDefault("session.provision_timeout", 90*time.Second)
	v.SetDefault("session.operation_timeout", 2*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.max_retries", 3)
	v.SetDefault("session.retry_backoff", 2*time.Second)
	v.SetDefault("session.max_failed_attempts", 3)
	v.SetDefault("session.max_per_user", 1)
	v.SetDefault("session.auth_cookies", []string{"li_at"})
	v.SetDefault("session.target_origin", "https://www.linkedin.com")
	v.SetDefault("session.profile_root", "./storage/profiles")

	v.SetDefault("orchestrator.default_engine", string(models.EngineSingleHost))
	v.SetDefault("orchestrator.ready_poll", 500*time.Millisecond)
	v.SetDefault("orchestrator.health_timeout", 5*time.Second)
	v.SetDefault("orchestrator.single_host.name", "local")
	v.SetDefault("orchestrator.single_host.advertise_host", "localhost")
	v.SetDefault("orchestrator.runtimes", map[string]any{
		string(models.RuntimePixelStream): map[string]any{
			"image":          "browserless/chrome:latest",
			"debug_port":     "3000/tcp",
			"stream_port":    "6080/tcp",
			"viewer_doc":     "vnc.html",
			"profile_target": "/data",
		},
		string(models.RuntimeWebRTCStream): map[string]any{
			"image":          "m1k1o/neko:chromium",
			"debug_port":     "9222/tcp",
			"stream_port":    "8080/tcp",
			"viewer_doc":     "index.html",
			"profile_target": "/home/neko/.config/chromium",
		},
	})

	v.SetDefault("stream.upstream_host", "localhost")
	v.SetDefault("stream.dial_timeout", 10*time.Second)
	v.SetDefault("stream.default_doc", "vnc.html")

	v.SetDefault("proxies.exclusive", true)
	v.SetDefault("proxies.min_samples", 10)
	v.SetDefault("proxies.max_failure_rate", 0.5)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.job_timeout", 5*time.Minute)
	v.SetDefault("jobs.max_resume_attempts", 3)
	v.SetDefault("jobs.retry_delay", 5*time.Second)

	v.SetDefault("ratelimit.requests_per_hour", 100)
	v.SetDefault("ratelimit.burst", 10)
}

// Load reads configuration from cfgFile (or ./config.yaml when empty), the
// environment and the defaults.
func Load(cfgFile string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SESSIONPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the program relies on.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.ObjectStore.Driver {
	case "fs", "s3":
	default:
		return fmt.Errorf("objectstore.driver must be fs or s3, got %q", c.ObjectStore.Driver)
	}
	if c.Session.MaxFailedAttempts < 1 {
		return fmt.Errorf("session.max_failed_attempts must be at least 1")
	}
	if len(c.Session.AuthCookies) == 0 {
		return fmt.Errorf("session.auth_cookies must name at least one cookie")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	for rt := range c.Orchestrator.Runtimes {
		if rt != models.RuntimePixelStream && rt != models.RuntimeWebRTCStream {
			return fmt.Errorf("unknown runtime %q", rt)
		}
	}
	return nil
}
