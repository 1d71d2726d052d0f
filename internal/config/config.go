package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the investigator service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Clients       ClientsConfig       `yaml:"clients"`
	Investigation InvestigationConfig `yaml:"investigation"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Events        EventsConfig        `yaml:"events"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups integrations with remote backends.
type ClientsConfig struct {
	Agent AgentClientConfig `yaml:"agent"`
}

// AgentClientConfig configures access to the remote agent API.
type AgentClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	ExecutePath string        `yaml:"executePath"`
	TaskPath    string        `yaml:"taskPath"`
	MessagePath string        `yaml:"messagePath"`
	ConfigPath  string        `yaml:"configPath"`
	ConfigName  string        `yaml:"configName"`
	AuthHeader  string        `yaml:"authHeader"`
	Timeout     time.Duration `yaml:"timeout"`
}

// InvestigationConfig tunes the orchestration loop.
type InvestigationConfig struct {
	TaskPollInterval    time.Duration `yaml:"taskPollInterval"`
	MessagePollInterval time.Duration `yaml:"messagePollInterval"`
	MaxDuration         time.Duration `yaml:"maxDuration"`
	IgnoreParagraphs    []string      `yaml:"ignoreParagraphTypes"`
	TemplatesPath       string        `yaml:"templatesPath"`
}

// StorageConfig points at the notebook database.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// CacheConfig controls caching of agent configuration lookups.
type CacheConfig struct {
	Backend        string        `yaml:"backend"`
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	TLS            bool          `yaml:"tls"`
	AgentConfigTTL time.Duration `yaml:"agentConfigTTL"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
	Insecure    bool   `yaml:"insecure"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Cache backends.
const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_INVESTIGATOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Investigation.TaskPollInterval <= 0 || c.Investigation.MessagePollInterval <= 0 {
		return fmt.Errorf("investigation poll intervals must be positive")
	}
	switch c.Cache.Backend {
	case CacheBackendNone, CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.Addr == "" {
			return fmt.Errorf("cache.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Agent: AgentClientConfig{
				ExecutePath: "/_plugins/_ml/agents/{agent_id}/_execute",
				TaskPath:    "/_plugins/_ml/tasks/{task_id}",
				MessagePath: "/_plugins/_ml/memory/message/{message_id}",
				ConfigPath:  "/_plugins/_ml/config/{config_name}",
				ConfigName:  "os_deep_research",
				Timeout:     30 * time.Second,
			},
		},
		Investigation: InvestigationConfig{
			TaskPollInterval:    5 * time.Second,
			MessagePollInterval: 5 * time.Second,
			MaxDuration:         30 * time.Minute,
		},
		Storage: StorageConfig{DSN: "file:investigator.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		Cache: CacheConfig{
			Backend:        CacheBackendMemory,
			DialTimeout:    2 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			WriteTimeout:   500 * time.Millisecond,
			MaxRetries:     2,
			AgentConfigTTL: 5 * time.Minute,
		},
		Events:  EventsConfig{SubjectPrefix: "investigator"},
		Tracing: TracingConfig{Endpoint: "localhost:4318", ServiceName: "mirador-investigator", Insecure: true},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_INVESTIGATOR_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_AGENT_BASE_URL"); v != "" {
		cfg.Clients.Agent.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_AGENT_AUTH_HEADER"); v != "" {
		cfg.Clients.Agent.AuthHeader = v
	}
	if v := os.Getenv("MIRADOR_AGENT_CONFIG_NAME"); v != "" {
		cfg.Clients.Agent.ConfigName = v
	}
	if v := os.Getenv("MIRADOR_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Agent.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_TASK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Investigation.TaskPollInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_MESSAGE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Investigation.MessagePollInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Investigation.MaxDuration = d
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_IGNORE_PARAGRAPH_TYPES"); v != "" {
		cfg.Investigation.IgnoreParagraphs = splitList(v)
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_TEMPLATES_PATH"); v != "" {
		cfg.Investigation.TemplatesPath = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_TLS"); v != "" {
		cfg.Cache.TLS = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_CACHE_AGENT_CONFIG_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.AgentConfigTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_INVESTIGATOR_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
