package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PHPRuntime describes the container image and extension set for one PHP release.
type PHPRuntime struct {
	Image      string   `yaml:"image"`
	Extensions []string `yaml:"extensions"`
}

// AgentConfig holds runtime configuration for the site agent.
type AgentConfig struct {
	Environment string
	Addr        string
	AgentToken  string

	BaseDir     string
	TemplateDir string

	Network        string
	MySQLContainer string
	RedisContainer string

	MySQLRootPassword string
	MySQLCharset      string
	MySQLCollation    string

	DefaultPHPVersion string
	PHPVersions       map[string]PHPRuntime
	NodeVersion       string

	CacheRedisAddr     string
	CacheRedisPassword string
	CacheRedisDB       int
	StatusCacheTTL     time.Duration

	Workers          int
	QueueDepth       int
	SoftFailureLimit int

	GitTimeout     time.Duration
	ComposeTimeout time.Duration
	InstallTimeout time.Duration
	DBExecTimeout  time.Duration
	InspectTimeout time.Duration
	ShutdownGrace  time.Duration
}

// fileConfig mirrors the optional agent.yml layout.
type fileConfig struct {
	Agent struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"agent"`
	Paths struct {
		BaseDir     string `yaml:"base_dir"`
		TemplateDir string `yaml:"template_dir"`
	} `yaml:"paths"`
	Docker struct {
		Network        string `yaml:"network"`
		MySQLContainer string `yaml:"shared_mysql_container"`
		RedisContainer string `yaml:"shared_redis_container"`
	} `yaml:"docker"`
	Defaults struct {
		PHPVersion     string `yaml:"php_version"`
		NodeVersion    string `yaml:"node_version"`
		MySQLCharset   string `yaml:"mysql_charset"`
		MySQLCollation string `yaml:"mysql_collation"`
	} `yaml:"defaults"`
	PHPVersions map[string]PHPRuntime `yaml:"php_versions"`
	Timeouts    struct {
		GitSeconds     int `yaml:"git"`
		ComposeSeconds int `yaml:"docker_compose"`
		InstallSeconds int `yaml:"dependency_install"`
		DBExecSeconds  int `yaml:"mysql_exec"`
		InspectSeconds int `yaml:"docker_inspect"`
	} `yaml:"timeouts"`
}

// LoadAgentConfig builds an AgentConfig from defaults, an optional YAML file,
// and environment variable overrides, in that order of precedence.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := defaultAgentConfig()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return AgentConfig{}, err
		}
	}
	applyEnv(&cfg)

	if err := resolveRootPassword(&cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Environment:       "production",
		Addr:              ":8000",
		BaseDir:           "/opt/sites",
		Network:           "shared_net",
		MySQLContainer:    "shared_mysql",
		RedisContainer:    "shared_redis",
		MySQLCharset:      "utf8mb4",
		MySQLCollation:    "utf8mb4_unicode_ci",
		DefaultPHPVersion: "8.3",
		PHPVersions: map[string]PHPRuntime{
			"8.2": {Image: "php:8.2-fpm", Extensions: []string{"pdo_mysql", "mbstring", "bcmath", "gd", "redis"}},
			"8.3": {Image: "php:8.3-fpm", Extensions: []string{"pdo_mysql", "mbstring", "bcmath", "gd", "redis"}},
		},
		NodeVersion:      "20",
		StatusCacheTTL:   10 * time.Second,
		Workers:          2,
		QueueDepth:       16,
		SoftFailureLimit: 0,
		GitTimeout:       60 * time.Second,
		ComposeTimeout:   120 * time.Second,
		InstallTimeout:   300 * time.Second,
		DBExecTimeout:    30 * time.Second,
		InspectTimeout:   10 * time.Second,
		ShutdownGrace:    30 * time.Second,
	}
}

func applyFile(cfg *AgentConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Addr, fc.Agent.Addr)
	setString(&cfg.AgentToken, fc.Agent.Token)
	setString(&cfg.BaseDir, fc.Paths.BaseDir)
	setString(&cfg.TemplateDir, fc.Paths.TemplateDir)
	setString(&cfg.Network, fc.Docker.Network)
	setString(&cfg.MySQLContainer, fc.Docker.MySQLContainer)
	setString(&cfg.RedisContainer, fc.Docker.RedisContainer)
	setString(&cfg.DefaultPHPVersion, fc.Defaults.PHPVersion)
	setString(&cfg.NodeVersion, fc.Defaults.NodeVersion)
	setString(&cfg.MySQLCharset, fc.Defaults.MySQLCharset)
	setString(&cfg.MySQLCollation, fc.Defaults.MySQLCollation)
	if len(fc.PHPVersions) > 0 {
		cfg.PHPVersions = fc.PHPVersions
	}
	setSeconds(&cfg.GitTimeout, fc.Timeouts.GitSeconds)
	setSeconds(&cfg.ComposeTimeout, fc.Timeouts.ComposeSeconds)
	setSeconds(&cfg.InstallTimeout, fc.Timeouts.InstallSeconds)
	setSeconds(&cfg.DBExecTimeout, fc.Timeouts.DBExecSeconds)
	setSeconds(&cfg.InspectTimeout, fc.Timeouts.InspectSeconds)
	return nil
}

func applyEnv(cfg *AgentConfig) {
	cfg.Environment = GetString("APP_ENV", cfg.Environment)
	cfg.Addr = GetString("SB_AGENT_ADDR", cfg.Addr)
	cfg.AgentToken = GetString("SB_AGENT_TOKEN", cfg.AgentToken)
	cfg.BaseDir = GetString("SB_BASE_DIR", cfg.BaseDir)
	cfg.TemplateDir = GetString("SB_TEMPLATE_DIR", cfg.TemplateDir)
	cfg.Network = GetString("SB_NETWORK", cfg.Network)
	cfg.MySQLContainer = GetString("SB_MYSQL_CONTAINER", cfg.MySQLContainer)
	cfg.RedisContainer = GetString("SB_REDIS_CONTAINER", cfg.RedisContainer)
	cfg.MySQLCharset = GetString("SB_MYSQL_CHARSET", cfg.MySQLCharset)
	cfg.MySQLCollation = GetString("SB_MYSQL_COLLATION", cfg.MySQLCollation)
	cfg.DefaultPHPVersion = GetString("SB_PHP_VERSION", cfg.DefaultPHPVersion)
	cfg.NodeVersion = GetString("SB_NODE_VERSION", cfg.NodeVersion)
	cfg.CacheRedisAddr = GetString("SB_CACHE_REDIS_ADDR", cfg.CacheRedisAddr)
	cfg.CacheRedisPassword = GetString("SB_CACHE_REDIS_PASSWORD", cfg.CacheRedisPassword)
	cfg.CacheRedisDB = GetInt("SB_CACHE_REDIS_DB", cfg.CacheRedisDB)
	cfg.StatusCacheTTL = envSeconds("SB_STATUS_CACHE_TTL_SECONDS", cfg.StatusCacheTTL)
	cfg.Workers = GetInt("SB_WORKERS", cfg.Workers)
	cfg.QueueDepth = GetInt("SB_QUEUE_DEPTH", cfg.QueueDepth)
	cfg.SoftFailureLimit = GetInt("SB_SOFT_FAILURE_LIMIT", cfg.SoftFailureLimit)
	cfg.GitTimeout = envSeconds("SB_GIT_TIMEOUT_SECONDS", cfg.GitTimeout)
	cfg.ComposeTimeout = envSeconds("SB_COMPOSE_TIMEOUT_SECONDS", cfg.ComposeTimeout)
	cfg.InstallTimeout = envSeconds("SB_INSTALL_TIMEOUT_SECONDS", cfg.InstallTimeout)
	cfg.DBExecTimeout = envSeconds("SB_MYSQL_EXEC_TIMEOUT_SECONDS", cfg.DBExecTimeout)
	cfg.InspectTimeout = envSeconds("SB_INSPECT_TIMEOUT_SECONDS", cfg.InspectTimeout)
	cfg.ShutdownGrace = envSeconds("SB_SHUTDOWN_GRACE_SECONDS", cfg.ShutdownGrace)
}

// resolveRootPassword reads the shared MySQL administrative credential from the
// environment or a protected file. It is never accepted per request.
func resolveRootPassword(cfg *AgentConfig) error {
	if pass := GetString("SB_MYSQL_ROOT_PASSWORD", ""); pass != "" {
		cfg.MySQLRootPassword = pass
		return nil
	}
	file := GetString("SB_MYSQL_ROOT_PASSWORD_FILE", "")
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read mysql root password file: %w", err)
	}
	cfg.MySQLRootPassword = strings.TrimSpace(string(data))
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setSeconds(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	seconds := GetInt(key, int(fallback/time.Second))
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
