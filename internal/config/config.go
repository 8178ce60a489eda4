package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 errandd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	LLM       LLMConfig       `yaml:"llm"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address               string `yaml:"address"`
	ReadHeaderTimeoutSecs int    `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSecs   int    `yaml:"shutdown_timeout_seconds"`
}

// StorageConfig 描述关系型存储。driver 支持 sqlite、mysql、postgres。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述后台任务队列。driver 支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver             string         `yaml:"driver"`
	Workers            int            `yaml:"workers"`
	ReplayIntervalSecs int            `yaml:"replay_interval_seconds"`
	LeaseSeconds       int            `yaml:"lease_seconds"`
	MemoryBuffer       int            `yaml:"memory_buffer"`
	Redis              RedisConfig    `yaml:"redis"`
	RabbitMQ           RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig Redis 队列参数。
type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	PasswordEnv   string `yaml:"password_env"`
	DB            int    `yaml:"db"`
	Queue         string `yaml:"queue"`
	BlockWaitSecs int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	URLEnv   string `yaml:"url_env"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// LLMConfig 配置推理模型。
type LLMConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 对应 OpenAI 兼容的 HTTP 接口。
type OpenAIConfig struct {
	APIKey          string `yaml:"api_key"`
	APIKeyEnv       string `yaml:"api_key_env"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	SearchModel     string `yaml:"search_model"`
	TranscribeModel string `yaml:"transcribe_model"`
	TimeoutSecs     int    `yaml:"timeout_seconds"`
}

// TelephonyConfig 包含主通道（对话式网关）与备用通道（Twilio）。
type TelephonyConfig struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Twilio  TwilioConfig  `yaml:"twilio"`
}

// GatewayConfig 对话式通话网关。
type GatewayConfig struct {
	URL          string `yaml:"url"`
	HookToken    string `yaml:"hook_token"`
	HookTokenEnv string `yaml:"hook_token_env"`
	TimeoutSecs  int    `yaml:"timeout_seconds"`
}

// TwilioConfig 备用脚本外呼通道。
type TwilioConfig struct {
	AccountSID   string `yaml:"account_sid"`
	AuthToken    string `yaml:"auth_token"`
	AuthTokenEnv string `yaml:"auth_token_env"`
	FromNumber   string `yaml:"from_number"`
	BaseURL      string `yaml:"base_url"`
	TimeoutSecs  int    `yaml:"timeout_seconds"`
}

// NotifyConfig 描述运营通知邮件的 SMTP 服务。
type NotifyConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig SMTP 连接参数，收件人来自 settings 表。
type SMTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PasswordEnv   string `yaml:"password_env"`
	From          string `yaml:"from"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MinSeverity   string `yaml:"min_severity"`
}

// LoggingConfig 日志配置。
type LoggingConfig struct {
	Level        string      `yaml:"level"`
	Format       string      `yaml:"format"`
	OutputPaths  []string    `yaml:"output_paths"`
	RedactPhones bool        `yaml:"redact_phones"`
	Audit        AuditConfig `yaml:"audit"`
}

// AuditConfig 审计日志配置。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RuntimeConfig 运行时参数。
type RuntimeConfig struct {
	DataDir       string `yaml:"data_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Load 解析指定路径的配置文件。JSON 是 YAML 的子集，同样可以加载。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 只负责解码与密钥解析，不填充依赖文件路径的默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.resolveSecrets(os.Getenv)
	return &cfg, nil
}

// Default 返回一份全部使用默认值的配置，便于无配置文件启动。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.resolveSecrets(os.Getenv)
	cfg.applyDefaults(baseDir)
	return cfg
}

func (c *Config) resolveSecrets(getenv func(string) string) {
	fromEnv := func(target *string, envName string) {
		if *target != "" || envName == "" {
			return
		}
		*target = strings.TrimSpace(getenv(envName))
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	fromEnv(&c.LLM.OpenAI.APIKey, c.LLM.OpenAI.APIKeyEnv)
	fromEnv(&c.Telephony.Gateway.HookToken, c.Telephony.Gateway.HookTokenEnv)
	fromEnv(&c.Telephony.Twilio.AuthToken, c.Telephony.Twilio.AuthTokenEnv)
	fromEnv(&c.Notify.SMTP.Password, c.Notify.SMTP.PasswordEnv)
	fromEnv(&c.Queue.Redis.Password, c.Queue.Redis.PasswordEnv)
	fromEnv(&c.Queue.RabbitMQ.URL, c.Queue.RabbitMQ.URLEnv)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 5
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 10
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.PublicBaseURL == "" {
		c.Runtime.PublicBaseURL = "http://localhost" + c.Server.Address
	}
	c.Runtime.PublicBaseURL = strings.TrimRight(c.Runtime.PublicBaseURL, "/")

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "errand.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.ReplayIntervalSecs <= 0 {
		c.Queue.ReplayIntervalSecs = 60
	}
	if c.Queue.LeaseSeconds <= 0 {
		c.Queue.LeaseSeconds = 600
	}
	if c.Queue.MemoryBuffer <= 0 {
		c.Queue.MemoryBuffer = 1024
	}

	if c.LLM.OpenAI.TimeoutSecs <= 0 {
		c.LLM.OpenAI.TimeoutSecs = 60
	}
	if c.Telephony.Gateway.TimeoutSecs <= 0 {
		c.Telephony.Gateway.TimeoutSecs = 15
	}
	if c.Telephony.Twilio.TimeoutSecs <= 0 {
		c.Telephony.Twilio.TimeoutSecs = 30
	}

	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}
	if c.Notify.SMTP.SubjectPrefix == "" {
		c.Notify.SMTP.SubjectPrefix = "[Errand Desk] "
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// ReplayInterval 返回 supervisor 扫描间隔。
func (q QueueConfig) ReplayInterval() time.Duration {
	return time.Duration(q.ReplayIntervalSecs) * time.Second
}

// Lease 返回 running 状态任务被视为失联的时长。
func (q QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// Timeout 返回模型调用超时。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}

// Enabled 判断是否配置了对话式网关。
func (g GatewayConfig) Enabled() bool {
	return strings.TrimSpace(g.URL) != ""
}

// Enabled 判断是否配置了 Twilio。
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}
