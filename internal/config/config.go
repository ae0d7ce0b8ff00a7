package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/llm"
	"github.com/wwwzy/CoachAgent/internal/monitor"
	"github.com/wwwzy/CoachAgent/internal/storage"
)

type AgentConfig struct {
	MaxSteps           int      `mapstructure:"max_steps"`
	MaxToolRounds      int      `mapstructure:"max_tool_rounds"`
	ExtractionAttempts int      `mapstructure:"extraction_attempts"`
	RequiredFields     []string `mapstructure:"required_fields"`
	ActivitiesFile     string   `mapstructure:"activities_file"`
	UserName           string   `mapstructure:"user_name"`
}

// Service 转换成 agent.Service 使用的配置。
func (a AgentConfig) Service() agent.Config {
	return agent.Config{
		RequiredFields:     append([]string(nil), a.RequiredFields...),
		MaxToolRounds:      a.MaxToolRounds,
		MaxSteps:           a.MaxSteps,
		ExtractionAttempts: a.ExtractionAttempts,
		UserName:           a.UserName,
	}
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// ShutdownTimeout 为优雅退出时等待进行中请求的最长时间。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Config struct {
	Storage   storage.Config          `mapstructure:"storage"`
	LLM       llm.Config              `mapstructure:"llm"`
	Ark       llm.ArkConfig           `mapstructure:"ark"`
	OpenAI    llm.OpenAIConfig        `mapstructure:"openai"`
	Agent     AgentConfig             `mapstructure:"agent"`
	Server    ServerConfig            `mapstructure:"server"`
	Retention monitor.RetentionConfig `mapstructure:"retention"`
	LogLevel  string                  `mapstructure:"log_level"`
}

// LLMSettings 汇总模型工厂需要的配置。
func (c *Config) LLMSettings() llm.Settings {
	return llm.Settings{Config: c.LLM, Ark: c.Ark, OpenAI: c.OpenAI}
}

func Load(cfgFile string) (*Config, error) {
	// .env 只补充环境变量，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.coachagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("COACHAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会解码 viper 知道的 key，所以每个 key 都需要一个默认值，
	// 只在环境变量里出现的 key 才能生效。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case llm.ProviderArk, "":
		if c.Ark.APIKey == "" {
			return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
		}
		if c.Ark.ModelID == "" {
			return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
		}
	case llm.ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key is required (or set OPENAI_API_KEY env var)")
		}
		if c.OpenAI.Model == "" {
			return fmt.Errorf("openai.model is required (or set OPENAI_MODEL env var)")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (supported: ark, openai)", c.LLM.Provider)
	}

	if c.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be >= 1, got %d", c.Agent.MaxToolRounds)
	}
	if c.Agent.ExtractionAttempts < 1 {
		return fmt.Errorf("agent.extraction_attempts must be >= 1, got %d", c.Agent.ExtractionAttempts)
	}
	known := agent.OnboardingFieldNames()
	for _, f := range c.Agent.RequiredFields {
		if !slices.Contains(known, f) {
			return fmt.Errorf("agent.required_fields: unknown onboarding field %q", f)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// -------------------------------------------------------------------------
	// Global Defaults (全局默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("log_level", d.LogLevel)

	// -------------------------------------------------------------------------
	// Storage Defaults (存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)

	// -------------------------------------------------------------------------
	// LLM Defaults (模型默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", d.Ark.BaseURL)
	_ = v.BindEnv("ark.api_key", "ARK_API_KEY")
	_ = v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	_ = v.BindEnv("ark.base_url", "ARK_BASE_URL")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "")
	v.SetDefault("openai.base_url", "")
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("openai.model", "OPENAI_MODEL")
	_ = v.BindEnv("openai.base_url", "OPENAI_BASE_URL")

	// -------------------------------------------------------------------------
	// Agent Defaults (对话图默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("agent.max_steps", d.Agent.MaxSteps)
	v.SetDefault("agent.max_tool_rounds", d.Agent.MaxToolRounds)
	v.SetDefault("agent.extraction_attempts", d.Agent.ExtractionAttempts)
	v.SetDefault("agent.required_fields", d.Agent.RequiredFields)
	v.SetDefault("agent.activities_file", d.Agent.ActivitiesFile)
	v.SetDefault("agent.user_name", d.Agent.UserName)

	// -------------------------------------------------------------------------
	// Server Defaults (HTTP 服务默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// -------------------------------------------------------------------------
	// Retention Defaults (数据清理默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.workers", d.Retention.Workers)
	v.SetDefault("retention.batch_rows", d.Retention.BatchRows)
	v.SetDefault("retention.idle_sleep", d.Retention.IdleSleep)
	v.SetDefault("retention.keep_checkpoints", d.Retention.KeepCheckpoints)
	v.SetDefault("retention.keep_audit_days", d.Retention.KeepAuditDays)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:         "coachagent.db",
			BusyTimeout:  5 * time.Second,
			EnableWAL:    true,
			MaxOpenConns: 1,
		},
		LLM: llm.Config{
			Provider: llm.ProviderArk,
			Timeout:  60 * time.Second,
		},
		Ark: llm.ArkConfig{
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
		},
		Agent: AgentConfig{
			MaxSteps:           agent.DefaultMaxSteps,
			MaxToolRounds:      agent.DefaultMaxToolRounds,
			ExtractionAttempts: 2,
			RequiredFields:     append([]string(nil), agent.DefaultRequiredFields...),
			ActivitiesFile:     "activities.yaml",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Retention: monitor.DefaultConfig().Retention,
	}
}
