package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./.eshell-data"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	// SSH transport
	DialTimeout time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"20s"`

	// Interactive terminal sessions
	PTYCols        int           `envconfig:"PTY_COLS" default:"120"`
	PTYRows        int           `envconfig:"PTY_ROWS" default:"36"`
	OutputMaxChars int           `envconfig:"OUTPUT_MAX_CHARS" default:"16000"`
	PollInterval   time.Duration `envconfig:"PTY_POLL_INTERVAL" default:"12ms"`
	WriteBackoff   time.Duration `envconfig:"PTY_WRITE_BACKOFF" default:"4ms"`

	// Fallback LLM provider, used when no AI profile is active in the database
	LLMBaseURL      string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	LLMAPIKey       string        `envconfig:"LLM_API_KEY" default:""`
	LLMModel        string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMSystemPrompt string        `envconfig:"LLM_SYSTEM_PROMPT" default:""`
	LLMTemperature  float64       `envconfig:"LLM_TEMPERATURE" default:"0.2"`
	LLMMaxTokens    int           `envconfig:"LLM_MAX_TOKENS" default:"800"`
	LLMTimeout      time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ESHELL", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "eshell.log")
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "eshell.db")
	}
}

// AgentDir is where conversation files and the conversation index live.
func AgentDir() string {
	return filepath.Join(Cfg.DataPath, "ops_agent")
}
