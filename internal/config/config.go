package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Data      DataConfig      `yaml:"data" mapstructure:"data"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	Analysis  AnalysisConfig  `yaml:"analysis" mapstructure:"analysis"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DataConfig locates on-disk state. Empty sub-directories resolve under Dir.
type DataConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	ProgressDir  string `yaml:"progress_dir" mapstructure:"progress_dir"`
	DocumentsDir string `yaml:"documents_dir" mapstructure:"documents_dir"`
}

// ProgressPath returns the directory holding progress records.
func (d DataConfig) ProgressPath() string {
	if d.ProgressDir != "" {
		return d.ProgressDir
	}
	return filepath.Join(d.Dir, "progreso")
}

// DocumentsPath returns the directory holding uploaded documents.
func (d DataConfig) DocumentsPath() string {
	if d.DocumentsDir != "" {
		return d.DocumentsDir
	}
	return filepath.Join(d.Dir, "documentos")
}

// ProvidersConfig sets the order in which LLM providers are probed.
type ProvidersConfig struct {
	Order []string `yaml:"order" mapstructure:"order"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// AnalysisConfig configures batch execution.
type AnalysisConfig struct {
	PreferAttachments    bool   `yaml:"prefer_attachments" mapstructure:"prefer_attachments"`
	QuestionsPath        string `yaml:"questions_path" mapstructure:"questions_path"`
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	RequestsPerMinute    int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	CallTimeoutSecs      int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	BreakerThreshold     int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// ExtractConfig configures PDF text extraction.
type ExtractConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// StoreConfig configures the batch index backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// RetryConfig configures progress write retries.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider credentials also come from their conventional variables.
	if err := v.BindEnv("anthropic.key", "RISK_ANTHROPIC_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind anthropic key")
	}
	if err := v.BindEnv("gemini.key", "RISK_GEMINI_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind gemini key")
	}
	if err := v.BindEnv("extract.mistral_api_key", "RISK_EXTRACT_MISTRAL_API_KEY", "MISTRAL_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind mistral key")
	}

	// Defaults
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.progress_dir", "")
	v.SetDefault("data.documents_dir", "")
	v.SetDefault("providers.order", []string{"anthropic", "gemini"})
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.timeout_secs", 120)
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("analysis.prefer_attachments", true)
	v.SetDefault("analysis.questions_path", "data/preguntas.xlsx")
	v.SetDefault("analysis.max_concurrent_batches", 4)
	v.SetDefault("analysis.requests_per_minute", 50)
	v.SetDefault("analysis.call_timeout_secs", 180)
	v.SetDefault("analysis.breaker_threshold", 5)
	v.SetDefault("extract.provider", "native")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 64)
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Store.Driver == "sqlite" && cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = filepath.Join(cfg.Data.Dir, "analisis.db")
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run. Mode
// is "analyze" for one-shot CLI runs or "serve" for the HTTP server.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "analyze", "rerun", "cancel", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, none", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	switch c.Extract.Provider {
	case "native", "pdftotext", "mistral":
	default:
		errs = append(errs, fmt.Sprintf("extract.provider %q is not one of native, pdftotext, mistral", c.Extract.Provider))
	}
	if c.Extract.Provider == "mistral" && c.Extract.MistralKey == "" {
		errs = append(errs, "extract.mistral_api_key is required for mistral")
	}
	for _, name := range c.Providers.Order {
		if name != "anthropic" && name != "gemini" {
			errs = append(errs, fmt.Sprintf("providers.order: unknown provider %q", name))
		}
	}
	if c.Analysis.MaxConcurrentBatches < 1 || c.Analysis.MaxConcurrentBatches > 32 {
		errs = append(errs, "analysis.max_concurrent_batches must be between 1 and 32")
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. Format "auto" picks console
// output when stderr is a terminal and JSON otherwise.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if useConsole(cfg.Format) {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

func useConsole(format string) bool {
	switch format {
	case "console":
		return true
	case "auto":
		fd := os.Stderr.Fd()
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	default:
		return false
	}
}
