package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Mail        MailConfig        `mapstructure:"mail"`
	Ticketing   TicketingConfig   `mapstructure:"ticketing"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	RetryQueue  RetryQueueConfig  `mapstructure:"retry_queue"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Path     string `mapstructure:"path"`
}

// LoggingConfig controls the logrus standard logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MailConfig holds inbound and outbound mail transport configuration
type MailConfig struct {
	Inbound      string        `mapstructure:"inbound"`
	Outbound     string        `mapstructure:"outbound"`
	FromAddress  string        `mapstructure:"from_address"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RefreshToken string        `mapstructure:"refresh_token"`
	UserEmail    string        `mapstructure:"user_email"`
	IMAPHost     string        `mapstructure:"imap_host"`
	IMAPPort     int           `mapstructure:"imap_port"`
	IMAPUser     string        `mapstructure:"imap_user"`
	IMAPPassword string        `mapstructure:"imap_password"`
	IMAPMailbox  string        `mapstructure:"imap_mailbox"`
	SMTPHost     string        `mapstructure:"smtp_host"`
	SMTPPort     int           `mapstructure:"smtp_port"`
	SMTPUser     string        `mapstructure:"smtp_user"`
	SMTPPassword string        `mapstructure:"smtp_password"`
	Lookback     time.Duration `mapstructure:"lookback"`
}

// TicketingConfig holds the external ticketing system API configuration
type TicketingConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenURL     string        `mapstructure:"token_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LLMConfig selects and configures the decision oracle provider
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxBodySize  int           `mapstructure:"max_body_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
	OpenAI       OpenAIConfig  `mapstructure:"openai"`
	Gemini       GeminiConfig  `mapstructure:"gemini"`
	Bedrock      BedrockConfig `mapstructure:"bedrock"`
}

// OpenAIConfig holds OpenAI settings
type OpenAIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	ModelName string `mapstructure:"model_name"`
	BaseURL   string `mapstructure:"base_url"`
}

// GeminiConfig holds Google Gemini settings
type GeminiConfig struct {
	APIKey    string `mapstructure:"api_key"`
	ModelName string `mapstructure:"model_name"`
}

// BedrockConfig holds Amazon Bedrock settings
type BedrockConfig struct {
	Region  string `mapstructure:"region"`
	ModelID string `mapstructure:"model_id"`
}

// ResolverConfig holds ticket resolution settings
type ResolverConfig struct {
	PollSchedule        []time.Duration `mapstructure:"poll_schedule"`
	PollMaxAttempts     int             `mapstructure:"poll_max_attempts"`
	TicketNumberPattern string          `mapstructure:"ticket_number_pattern"`
	OrderNumberPatterns []string        `mapstructure:"order_number_patterns"`
	PONumberPatterns    []string        `mapstructure:"po_number_patterns"`
}

// RetryQueueConfig holds settings for the unresolved-email retry queue
type RetryQueueConfig struct {
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// DispatchConfig holds message dispatch and retry scheduler settings
type DispatchConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryIntervalMinutes int           `mapstructure:"retry_interval_minutes"`
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval"`
	RunAtStartup         bool          `mapstructure:"run_at_startup"`
	ClaimLease           time.Duration `mapstructure:"claim_lease"`
	SupplierChannel      string        `mapstructure:"supplier_channel"`
	BatchSize            int           `mapstructure:"batch_size"`
}

// PipelineConfig holds main processing loop settings
type PipelineConfig struct {
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	RunAtStartup    bool `mapstructure:"run_at_startup"`
}

// RedisConfig holds the event publisher settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// AttachmentsConfig holds object storage settings for attachments
type AttachmentsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// AuthConfig holds operator API authentication settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoadConfig loads configuration from environment variables and config file.
// An empty path searches the default locations.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "smart-ticket-relay.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("mail.inbound", "imap")
	v.SetDefault("mail.outbound", "smtp")
	v.SetDefault("mail.imap_host", "imap.gmail.com")
	v.SetDefault("mail.imap_port", 993)
	v.SetDefault("mail.imap_mailbox", "INBOX")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.lookback", "24h")

	v.SetDefault("ticketing.timeout", "20s")
	v.SetDefault("ticketing.max_retries", 3)
	v.SetDefault("ticketing.base_delay", "500ms")
	v.SetDefault("ticketing.max_delay", "10s")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_body_size", 8000)
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("llm.history_limit", 5)
	v.SetDefault("llm.openai.model_name", "gpt-4o")
	v.SetDefault("llm.gemini.model_name", "gemini-1.5-pro")
	v.SetDefault("llm.bedrock.region", "us-east-1")
	v.SetDefault("llm.bedrock.model_id", "anthropic.claude-3-5-sonnet-20240620-v1:0")

	v.SetDefault("resolver.poll_schedule", []string{"5s", "10s", "20s", "120s"})
	v.SetDefault("resolver.poll_max_attempts", 4)
	v.SetDefault("resolver.ticket_number_pattern", `^(?P<region>[A-Z]{2})(?P<year>\d{2})(?P<seq>\d+)$`)

	v.SetDefault("retry_queue.retry_delay", "30m")
	v.SetDefault("retry_queue.max_delay", "12h")
	v.SetDefault("retry_queue.max_attempts", 5)
	v.SetDefault("retry_queue.batch_size", 50)

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_interval_minutes", 15)
	v.SetDefault("dispatch.scheduler_interval", "15m")
	v.SetDefault("dispatch.run_at_startup", true)
	v.SetDefault("dispatch.claim_lease", "5m")
	v.SetDefault("dispatch.supplier_channel", "ticketing")
	v.SetDefault("dispatch.batch_size", 100)

	v.SetDefault("pipeline.interval_minutes", 5)
	v.SetDefault("pipeline.run_at_startup", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "smart-ticket-relay:events")

	v.SetDefault("attachments.bucket", "ticket-attachments")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")

	// Mail
	v.BindEnv("mail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("mail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("mail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("mail.user_email", "GMAIL_USER_EMAIL")
	v.BindEnv("mail.imap_user", "IMAP_USER")
	v.BindEnv("mail.imap_password", "IMAP_PASSWORD")
	v.BindEnv("mail.smtp_user", "SMTP_USER")
	v.BindEnv("mail.smtp_password", "SMTP_PASSWORD")

	// Ticketing
	v.BindEnv("ticketing.base_url", "TICKETING_BASE_URL")
	v.BindEnv("ticketing.api_key", "TICKETING_API_KEY")
	v.BindEnv("ticketing.client_id", "TICKETING_CLIENT_ID")
	v.BindEnv("ticketing.client_secret", "TICKETING_CLIENT_SECRET")

	// LLM
	v.BindEnv("llm.provider", "LLM_PROVIDER")
	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("llm.bedrock.region", "AWS_REGION")

	// Redis, attachments, auth
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("attachments.access_key", "ATTACHMENTS_ACCESS_KEY")
	v.BindEnv("attachments.secret_key", "ATTACHMENTS_SECRET_KEY")
	v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// RetryInterval returns the dispatch retry base interval
func (c *DispatchConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Mail.Inbound {
	case "gmail":
		if c.Mail.ClientID == "" || c.Mail.ClientSecret == "" || c.Mail.RefreshToken == "" {
			return fmt.Errorf("Gmail OAuth2 credentials are required for gmail inbound mail")
		}
	case "imap":
		if c.Mail.IMAPUser == "" || c.Mail.IMAPPassword == "" {
			return fmt.Errorf("IMAP credentials are required when using IMAP")
		}
	default:
		return fmt.Errorf("unsupported inbound mail transport: %s", c.Mail.Inbound)
	}

	switch c.Mail.Outbound {
	case "gmail":
		if c.Mail.ClientID == "" || c.Mail.ClientSecret == "" || c.Mail.RefreshToken == "" {
			return fmt.Errorf("Gmail OAuth2 credentials are required for gmail outbound mail")
		}
	case "smtp":
		if c.Mail.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when using SMTP")
		}
	default:
		return fmt.Errorf("unsupported outbound mail transport: %s", c.Mail.Outbound)
	}

	if c.Ticketing.BaseURL == "" {
		return fmt.Errorf("ticketing base_url is required")
	}

	switch c.LLM.Provider {
	case "openai", "gemini", "bedrock":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Resolver.PollMaxAttempts <= 0 {
		return fmt.Errorf("resolver poll_max_attempts must be greater than 0")
	}
	if c.Resolver.TicketNumberPattern == "" {
		return fmt.Errorf("resolver ticket_number_pattern is required")
	}

	if c.RetryQueue.MaxAttempts <= 0 {
		return fmt.Errorf("retry_queue max_attempts must be greater than 0")
	}

	if c.Dispatch.MaxRetries <= 0 {
		return fmt.Errorf("dispatch max_retries must be greater than 0")
	}
	if c.Dispatch.RetryIntervalMinutes <= 0 {
		return fmt.Errorf("dispatch retry_interval_minutes must be greater than 0")
	}
	if c.Dispatch.SchedulerInterval <= 0 {
		return fmt.Errorf("dispatch scheduler_interval must be greater than 0")
	}
	switch c.Dispatch.SupplierChannel {
	case "ticketing", "email":
	default:
		return fmt.Errorf("unsupported supplier channel: %s", c.Dispatch.SupplierChannel)
	}

	if c.Pipeline.IntervalMinutes <= 0 {
		return fmt.Errorf("pipeline interval must be greater than 0")
	}

	if c.Attachments.Enabled && (c.Attachments.Endpoint == "" || c.Attachments.Bucket == "") {
		return fmt.Errorf("attachments endpoint and bucket are required when attachments are enabled")
	}

	return nil
}
