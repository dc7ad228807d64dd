package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration. It is built
// once at startup and passed by reference; nothing mutates it afterwards.
type Config struct {
	Realtime  RealtimeConfig  `json:"realtime"`
	Playback  PlaybackConfig  `json:"playback"`
	Ingress   IngressConfig   `json:"ingress"`
	Recording RecordingConfig `json:"recording"`
	Policy    PolicyConfig    `json:"policy"`
	Messaging MessagingConfig `json:"messaging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
}

// RealtimeConfig holds the AI voice endpoint settings
type RealtimeConfig struct {
	URL            string        `json:"url" env:"REALTIME_URL"`
	Model          string        `json:"model" env:"REALTIME_MODEL"`
	APIKey         string        `json:"-" env:"OPENAI_API_KEY"`
	Voice          string        `json:"voice" env:"REALTIME_VOICE"`
	Eagerness      string        `json:"eagerness" env:"REALTIME_EAGERNESS"`
	Instructions   string        `json:"instructions" env:"REALTIME_INSTRUCTIONS"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"REALTIME_CONNECT_TIMEOUT"`
}

// PlaybackConfig holds the outbound segment scheduler tunables
type PlaybackConfig struct {
	SegmentDuration time.Duration `json:"segment_duration" env:"SEGMENT_DURATION_MS"`
	JitterThreshold time.Duration `json:"jitter_threshold" env:"JITTER_THRESHOLD_MS"`
	OverlapLead     time.Duration `json:"overlap_lead" env:"OVERLAP_LEAD_MS"`
	SegmentDir      string        `json:"segment_dir" env:"SEGMENT_DIR"`
}

// IngressConfig holds the recording tail reader tunables
type IngressConfig struct {
	FrameDuration time.Duration `json:"frame_duration" env:"FRAME_DURATION_MS"`
	HeaderTimeout time.Duration `json:"header_timeout" env:"HEADER_TIMEOUT"`
	PollInterval  time.Duration `json:"poll_interval" env:"POLL_INTERVAL"`
}

// RecordingConfig holds call recording settings
type RecordingConfig struct {
	Directory string `json:"directory" env:"RECORDING_DIR"`
}

// PolicyConfig holds incoming-call admission policy
type PolicyConfig struct {
	CallerDigits      int      `json:"caller_digits" env:"CALLER_DIGITS"`
	BlockedSubstrings []string `json:"blocked_substrings" env:"BLOCKED_UA_SUBSTRINGS"`
}

// MessagingConfig holds the AMQP transcript sink settings
type MessagingConfig struct {
	AMQPUrl       string `json:"-" env:"AMQP_URL"`
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED"`
	Port    int  `json:"port" env:"METRICS_PORT"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

const defaultInstructions = "- Use short, natural phrases; avoid repetition.\n" +
	"- If audio is unintelligible, ask to repeat concisely.\n" +
	"- Keep answers under two sentences; speak fast, human-like, but calm.\n"

// Load loads the configuration from environment variables, consulting a
// .env file first when one is present.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded configuration from .env file")
	}

	config := &Config{
		Realtime: RealtimeConfig{
			URL:            getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			Model:          getEnv("REALTIME_MODEL", "gpt-realtime"),
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			Voice:          getEnv("REALTIME_VOICE", "cedar"),
			Eagerness:      getEnv("REALTIME_EAGERNESS", "high"),
			Instructions:   getEnv("REALTIME_INSTRUCTIONS", defaultInstructions),
			ConnectTimeout: getEnvDuration("REALTIME_CONNECT_TIMEOUT", 10*time.Second),
		},
		Playback: PlaybackConfig{
			SegmentDuration: getEnvMillis("SEGMENT_DURATION_MS", 200),
			JitterThreshold: getEnvMillis("JITTER_THRESHOLD_MS", 100),
			OverlapLead:     getEnvMillis("OVERLAP_LEAD_MS", 10),
			SegmentDir:      getEnv("SEGMENT_DIR", "/tmp/voicebridge/segments"),
		},
		Ingress: IngressConfig{
			FrameDuration: getEnvMillis("FRAME_DURATION_MS", 20),
			HeaderTimeout: getEnvDuration("HEADER_TIMEOUT", 3*time.Second),
			PollInterval:  getEnvDuration("POLL_INTERVAL", 10*time.Millisecond),
		},
		Recording: RecordingConfig{
			Directory: getEnv("RECORDING_DIR", "/tmp/voicebridge/recordings"),
		},
		Policy: PolicyConfig{
			CallerDigits:      getEnvInt("CALLER_DIGITS", 11),
			BlockedSubstrings: getEnvList("BLOCKED_UA_SUBSTRINGS", []string{"sipvicious"}),
		},
		Messaging: MessagingConfig{
			AMQPUrl:       os.Getenv("AMQP_URL"),
			AMQPQueueName: os.Getenv("AMQP_QUEUE_NAME"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9091),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputFile: getEnv("LOG_OUTPUT_FILE", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for values that cannot work at all.
// Missing credentials are not fatal here; the bridge reports them when a
// call actually tries to connect.
func (c *Config) Validate() error {
	if c.Playback.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration must be positive, got %s", c.Playback.SegmentDuration)
	}
	if c.Playback.JitterThreshold < 0 {
		return fmt.Errorf("jitter threshold must not be negative, got %s", c.Playback.JitterThreshold)
	}
	if c.Playback.OverlapLead < 0 || c.Playback.OverlapLead >= c.Playback.SegmentDuration {
		return fmt.Errorf("overlap lead must be within [0, segment duration), got %s", c.Playback.OverlapLead)
	}
	if c.Ingress.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", c.Ingress.FrameDuration)
	}
	if c.Policy.CallerDigits <= 0 {
		return fmt.Errorf("caller digits must be positive, got %d", c.Policy.CallerDigits)
	}
	return nil
}

// ApplyLogging applies the configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", c.Logging.OutputFile, err)
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

func ensureDirectories(config *Config) error {
	for _, dir := range []string{config.Recording.Directory, config.Playback.SegmentDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvMillis reads an integer millisecond count from the environment
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

// getEnvList reads a comma-separated list from the environment
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
