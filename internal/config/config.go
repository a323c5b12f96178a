package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the realtime middle tier.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	// UseVoiceLive is the feature flag switching the default realtime backend
	// to Voice Live.
	UseVoiceLive bool

	ConfigureTimeout  time.Duration
	MaxProtocolErrors int
	ToolTimeout       time.Duration

	SearchMode                 string
	SearchTop                  int
	DatabaseURL                string
	AzureSearchEndpoint        string
	AzureSearchIndex           string
	AzureSearchAPIKey          string
	AzureSearchSemanticConfig  string
	AzureSearchIdentifierField string
	AzureSearchContentField    string
	AzureSearchTitleField      string

	// EnvFile is the dotenv file that was merged under the process environment,
	// empty when none was found.
	EnvFile string

	values map[string]string
}

// Keys passed through verbatim to the backend selector and the session configurator.
var passthroughKeys = []string{
	"USE_VOICE_LIVE",
	"AZURE_OPENAI_ENDPOINT",
	"AZURE_OPENAI_REALTIME_DEPLOYMENT",
	"AZURE_OPENAI_API_KEY",
	"AZURE_OPENAI_API_VERSION",
	"AZURE_OPENAI_REALTIME_VOICE_CHOICE",
	"AZURE_OPENAI_TOKEN",
	"AZURE_TENANT_ID",
	"AZURE_CLIENT_ID",
	"AZURE_CLIENT_SECRET",
	"AI_FOUNDRY_ENDPOINT",
	"AI_FOUNDRY_API_KEY",
	"VOICE_LIVE_VOICE",
	"VOICE_LIVE_MODEL",
	"VOICE_LIVE_API_VERSION",
	"SESSION_TURN_DETECTION",
	"SESSION_VAD_THRESHOLD",
	"SESSION_PREFIX_PADDING_MS",
	"SESSION_SILENCE_DURATION_MS",
	"SESSION_TURN_TIMEOUT_MS",
	"SESSION_NOISE_SUPPRESSION",
	"SESSION_ECHO_CANCELLATION",
	"SESSION_TRANSCRIPTION_MODEL",
	"SESSION_VOICE",
	"SESSION_INSTRUCTIONS",
	"SESSION_TEMPERATURE",
	"SESSION_MAX_OUTPUT_TOKENS",
	"SESSION_DISABLE_AUDIO",
}

// Load reads the optional dotenv file and the process environment and applies
// safe defaults. Environment variables win over the file.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	envFile := strings.TrimSpace(v.GetString("APP_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	loadedFile := envFile
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
		loadedFile = ""
	}
	return fromViper(v, loadedFile)
}

func fromViper(v *viper.Viper, envFile string) (Config, error) {
	cfg := Config{
		BindAddr:                   stringOrDefault(v, "APP_BIND_ADDR", ":8765"),
		MetricsNamespace:           stringOrDefault(v, "APP_METRICS_NAMESPACE", "voicerag"),
		LogLevel:                   strings.ToLower(stringOrDefault(v, "LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(stringOrDefault(v, "LOG_FORMAT", "console")),
		SearchMode:                 strings.ToLower(stringOrDefault(v, "SEARCH_MODE", "auto")),
		DatabaseURL:                trimmed(v, "DATABASE_URL"),
		AzureSearchEndpoint:        trimmed(v, "AZURE_SEARCH_ENDPOINT"),
		AzureSearchIndex:           trimmed(v, "AZURE_SEARCH_INDEX"),
		AzureSearchAPIKey:          trimmed(v, "AZURE_SEARCH_API_KEY"),
		AzureSearchSemanticConfig:  trimmed(v, "AZURE_SEARCH_SEMANTIC_CONFIGURATION"),
		AzureSearchIdentifierField: stringOrDefault(v, "AZURE_SEARCH_IDENTIFIER_FIELD", "chunk_id"),
		AzureSearchContentField:    stringOrDefault(v, "AZURE_SEARCH_CONTENT_FIELD", "chunk"),
		AzureSearchTitleField:      stringOrDefault(v, "AZURE_SEARCH_TITLE_FIELD", "title"),
		SearchTop:                  5,
		ShutdownTimeout:            15 * time.Second,
		SessionInactivityTimeout:   2 * time.Minute,
		ConfigureTimeout:           3 * time.Second,
		MaxProtocolErrors:          5,
		ToolTimeout:                20 * time.Second,
		EnvFile:                    envFile,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, "APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFrom(v, "APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConfigureTimeout, err = durationFrom(v, "ROUTER_CONFIGURE_TIMEOUT", cfg.ConfigureTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ToolTimeout, err = durationFrom(v, "TOOL_TIMEOUT", cfg.ToolTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxProtocolErrors, err = intFrom(v, "ROUTER_MAX_PROTOCOL_ERRORS", cfg.MaxProtocolErrors); err != nil {
		return Config{}, err
	}
	if cfg.SearchTop, err = intFrom(v, "SEARCH_TOP", cfg.SearchTop); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.UseVoiceLive, err = boolFrom(v, "USE_VOICE_LIVE", false); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ConfigureTimeout <= 0 {
		return Config{}, fmt.Errorf("ROUTER_CONFIGURE_TIMEOUT must be positive")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be positive")
	}
	if cfg.MaxProtocolErrors <= 0 {
		return Config{}, fmt.Errorf("ROUTER_MAX_PROTOCOL_ERRORS must be positive")
	}
	if cfg.SearchTop <= 0 {
		return Config{}, fmt.Errorf("SEARCH_TOP must be positive")
	}
	switch cfg.SearchMode {
	case "auto", "memory", "postgres", "azure-search":
	default:
		return Config{}, fmt.Errorf("invalid SEARCH_MODE: %q (expected auto|memory|postgres|azure-search)", cfg.SearchMode)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT: %q (expected console|json)", cfg.LogFormat)
	}

	cfg.values = make(map[string]string, len(passthroughKeys))
	for _, key := range passthroughKeys {
		if val := trimmed(v, key); val != "" {
			cfg.values[key] = val
		}
	}
	return cfg, nil
}

// Values returns the flat key/value view of backend credentials and session
// overrides. The returned map is a copy.
func (c Config) Values() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, val := range c.values {
		out[k] = val
	}
	return out
}

// WithValues returns a copy of c whose flat values are replaced by values.
func (c Config) WithValues(values map[string]string) Config {
	c.values = make(map[string]string, len(values))
	for k, val := range values {
		c.values[k] = val
	}
	return c
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func stringOrDefault(v *viper.Viper, key, fallback string) string {
	if s := trimmed(v, key); s != "" {
		return s
	}
	return fallback
}

func durationFrom(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	s := trimmed(v, key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string, fallback int) (int, error) {
	s := trimmed(v, key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFrom(v *viper.Viper, key string, fallback bool) (bool, error) {
	s := strings.ToLower(trimmed(v, key))
	if s == "" {
		return fallback, nil
	}
	b, ok := ParseBool(s)
	if !ok {
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
	return b, nil
}

// ParseBool accepts the boolean spellings used in generated .env files.
func ParseBool(s string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}
