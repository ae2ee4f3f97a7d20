package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LookupFunc resolves one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Config holds every setting the server reads at startup.
type Config struct {
	Port           string
	OllamaURL      string
	OPAURL         string
	SigningSecret  string
	Model          string
	ModelTimeout   time.Duration
	PolicyTimeout  time.Duration
	DecisionTTL    time.Duration
	DBPath         string
	AuditLogPath   string
	AuditQueueSize int
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string
}

// fileConfig mirrors the YAML overlay. Pointers tell "absent" from "empty".
type fileConfig struct {
	Port           *string  `yaml:"port"`
	OllamaURL      *string  `yaml:"ollama_url"`
	OPAURL         *string  `yaml:"opa_url"`
	SigningSecret  *string  `yaml:"signing_secret"`
	Model          *string  `yaml:"model"`
	ModelTimeout   *string  `yaml:"model_timeout"`
	PolicyTimeout  *string  `yaml:"policy_timeout"`
	DecisionTTL    *string  `yaml:"decision_ttl"`
	DBPath         *string  `yaml:"db_path"`
	AuditLogPath   *string  `yaml:"audit_log_path"`
	AuditQueueSize *int     `yaml:"audit_queue_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       *string  `yaml:"log_level"`
	LogFormat      *string  `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:           "8080",
		OllamaURL:      "http://localhost:11434",
		OPAURL:         "http://localhost:8181/v1/data/mcp/auth/allow",
		Model:          "sck-policy-gguf",
		ModelTimeout:   30 * time.Second,
		PolicyTimeout:  5 * time.Second,
		DecisionTTL:    300 * time.Second,
		DBPath:         "data/policy-llm.db",
		AuditQueueSize: 256,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// POLICY_LLM_CONFIG, then environment variables. It does not validate.
func Load(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Defaults()

	if path, ok := lookup("POLICY_LLM_CONFIG"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.applyFile(strings.TrimSpace(path), lookup); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string, lookup LookupFunc) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		v, _ := lookup(key)
		return v
	})

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Port)
	setString(&c.OllamaURL, fc.OllamaURL)
	setString(&c.OPAURL, fc.OPAURL)
	setString(&c.SigningSecret, fc.SigningSecret)
	setString(&c.Model, fc.Model)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.AuditLogPath, fc.AuditLogPath)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	if fc.AuditQueueSize != nil {
		c.AuditQueueSize = *fc.AuditQueueSize
	}
	if fc.AllowedOrigins != nil {
		c.AllowedOrigins = cleanList(fc.AllowedOrigins)
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"model_timeout", fc.ModelTimeout, &c.ModelTimeout},
		{"policy_timeout", fc.PolicyTimeout, &c.PolicyTimeout},
		{"decision_ttl", fc.DecisionTTL, &c.DecisionTTL},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := parseSeconds(*d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"PORT", &c.Port},
		{"OLLAMA_URL", &c.OllamaURL},
		{"OPA_URL", &c.OPAURL},
		{"AI_DECISION_SIGNING_SECRET", &c.SigningSecret},
		{"POLICY_LLM_MODEL", &c.Model},
		{"AUDIT_LOG_PATH", &c.AuditLogPath},
		{"LOG_LEVEL", &c.LogLevel},
		{"LOG_FORMAT", &c.LogFormat},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && strings.TrimSpace(v) != "" {
			*s.dst = strings.TrimSpace(v)
		}
	}

	// An explicitly empty db path disables the store.
	if v, ok := lookup("POLICY_LLM_DB_PATH"); ok {
		c.DBPath = strings.TrimSpace(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MODEL_TIMEOUT", &c.ModelTimeout},
		{"POLICY_TIMEOUT", &c.PolicyTimeout},
		{"DECISION_TTL", &c.DecisionTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("AUDIT_QUEUE_SIZE"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AUDIT_QUEUE_SIZE: %w", err)
		}
		c.AuditQueueSize = n
	}

	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = cleanList(strings.Split(v, ","))
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SigningSecret) == "" {
		errs = append(errs, errors.New("AI_DECISION_SIGNING_SECRET is required"))
	}
	if c.ModelTimeout <= 0 {
		errs = append(errs, errors.New("MODEL_TIMEOUT must be positive"))
	}
	if c.PolicyTimeout <= 0 {
		errs = append(errs, errors.New("POLICY_TIMEOUT must be positive"))
	}
	if c.DecisionTTL < time.Second {
		errs = append(errs, errors.New("DECISION_TTL must be at least one second"))
	}
	if c.AuditQueueSize <= 0 {
		errs = append(errs, errors.New("AUDIT_QUEUE_SIZE must be positive"))
	}
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	return errors.Join(errs...)
}

// ConfigureLogging applies the level and format to log.
func (c Config) ConfigureLogging(log *logrus.Logger) error {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("LOG_FORMAT: unsupported format %q", c.LogFormat)
	}
	return nil
}

// parseSeconds accepts a Go duration ("30s") or a bare number of seconds.
func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
