package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	BackendWebSocket = "websocket"
	BackendTelegram  = "telegram"
	BackendMemory    = "memory"

	EnvPrefix = "IPM"
)

type Config struct {
	Token        TokenConfig   `yaml:"token" envconfig:"token"`
	Channel      ChannelConfig `yaml:"channel" envconfig:"channel"`
	Backend      BackendConfig `yaml:"backend" envconfig:"backend"`
	HistoryLimit int           `yaml:"history_limit" envconfig:"history_limit" validate:"gte=0"`
	EventBuffer  int           `yaml:"event_buffer" envconfig:"event_buffer" validate:"gte=0"`
	LogLevel     string        `yaml:"log_level" envconfig:"log_level" validate:"oneof=debug info warn error"`
}

type TokenConfig struct {
	URL     string        `yaml:"url" envconfig:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" envconfig:"timeout" validate:"gt=0"`
	Retries uint64        `yaml:"retries" envconfig:"retries"`
}

type ChannelConfig struct {
	UniqueName   string `yaml:"unique_name" envconfig:"unique_name" validate:"required,excludesall= "`
	FriendlyName string `yaml:"friendly_name" envconfig:"friendly_name" validate:"required"`
}

type BackendConfig struct {
	Kind         string         `yaml:"kind" envconfig:"kind" validate:"oneof=websocket telegram memory"`
	WebSocketURL string         `yaml:"websocket_url" envconfig:"websocket_url" validate:"omitempty,url"`
	Telegram     TelegramConfig `yaml:"telegram" envconfig:"telegram"`
}

type TelegramConfig struct {
	APIID   int    `yaml:"api_id" envconfig:"api_id"`
	APIHash string `yaml:"api_hash" envconfig:"api_hash"`
}

// Default returns the configuration used when no file exists. It points at
// a dev server on localhost:8000.
func Default() Config {
	return Config{
		Token: TokenConfig{
			URL:     "http://localhost:8000/token.php",
			Timeout: 10 * time.Second,
		},
		Channel: ChannelConfig{
			UniqueName:   "general",
			FriendlyName: "General Channel",
		},
		Backend: BackendConfig{
			Kind:         BackendWebSocket,
			WebSocketURL: "ws://localhost:8000/ws",
		},
		HistoryLimit: 100,
		EventBuffer:  256,
		LogLevel:     "info",
	}
}

func Dir() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(cfgDir, "ipm-quickstart")
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from IPM_* variables, e.g. IPM_BACKEND_KIND or
// IPM_TOKEN_URL.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(backendRules, Config{})
	return v
}

// backendRules checks the settings each backend kind depends on.
func backendRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	switch cfg.Backend.Kind {
	case BackendWebSocket:
		if cfg.Token.URL == "" {
			sl.ReportError(cfg.Token.URL, "Token.URL", "URL", "required_for_backend", cfg.Backend.Kind)
		}
		if cfg.Backend.WebSocketURL == "" {
			sl.ReportError(cfg.Backend.WebSocketURL, "Backend.WebSocketURL", "WebSocketURL", "required_for_backend", cfg.Backend.Kind)
		}
	case BackendTelegram:
		if cfg.Token.URL == "" {
			sl.ReportError(cfg.Token.URL, "Token.URL", "URL", "required_for_backend", cfg.Backend.Kind)
		}
		if cfg.Backend.Telegram.APIID == 0 {
			sl.ReportError(cfg.Backend.Telegram.APIID, "Backend.Telegram.APIID", "APIID", "required_for_backend", cfg.Backend.Kind)
		}
		if cfg.Backend.Telegram.APIHash == "" {
			sl.ReportError(cfg.Backend.Telegram.APIHash, "Backend.Telegram.APIHash", "APIHash", "required_for_backend", cfg.Backend.Kind)
		}
	}
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// DeviceID returns the id stored in dir/device_id, creating it on first use.
func DeviceID(dir string) (string, error) {
	path := filepath.Join(dir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
