// Package trainer holds application-level configuration for the cold-call
// trainer: the remote session endpoint and model, the token backend, audio
// settings, persistence paths, and the scenario roster.
package trainer

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/greengrow/cct/pkg/configutil"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Kore"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Session       SessionConfig             `mapstructure:"session"`
	Token         TokenConfig               `mapstructure:"token"`
	Capture       CaptureConfig             `mapstructure:"capture"`
	Storage       StorageConfig             `mapstructure:"storage"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Privacy       PrivacyConfig             `mapstructure:"privacy"`
	Scenario      string                    `mapstructure:"scenario"`
	Scenarios     map[string]map[string]any `mapstructure:"scenarios"`
}

type SessionConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

type TokenConfig struct {
	// Endpoint is the backend that mints ephemeral session tokens.
	Endpoint string `mapstructure:"endpoint"`
	// APIKey short-circuits the token backend; development only.
	APIKey string `mapstructure:"api_key"`
}

type CaptureConfig struct {
	FramesPerBuffer int `mapstructure:"frames_per_buffer"`
}

type StorageConfig struct {
	// Dir receives one JSON record per finished call. Empty keeps records
	// in memory only.
	Dir string `mapstructure:"dir"`
}

type ObservabilityConfig struct {
	// MetricsPath appends call lifecycle events as JSON lines.
	MetricsPath string `mapstructure:"metrics_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// ScenarioSpec is one entry in the scenario roster, decoded from its
// free-form settings map.
type ScenarioSpec struct {
	Instruction string `mapstructure:"instruction"`
	Voice       string `mapstructure:"voice"`
}

var scenarioSchema = configutil.Schema{
	Required: []string{"instruction"},
	Optional: []string{"voice"},
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("session.endpoint", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent")
	v.SetDefault("session.model", DefaultModel)
	v.SetDefault("capture.frames_per_buffer", 4096)
	v.SetDefault("storage.dir", "")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("scenario", "")
	v.SetDefault("privacy.redact_pii", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Session.Endpoint, "session.endpoint"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Session.Model, "session.model"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Token.Endpoint) == "" && strings.TrimSpace(c.Token.APIKey) == "" {
		return fmt.Errorf("token.endpoint or token.api_key is required")
	}
	for name, settings := range c.Scenarios {
		if err := configutil.ValidateSettings(settings, scenarioSchema); err != nil {
			return fmt.Errorf("scenario %q: %w", name, err)
		}
	}
	if c.Scenario != "" {
		if _, ok := c.Scenarios[c.Scenario]; !ok {
			return fmt.Errorf("scenario %q is not defined", c.Scenario)
		}
	}
	return nil
}

// ResolveScenario decodes the selected roster entry. An empty selection
// with an empty roster yields a blank scenario, which lets the endpoint's
// default persona run.
func (c *Config) ResolveScenario() (name string, spec ScenarioSpec, err error) {
	name = c.Scenario
	if name == "" {
		if len(c.Scenarios) == 0 {
			return "", ScenarioSpec{Voice: DefaultVoice}, nil
		}
		return "", ScenarioSpec{}, fmt.Errorf("scenario selection is required when a roster is configured")
	}
	settings := c.Scenarios[name]
	if err := configutil.DecodeSettings(settings, &spec); err != nil {
		return "", ScenarioSpec{}, fmt.Errorf("scenario %q: %w", name, err)
	}
	if spec.Voice == "" {
		spec.Voice = DefaultVoice
	}
	return name, spec, nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for name, settings := range cfg.Scenarios {
		for k, v := range settings {
			if s, ok := v.(string); ok {
				settings[k] = os.ExpandEnv(s)
			}
		}
		cfg.Scenarios[name] = settings
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
