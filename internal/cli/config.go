package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	flagship "github.com/TimurManjosov/flagship-go"
	"github.com/TimurManjosov/flagship-go/internal/config"
)

// Overrides are command-line values. They win over the environment and the
// config file.
type Overrides struct {
	BaseURL string
	APIKey  string
	Offline bool
	Verbose bool
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".flagship", "config.yaml"), nil
}

// InitConfig writes a config file holding every setting at its default.
// An existing file is kept unless force is set.
func InitConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
		}
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Defaults())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadOptions builds client options.
// Priority: command flags > environment variables > config file > defaults
func LoadOptions(path string, o Overrides) (flagship.Options, error) {
	opts, err := flagship.LoadOptions(path)
	if err != nil {
		return flagship.Options{}, err
	}
	if o.BaseURL != "" {
		opts.BaseURL = o.BaseURL
	}
	if o.APIKey != "" {
		opts.APIKey = o.APIKey
	}
	if o.Offline {
		opts.Offline = true
	}
	if o.Verbose {
		opts.LogLevel = "debug"
	}
	if err := opts.Validate(); err != nil {
		return flagship.Options{}, fmt.Errorf("configuration error: %w", err)
	}
	return opts, nil
}

// ConfigRows returns one {key, env var, value} row per setting with secrets
// masked.
func ConfigRows(path string) ([][]string, error) {
	values, err := config.Resolved(path)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(values))
	for _, k := range config.Keys() {
		v := values[k]
		if isSecret(k) {
			v = MaskSecret(v)
		}
		rows = append(rows, []string{k, config.EnvName(k), v})
	}
	return rows, nil
}

// ConfigValue returns the effective value of one setting, unmasked.
func ConfigValue(path, key string) (string, error) {
	values, err := config.Resolved(path)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("unknown key '%s', see 'flagship config list'", key)
	}
	return v, nil
}

func isSecret(key string) bool {
	return key == "api_key" || key == "secondary_api_key"
}

// MaskSecret keeps the first four characters of s.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > 4 {
		return s[:4] + "***"
	}
	return "***"
}
