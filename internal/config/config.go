package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"
)

// Environment variable names, kept compatible with the original deployment.
const (
	EnvAppName        = "GITHUB_APP_NAME"
	EnvClientID       = "GITHUB_APP_CLIENT_ID"
	EnvPrivateKey     = "GITHUB_APP_PRIVATE_KEY"
	EnvPrivateKeyPath = "GITHUB_APP_PRIVATE_KEY_PATH"
	EnvAudience       = "ALLOWED_AUDIENCE"
)

// Config holds the GitHub App identity of this service and the audience
// expected in inbound OIDC tokens. All components receive it explicitly;
// there is no ambient global configuration.
type Config struct {
	// AppName is the GitHub App display name, used in diagnostics only.
	AppName string

	// ClientID is the GitHub App client ID, used as the 'iss' claim of
	// self-signed app JWTs.
	ClientID string

	// PrivateKey is the GitHub App private key in PEM format.
	PrivateKey string

	// PrivateKeyPath optionally points to a PEM file instead of inlining the key.
	PrivateKeyPath string

	// AllowedAudience is the audience inbound OIDC tokens must carry.
	AllowedAudience string
}

type fileConfig struct {
	GitHubApp struct {
		Name           string `mapstructure:"name"`
		ClientID       string `mapstructure:"client_id"`
		PrivateKey     string `mapstructure:"private_key"`
		PrivateKeyPath string `mapstructure:"private_key_path"`
	} `mapstructure:"github_app"`
	AllowedAudience string `mapstructure:"allowed_audience"`
}

// FromEnv builds a Config from environment variables only.
// Missing values are reported by Validate, not here, so a misconfigured
// process can still start and answer requests with a proper error.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads the YAML config file at path and overlays environment variables
// on top. Environment always wins.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	var fc fileConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   &fc,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	cfg := &Config{
		AppName:         fc.GitHubApp.Name,
		ClientID:        fc.GitHubApp.ClientID,
		PrivateKey:      fc.GitHubApp.PrivateKey,
		PrivateKeyPath:  fc.GitHubApp.PrivateKeyPath,
		AllowedAudience: fc.AllowedAudience,
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAppName); v != "" {
		c.AppName = v
	}
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvPrivateKey); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv(EnvPrivateKeyPath); v != "" {
		c.PrivateKeyPath = v
	}
	if v := os.Getenv(EnvAudience); v != "" {
		c.AllowedAudience = v
	}
}

// Validate reports every missing required setting by its environment
// variable name in a single error.
func (c *Config) Validate() error {
	var missing []string
	if c.AppName == "" {
		missing = append(missing, EnvAppName)
	}
	if c.ClientID == "" {
		missing = append(missing, EnvClientID)
	}
	if c.PrivateKey == "" && c.PrivateKeyPath == "" {
		missing = append(missing, EnvPrivateKey)
	}
	if c.AllowedAudience == "" {
		missing = append(missing, EnvAudience)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PrivateKeyBytes returns the PEM-encoded private key, reading it from
// PrivateKeyPath if the key is not inlined.
func (c *Config) PrivateKeyBytes() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.PrivateKeyPath != "" {
		contents, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key file: %w", err)
		}
		return contents, nil
	}
	return nil, fmt.Errorf("no private key configured")
}
