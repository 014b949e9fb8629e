package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SandboxConfig struct {
	// TTLSeconds is the idle window after which a sandbox's content is
	// purged. It measures sandbox inactivity, not connection duration.
	TTLSeconds     int `yaml:"ttl_seconds"`
	MaxContentSize int `yaml:"max_content_size"`
}

type AuthConfig struct {
	// BaseURL of the identity provider; tokens are verified against
	// GET <BaseURL>/user with a bearer header.
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Sandbox: SandboxConfig{
			TTLSeconds:     43200, // 12h
			MaxContentSize: 256 * 1024,
		},
		Auth: AuthConfig{
			TimeoutSeconds: 10,
		},
		Store: StoreConfig{
			Path: "sandbox.db",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// TTL returns the idle-expiry window as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Sandbox.TTLSeconds) * time.Second
}

// AuthTimeout returns the identity-provider request timeout.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.TimeoutSeconds) * time.Second
}
