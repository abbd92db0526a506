package config

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "kitsune"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// FederationPolicy selects whether FederationDomains is an allow-list or a
// deny-list for the Federation Filter (§4.4).
type FederationPolicy string

const (
	PolicyAllow FederationPolicy = "allow"
	PolicyDeny  FederationPolicy = "deny"
)

// AppConfig is the federation core's full runtime configuration.
type AppConfig struct {
	Conf struct {
		Host      string `yaml:"host"`
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`

		WithJournald bool `yaml:"withJournald"`
		WithPprof    bool `yaml:"withPprof"`

		// Fetcher (§4.5)
		MaxFetchDepth int `yaml:"maxFetchDepth"`

		// Deliverer (§4.7) / HTTP Client (§4.1)
		MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`
		HttpTimeoutSeconds    int `yaml:"httpTimeoutSeconds"`
		MaxBodyBytes          int `yaml:"maxBodyBytes"`

		// Job Queue Adapter (§4.9); 0 means runtime.NumCPU()
		JobQueueWorkers int `yaml:"jobQueueWorkers"`

		// Federation Filter (§4.4)
		FederationPolicy  FederationPolicy `yaml:"federationPolicy"`
		FederationDomains []string         `yaml:"federationDomains"`
	}
}

// ReadConf loads configuration the way the teacher does: a local or
// user-config-dir config.yaml if present, else the embedded default, then
// KITSUNE_* environment variable overrides with validation/clamping.
func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)
	clamp(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("KITSUNE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("KITSUNE_HTTPPORT"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Printf("Error parsing KITSUNE_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = n
		}
	}
	if v := os.Getenv("KITSUNE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if os.Getenv("KITSUNE_WITH_JOURNALD") == "true" {
		c.Conf.WithJournald = true
	}
	if os.Getenv("KITSUNE_WITH_PPROF") == "true" {
		c.Conf.WithPprof = true
	}
	if v := os.Getenv("KITSUNE_MAX_FETCH_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Printf("Error parsing KITSUNE_MAX_FETCH_DEPTH: %v", err)
		} else {
			c.Conf.MaxFetchDepth = n
		}
	}
	if v := os.Getenv("KITSUNE_MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Printf("Error parsing KITSUNE_MAX_CONCURRENT_REQUESTS: %v", err)
		} else {
			c.Conf.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("KITSUNE_FEDERATION_POLICY"); v != "" {
		c.Conf.FederationPolicy = FederationPolicy(v)
	}
}

// clamp bounds settings to a sane range, the discipline the teacher applies
// to MaxChars: zero or negative values fall back to the default silently,
// and values above a maximum are capped at it with a warning.
func clamp(c *AppConfig) {
	if c.Conf.MaxFetchDepth <= 0 {
		c.Conf.MaxFetchDepth = 30
	} else if c.Conf.MaxFetchDepth > 128 {
		log.Printf("maxFetchDepth %d exceeds maximum of 128, capping at 128", c.Conf.MaxFetchDepth)
		c.Conf.MaxFetchDepth = 128
	}

	if c.Conf.MaxConcurrentRequests <= 0 {
		c.Conf.MaxConcurrentRequests = 10
	} else if c.Conf.MaxConcurrentRequests > 64 {
		log.Printf("maxConcurrentRequests %d exceeds maximum of 64, capping at 64", c.Conf.MaxConcurrentRequests)
		c.Conf.MaxConcurrentRequests = 64
	}

	if c.Conf.HttpTimeoutSeconds <= 0 {
		c.Conf.HttpTimeoutSeconds = 30
	}

	if c.Conf.MaxBodyBytes <= 0 {
		c.Conf.MaxBodyBytes = 1 << 20
	}

	if c.Conf.FederationPolicy != PolicyAllow && c.Conf.FederationPolicy != PolicyDeny {
		c.Conf.FederationPolicy = PolicyDeny
	}
}

// GetConfigDir returns (creating if needed) the user config directory for
// kitsune, e.g. ~/.config/kitsune.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolveFilePath looks for name in the current working directory first,
// then falls back to the user config directory.
func ResolveFilePath(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}
	if dir, err := GetConfigDir(); err == nil {
		return filepath.Join(dir, name)
	}
	return name
}

// ResolveFilePathWithSubdir is ResolveFilePath scoped under a subdirectory of
// the user config directory, e.g. for the on-disk sqlite database file.
func ResolveFilePathWithSubdir(subdir string, name string) string {
	if _, err := os.Stat(filepath.Join(subdir, name)); err == nil {
		return filepath.Join(subdir, name)
	}
	if dir, err := GetConfigDir(); err == nil {
		full := filepath.Join(dir, subdir)
		if err := os.MkdirAll(full, 0755); err == nil {
			return filepath.Join(full, name)
		}
	}
	return filepath.Join(subdir, name)
}
