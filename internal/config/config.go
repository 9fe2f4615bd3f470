package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
)

const (
	envConfigPath     = "HE_WEBTESTER_CONFIG"
	DefaultConfigPath = "/etc/he-webtester/agent.yaml"
)

type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Site      SiteConfig      `yaml:"site"`
	Collector CollectorConfig `yaml:"collector"`
	Run       RunConfig       `yaml:"run"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`
	UserAgent string `yaml:"user_agent"`
	Platform  string `yaml:"platform"`
	LogLevel  string `yaml:"log_level"`
}

// SiteConfig locates delays.csv and he-test-domain. URL is an http(s) base or
// a local directory.
type SiteConfig struct {
	URL               string `yaml:"url"`
	MinisignPublicKey string `yaml:"minisign_public_key"`
	// BaseDomain and Delays override the site resources when set.
	BaseDomain string   `yaml:"base_domain"`
	Delays     []string `yaml:"delays"`
}

type CollectorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RunConfig struct {
	Variant         string            `yaml:"variant"`
	Repetitions     int               `yaml:"repetitions"`
	Randomize       bool              `yaml:"randomize"`
	Reroll          bool              `yaml:"reroll"`
	Settle          time.Duration     `yaml:"settle"`
	InterRepetition time.Duration     `yaml:"inter_repetition"`
	InterProbe      time.Duration     `yaml:"inter_probe"`
	ProbeTimeout    time.Duration     `yaml:"probe_timeout"`
	AutoTransmit    bool              `yaml:"auto_transmit"`
	UserInfo        string            `yaml:"user_info"`
	ResolverInfo    string            `yaml:"resolver_info"`
	Metadata        map[string]string `yaml:"metadata"`
	// Runs and Interval make the agent loop; zero Runs loops until stopped.
	Runs     int           `yaml:"runs"`
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			DataDir:   "/var/lib/he-webtester",
			UserAgent: "he-webtester/0.1.0",
			LogLevel:  "info",
		},
		Collector: CollectorConfig{Timeout: 30 * time.Second},
		Run: RunConfig{
			Variant:         string(ident.VariantIP),
			Repetitions:     1,
			Settle:          500 * time.Millisecond,
			InterRepetition: 5 * time.Second,
			InterProbe:      50 * time.Millisecond,
			ProbeTimeout:    30 * time.Second,
			Runs:            1,
			Interval:        time.Hour,
		},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// LoadOptional behaves like Load, or LoadFromEnv for an empty path, but
// returns the defaults when the file does not exist.
func LoadOptional(ctx context.Context, path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	if path == "" {
		cfg, err = LoadFromEnv(ctx)
	} else {
		cfg, err = Load(ctx, path)
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks values the agent cannot run without.
func (c Config) Validate() error {
	if _, err := ident.ParseVariant(c.Run.Variant); err != nil {
		return fmt.Errorf("run.variant: %w", err)
	}
	if c.Run.Repetitions <= 0 {
		return fmt.Errorf("run.repetitions must be positive, got %d", c.Run.Repetitions)
	}
	if c.Site.URL == "" && (c.Site.BaseDomain == "" || len(c.Site.Delays) == 0) {
		return errors.New("site.url is required unless site.base_domain and site.delays are set")
	}
	if c.Run.Runs < 0 {
		return fmt.Errorf("run.runs must not be negative, got %d", c.Run.Runs)
	}
	return nil
}

// Write stores cfg at path, replacing any existing file.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure config dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit config %q: %w", path, err)
	}
	return nil
}
