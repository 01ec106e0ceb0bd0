package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Catalog    CatalogConfig    `toml:"catalog"`
	Generation GenerationConfig `toml:"generation"`
	Server     ServerConfig     `toml:"server"`
	Path       string           `toml:"-"`
}

type CatalogConfig struct {
	BaseURL      string `toml:"base_url"`
	RelatedLimit int    `toml:"related_limit"`
	SampleSize   int    `toml:"sample_size"`
	TimeoutMS    int    `toml:"timeout_ms"`
	FetchWorkers int    `toml:"fetch_workers"`
}

type GenerationConfig struct {
	Endpoint       string  `toml:"endpoint"`
	Model          string  `toml:"model"`
	Token          string  `toml:"token"`
	Language       string  `toml:"language"`
	MaxTokens      int     `toml:"max_tokens"`
	Temperature    float64 `toml:"temperature"`
	TopP           float64 `toml:"top_p"`
	Retries        int     `toml:"retries"`
	RetryBackoffMS int     `toml:"retry_backoff_ms"`
	TimeoutMS      int     `toml:"timeout_ms"`
}

type ServerConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

// tokenEnvVar matches the variable name the original deployment used for the
// inference credential.
const tokenEnvVar = "HF_TOKEN"

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	raw, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == "" {
			cfg.applyEnv()
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	cfg.applyEnv()
	return cfg, nil
}

// Default returns the configuration the application runs with when no file
// overrides anything. Decoding parameters mirror the original system.
func Default() Config {
	return Config{
		Catalog: CatalogConfig{
			BaseURL:      "https://api.deezer.com",
			RelatedLimit: 20,
			SampleSize:   5,
			TimeoutMS:    15000,
			FetchWorkers: 4,
		},
		Generation: GenerationConfig{
			Endpoint:       "https://router.huggingface.co/v1/chat/completions",
			Model:          "Qwen/Qwen2.5-72B-Instruct",
			Language:       "Russian",
			MaxTokens:      1500,
			Temperature:    0.4,
			TopP:           0.9,
			Retries:        2,
			RetryBackoffMS: 1500,
			TimeoutMS:      120000,
		},
		Server: ServerConfig{
			Addr:   ":8093",
			DBPath: "data/playlistgen.db",
		},
	}
}

func (c *Config) applyEnv() {
	if strings.TrimSpace(c.Generation.Token) == "" {
		c.Generation.Token = strings.TrimSpace(os.Getenv(tokenEnvVar))
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playlistgen/config.toml"
	}
	return filepath.Join(home, ".playlistgen", "config.toml")
}
