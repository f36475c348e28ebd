// Package config loads vonai settings from defaults, an optional YAML file,
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrMissingCredentials = errors.New("config: api key and assistant id are required")

const DefaultBaseURL = "wss://api.vonai.app/v1/call"

type Config struct {
	APIKey      string `yaml:"api_key" env:"VONAI_API_KEY"`
	AssistantID string `yaml:"assistant_id" env:"VONAI_ASSISTANT_ID"`
	BaseURL     string `yaml:"base_url" env:"VONAI_BASE_URL"`
	Device      string `yaml:"device" env:"VONAI_DEVICE"`
	LogPath     string `yaml:"log_path" env:"VONAI_LOG_PATH"`
	MetricsAddr string `yaml:"metrics_addr" env:"VONAI_METRICS_ADDR"`

	Sampler SamplerConfig `yaml:"sampler" envPrefix:"VONAI_SAMPLER_"`
	Orb     OrbConfig     `yaml:"orb" envPrefix:"VONAI_ORB_"`
}

type SamplerConfig struct {
	FFTSize       int           `yaml:"fft_size" env:"FFT_SIZE"`
	Gain          float64       `yaml:"gain" env:"GAIN"`
	FrameInterval time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL"`
}

// OrbConfig shapes the orb scale: base + amplitude*gain per state group.
type OrbConfig struct {
	SpeakingBase float64 `yaml:"speaking_base" env:"SPEAKING_BASE"`
	SpeakingGain float64 `yaml:"speaking_gain" env:"SPEAKING_GAIN"`
	ActiveBase   float64 `yaml:"active_base" env:"ACTIVE_BASE"`
	ActiveGain   float64 `yaml:"active_gain" env:"ACTIVE_GAIN"`
	IdleScale    float64 `yaml:"idle_scale" env:"IDLE_SCALE"`
}

func Default() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Sampler: SamplerConfig{
			FFTSize:       256,
			Gain:          0.6,
			FrameInterval: 16 * time.Millisecond,
		},
		Orb: OrbConfig{
			SpeakingBase: 1.2,
			SpeakingGain: 0.15,
			ActiveBase:   1.05,
			ActiveGain:   0.08,
			IdleScale:    0.85,
		},
	}
}

// Load builds the configuration. path may be empty; a missing file at path
// is an error. Environment variables override file values, and ${VAR}
// references inside the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

// LoadEnv loads ENV_FILE, or .env when ENV_FILE is unset, into the process
// environment. A missing default .env is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return godotenv.Load(envfile)
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Sampler.FFTSize == 0 {
		c.Sampler.FFTSize = 256
	}
	if c.Sampler.FrameInterval <= 0 {
		c.Sampler.FrameInterval = 16 * time.Millisecond
	}
}

// Validate checks credentials and tuning values.
func (c *Config) Validate() error {
	if c.APIKey == "" || c.AssistantID == "" {
		return ErrMissingCredentials
	}
	n := c.Sampler.FFTSize
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		return fmt.Errorf("sampler.fft_size %d: must be a power of two in [32, 32768]", n)
	}
	gains := map[string]float64{
		"sampler.gain":      c.Sampler.Gain,
		"orb.speaking_gain": c.Orb.SpeakingGain,
		"orb.active_gain":   c.Orb.ActiveGain,
	}
	for name, v := range gains {
		if v < 0 {
			return fmt.Errorf("%s %g: must not be negative", name, v)
		}
	}
	return nil
}
