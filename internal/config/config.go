package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/sink"
	"github.com/christian-lee/birdsong/internal/species"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	BackendFFmpeg    = "ffmpeg"
	BackendPortAudio = "portaudio"
)

type Config struct {
	Capture    CaptureConfig     `yaml:"capture"`
	Analyser   AnalyserConfig    `yaml:"analyser"`
	Detection  DetectionConfig   `yaml:"detection"`
	Signatures []SignatureConfig `yaml:"signatures"` // empty means the built-in table
	Web        WebConfig         `yaml:"web"`
	Store      StoreConfig       `yaml:"store"`
	Export     ExportConfig      `yaml:"export"`
	Kafka      KafkaConfig       `yaml:"kafka"`
}

type CaptureConfig struct {
	Backend          string `yaml:"backend"` // ffmpeg | portaudio
	Input            string `yaml:"input"`   // device name, file path or URL
	Format           string `yaml:"format"`  // ffmpeg input format, e.g. alsa, pulse
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
}

type AnalyserConfig struct {
	FFTSize     int     `yaml:"fft_size"`
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
	TickRate    int     `yaml:"tick_rate"` // frames per second
}

type DetectionConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

type SignatureConfig struct {
	Key            string  `yaml:"key"`
	Emoji          string  `yaml:"emoji"`
	CommonName     string  `yaml:"common_name"`
	ScientificName string  `yaml:"scientific_name"`
	Low            float64 `yaml:"low"`
	Mid            float64 `yaml:"mid"`
	High           float64 `yaml:"high"`
}

type WebConfig struct {
	Port     int    `yaml:"port"`
	Username string `yaml:"username"` // login disabled when empty
	Password string `yaml:"password"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ExportConfig struct {
	Dir      string `yaml:"dir"`
	Timezone string `yaml:"timezone"` // IANA name or Local
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"` // sink disabled when empty
	Topic        string        `yaml:"topic"`
	Async        bool          `yaml:"async"`
	RequiredAcks string        `yaml:"required_acks"` // none, one or all
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	a := audio.DefaultAnalyserOptions()
	return &Config{
		Capture: CaptureConfig{
			Backend:    BackendFFmpeg,
			Input:      "default",
			Format:     "alsa",
			SampleRate: 44100,
			Channels:   1,
		},
		Analyser: AnalyserConfig{
			FFTSize:     a.FFTSize,
			Smoothing:   a.Smoothing,
			MinDecibels: a.MinDecibels,
			MaxDecibels: a.MaxDecibels,
			TickRate:    60,
		},
		Detection: DetectionConfig{EnergyThreshold: session.DefaultEnergyThreshold},
		Web:       WebConfig{Port: 8899},
		Store:     StoreConfig{Path: "birdsong.db"},
		Export:    ExportConfig{Dir: "exports", Timezone: "Local"},
		Kafka: KafkaConfig{
			Topic:        "birdsong.detections",
			RequiredAcks: "one",
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Capture.Backend {
	case BackendFFmpeg, BackendPortAudio:
	default:
		return fmt.Errorf("%w: capture.backend %q", ErrInvalid, c.Capture.Backend)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("%w: capture.sample_rate must be positive", ErrInvalid)
	}
	if c.Capture.Channels < 1 || c.Capture.Channels > 2 {
		return fmt.Errorf("%w: capture.channels must be 1 or 2", ErrInvalid)
	}
	if n := c.Analyser.FFTSize; n < 32 || n&(n-1) != 0 {
		return fmt.Errorf("%w: analyser.fft_size must be a power of two >= 32", ErrInvalid)
	}
	if c.Analyser.Smoothing < 0 || c.Analyser.Smoothing >= 1 {
		return fmt.Errorf("%w: analyser.smoothing must be in [0,1)", ErrInvalid)
	}
	if c.Analyser.MaxDecibels <= c.Analyser.MinDecibels {
		return fmt.Errorf("%w: analyser.max_decibels must exceed min_decibels", ErrInvalid)
	}
	if c.Analyser.TickRate <= 0 || c.Analyser.TickRate > c.Capture.SampleRate {
		return fmt.Errorf("%w: analyser.tick_rate out of range", ErrInvalid)
	}
	if c.Detection.EnergyThreshold < 0 || c.Detection.EnergyThreshold > 255 {
		return fmt.Errorf("%w: detection.energy_threshold must be in [0,255]", ErrInvalid)
	}
	if _, err := c.Table(); err != nil {
		return fmt.Errorf("%w: signatures: %v", ErrInvalid, err)
	}
	if (c.Web.Username == "") != (c.Web.Password == "") {
		return fmt.Errorf("%w: web.username and web.password must be set together", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: export.timezone: %v", ErrInvalid, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka.topic required with brokers", ErrInvalid)
	}
	if _, err := c.Kafka.Options(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Table builds the signature table, falling back to the built-in one.
func (c *Config) Table() (species.Table, error) {
	if len(c.Signatures) == 0 {
		return species.Default(), nil
	}
	sigs := make([]species.Signature, len(c.Signatures))
	seen := make(map[string]bool, len(c.Signatures))
	for i, s := range c.Signatures {
		if seen[s.Key] {
			return species.Table{}, fmt.Errorf("duplicate key %q", s.Key)
		}
		seen[s.Key] = true
		sigs[i] = species.Signature{
			Key:            s.Key,
			Emoji:          s.Emoji,
			CommonName:     s.CommonName,
			ScientificName: s.ScientificName,
			Vector:         features.Normalized{Low: s.Low, Mid: s.Mid, High: s.High},
		}
	}
	return species.NewTable(sigs)
}

// Location resolves export.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Export.Timezone == "" || c.Export.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Export.Timezone)
}

func (c AnalyserConfig) Options() audio.AnalyserOptions {
	return audio.AnalyserOptions{
		FFTSize:     c.FFTSize,
		Smoothing:   c.Smoothing,
		MinDecibels: c.MinDecibels,
		MaxDecibels: c.MaxDecibels,
	}
}

// Options maps the writer settings onto the Kafka sink. An empty
// required_acks keeps the sink default.
func (c KafkaConfig) Options() ([]sink.KafkaOption, error) {
	if c.BatchTimeout < 0 {
		return nil, errors.New("kafka.batch_timeout must not be negative")
	}
	opts := []sink.KafkaOption{sink.WithAsync(c.Async)}
	if c.BatchTimeout > 0 {
		opts = append(opts, sink.WithBatchTimeout(c.BatchTimeout))
	}
	if c.RequiredAcks != "" {
		acks, err := sink.ParseRequiredAcks(c.RequiredAcks)
		if err != nil {
			return nil, fmt.Errorf("kafka.required_acks: %w", err)
		}
		opts = append(opts, sink.WithRequiredAcks(acks))
	}
	return opts, nil
}

// ListenOptions derives the options for the next listening session.
func (c *Config) ListenOptions() (session.Options, error) {
	table, err := c.Table()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Detector: session.Detector{
			Threshold: c.Detection.EnergyThreshold,
			Table:     table,
		},
		Analyser:   c.Analyser.Options(),
		SampleRate: c.Capture.SampleRate,
		Channels:   c.Capture.Channels,
		TickRate:   c.Analyser.TickRate,
	}, nil
}
