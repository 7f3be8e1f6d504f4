package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, BackendFFmpeg, cfg.Capture.Backend)
	assert.Equal(t, 44100, cfg.Capture.SampleRate)
	assert.Equal(t, 2048, cfg.Analyser.FFTSize)
	assert.Equal(t, 60, cfg.Analyser.TickRate)
	assert.Equal(t, 70.0, cfg.Detection.EnergyThreshold)
	assert.Equal(t, 8899, cfg.Web.Port)
	assert.Equal(t, "birdsong.detections", cfg.Kafka.Topic)

	table, err := cfg.Table()
	require.NoError(t, err)
	assert.Equal(t, 5, table.Len())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
capture:
  backend: portaudio
  channels: 2
detection:
  energy_threshold: 90
signatures:
  - key: chincol
    common_name: Chincol
    scientific_name: Zonotrichia capensis
    low: 0.2
    mid: 0.5
    high: 0.3
export:
  timezone: America/Santiago
`))
	require.NoError(t, err)

	assert.Equal(t, BackendPortAudio, cfg.Capture.Backend)
	assert.Equal(t, 2, cfg.Capture.Channels)
	assert.Equal(t, 44100, cfg.Capture.SampleRate)

	opts, err := cfg.ListenOptions()
	require.NoError(t, err)
	assert.Equal(t, 90.0, opts.Detector.Threshold)
	assert.Equal(t, 1, opts.Detector.Table.Len())
	sig, ok := opts.Detector.Table.Lookup("chincol")
	require.True(t, ok)
	assert.Equal(t, 0.5, sig.Vector.Mid)
	assert.Equal(t, 2048, opts.Analyser.FFTSize)
	assert.Equal(t, 60, opts.TickRate)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Santiago", loc.String())
}

func TestKafkaOptions(t *testing.T) {
	cfg, err := Parse([]byte("kafka: {brokers: [localhost:9092], async: true, required_acks: all, batch_timeout: 10ms}"))
	require.NoError(t, err)

	opts, err := cfg.Kafka.Options()
	require.NoError(t, err)
	w := &kafka.Writer{}
	for _, o := range opts {
		o(w)
	}
	assert.True(t, w.Async)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)

	defaults, err := Default().Kafka.Options()
	require.NoError(t, err)
	w = &kafka.Writer{}
	for _, o := range defaults {
		o(w)
	}
	assert.False(t, w.Async)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.Equal(t, 50*time.Millisecond, w.BatchTimeout)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"backend", "capture: {backend: jack}"},
		{"channels", "capture: {channels: 6}"},
		{"fft size", "analyser: {fft_size: 1000}"},
		{"smoothing", "analyser: {smoothing: 1}"},
		{"decibels", "analyser: {min_decibels: -30, max_decibels: -100}"},
		{"tick rate", "analyser: {tick_rate: 0}"},
		{"threshold", "detection: {energy_threshold: 300}"},
		{"signature key", "signatures: [{low: 1}]"},
		{"negative component", "signatures: [{key: a, low: -1}]"},
		{"duplicate key", "signatures: [{key: a, low: 1}, {key: a, mid: 1}]"},
		{"half login", "web: {username: admin}"},
		{"timezone", "export: {timezone: Mars/Olympus}"},
		{"kafka topic", "kafka: {brokers: [localhost:9092], topic: ''}"},
		{"kafka acks", "kafka: {required_acks: leader}"},
		{"kafka batch timeout", "kafka: {batch_timeout: -1s}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("capture: ["))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestHotConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection: {energy_threshold: 50}\n"), 0o644))

	hc, err := NewHotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50.0, hc.Get().Detection.EnergyThreshold)

	var seen atomic.Int64
	hc.OnReload(func(c *Config) { seen.Store(int64(c.Detection.EnergyThreshold)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hc.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("detection: {energy_threshold: 80}\n"), 0o644))
	require.Eventually(t, func() bool { return seen.Load() == 80 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 80.0, hc.Get().Detection.EnergyThreshold)
}

func TestHotConfigKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection: {energy_threshold: 50}\n"), 0o644))
	hc, err := NewHotConfig(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("detection: {energy_threshold: 999}\n"), 0o644))
	assert.False(t, hc.reload())
	assert.Equal(t, 50.0, hc.Get().Detection.EnergyThreshold)
}

func TestHotConfigFromDefaultsPicksUpNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	hc := NewHotConfigFrom(path, Default())
	assert.Equal(t, 70.0, hc.Get().Detection.EnergyThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hc.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("detection: {energy_threshold: 85}\n"), 0o644))
	require.Eventually(t, func() bool { return hc.Get().Detection.EnergyThreshold == 85 }, 5*time.Second, 20*time.Millisecond)
}
