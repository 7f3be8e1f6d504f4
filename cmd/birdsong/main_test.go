package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/config"
	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/species"
	"github.com/christian-lee/birdsong/internal/store"
)

type bufferSource struct{ data []byte }

func (b bufferSource) Start(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func noise(samples int, amp float64) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16((r.Float64()*2 - 1) * amp * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestClassifyUsesMediaTime(t *testing.T) {
	cfg := config.Default()
	opts, err := cfg.ListenOptions()
	require.NoError(t, err)

	start := time.UnixMilli(1_000_000)
	sess, err := classify(context.Background(), bufferSource{data: noise(44100, 0.9)}, opts, start)
	require.NoError(t, err)

	entries := sess.Entries()
	require.NotEmpty(t, entries)
	prev := int64(0)
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.TimestampMS, start.UnixMilli())
		assert.LessOrEqual(t, e.TimestampMS, start.Add(time.Second).UnixMilli())
		assert.GreaterOrEqual(t, e.TimestampMS, prev)
		prev = e.TimestampMS
		assert.GreaterOrEqual(t, e.Energy, 70)
	}

	sum := sess.Summary(time.Now())
	assert.True(t, sum.Ended)
	assert.Equal(t, 1, sum.Duration)
}

func TestClassifySilence(t *testing.T) {
	opts, err := config.Default().ListenOptions()
	require.NoError(t, err)
	sess, err := classify(context.Background(), bufferSource{data: make([]byte, 8820)}, opts, time.Now())
	require.NoError(t, err)
	assert.Empty(t, sess.Entries())
}

func TestNewSource(t *testing.T) {
	c := config.Default().Capture
	c.Input, c.NoiseSuppression = "hw:1", true
	capt, ok := newSource(c).(*audio.Capturer)
	require.True(t, ok)
	assert.Equal(t, "hw:1", capt.Input)
	assert.Equal(t, "alsa", capt.Format)
	assert.True(t, capt.NoiseSuppression)

	c.Backend = config.BackendPortAudio
	c.Channels = 2
	mic, ok := newSource(c).(*audio.MicCapturer)
	require.True(t, ok)
	assert.Equal(t, 2, mic.Channels)
}

func TestSignaturesCommand(t *testing.T) {
	path := writeConfig(t, `
signatures:
  - key: chincol
    emoji: "🐤"
    common_name: Chincol
    scientific_name: Zonotrichia capensis
    low: 0.2
    mid: 0.5
    high: 0.3
`)
	out := runCLI(t, "signatures", "--config", path)
	assert.Contains(t, out, "chincol")
	assert.Contains(t, out, "Chincol (Zonotrichia capensis)")
	assert.Contains(t, out, "0.50")
}

func TestSessionsAndExportCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "birdsong.db")

	st, err := store.NewStore(dbPath)
	require.NoError(t, err)
	sig, _ := species.Default().Lookup("loica")
	start := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, st.BeginSession("field-1", start))
	require.NoError(t, st.SaveDetection(session.Detection{
		SessionID:   "field-1",
		Timestamp:   start.Add(time.Second),
		Band:        features.BandMid,
		TotalEnergy: 150,
		Normalized:  features.Normalized{Low: 0.25, Mid: 0.45, High: 0.3},
		Result:      species.Result{Signature: sig, Confidence: 100},
	}))
	require.NoError(t, st.EndSession("field-1", start.Add(time.Minute)))
	require.NoError(t, st.Close())

	cfgPath := writeConfig(t, "store: {path: "+dbPath+"}\nexport: {timezone: UTC}\n")

	out := runCLI(t, "sessions", "--config", cfgPath)
	assert.Contains(t, out, "field-1")
	assert.Contains(t, out, "1m0s")

	csvPath := filepath.Join(dir, "out.csv")
	out = runCLI(t, "export", "field-1", "--config", cfgPath, "--out", csvPath)
	assert.Contains(t, out, "1 detections")

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"loica"`)
	assert.Contains(t, lines[1], `"2023-11-14 22:13:21"`)
}

func TestConvertParquetToCSV(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { exportFormat = "csv" })

	sig, _ := species.Default().Lookup("tenca")
	start := time.UnixMilli(1_700_000_000_000)
	sess := session.New(start)
	require.True(t, sess.Record(session.Detection{
		Timestamp:   start.Add(time.Second),
		Band:        features.BandMid,
		TotalEnergy: 120,
		Normalized:  features.Normalized{Low: 0.5, Mid: 0.3, High: 0.2},
		Result:      species.Result{Signature: sig, Confidence: 85},
	}))
	parquetPath := filepath.Join(dir, "field.parquet")
	require.NoError(t, export.WriteParquet(parquetPath, sess.Entries()))

	cfgPath := writeConfig(t, "export: {timezone: UTC}\n")
	out := runCLI(t, "convert", parquetPath, "--config", cfgPath)
	assert.Contains(t, out, "1 detections")

	data, err := os.ReadFile(filepath.Join(dir, "field.csv"))
	require.NoError(t, err)
	var want bytes.Buffer
	require.NoError(t, export.WriteCSV(&want, sess.Entries(), time.UTC))
	assert.Equal(t, want.String(), string(data))
	assert.Contains(t, string(data), `"2023-11-14 22:13:21","tenca"`)
}

func TestLoadHotConfigFallsBackToDefaults(t *testing.T) {
	saved := cfgPath
	t.Cleanup(func() { cfgPath = saved })
	cfgPath = filepath.Join(t.TempDir(), "config.yaml")

	hc, err := loadHotConfig(&cobra.Command{Use: "listen"})
	require.NoError(t, err)
	assert.Equal(t, config.Default(), hc.Get())

	explicit := &cobra.Command{Use: "listen"}
	explicit.Flags().String("config", "", "")
	require.NoError(t, explicit.Flags().Set("config", cfgPath))
	_, err = loadHotConfig(explicit)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(cfgPath, []byte("web: {port: 9000}\n"), 0o644))
	hc, err = loadHotConfig(&cobra.Command{Use: "listen"})
	require.NoError(t, err)
	assert.Equal(t, 9000, hc.Get().Web.Port)
}

func TestStartDispatcherOutlivesSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var liveCtx atomic.Int64
	disp := session.NewDispatcher(4)
	disp.Register("recorder", session.ObserverFunc(func(ctx context.Context, d session.Detection) error {
		if ctx.Err() == nil {
			liveCtx.Add(1)
		}
		return nil
	}))
	startDispatcher(ctx, disp)

	cancel()
	disp.Publish(session.Detection{SessionID: "late"})
	disp.Publish(session.Detection{SessionID: "later"})
	disp.Close()

	assert.Equal(t, int64(2), liveCtx.Load())
}
