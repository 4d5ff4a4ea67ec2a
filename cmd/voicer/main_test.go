package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voicer/internal/config"
	"github.com/skypro1111/voicer/internal/pipeline"
)

// probeConfig runs loadConfig inside a subcommand of the real root so
// persistent flags are parsed the same way as in production
func probeConfig(t *testing.T, args ...string) (*config.Config, string, error) {
	t.Helper()

	var (
		cfg  *config.Config
		path string
		err  error
	)
	root := newRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err = loadConfig(cmd)
			return nil
		},
	})
	root.SetArgs(append([]string{"probe"}, args...))
	require.NoError(t, root.Execute())
	return cfg, path, err
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "voicer dev\n", out.String())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("VOICER_API_KEY", "env-key")

	cfg, path, err := probeConfig(t)
	require.NoError(t, err)
	assert.Equal(t, "(defaults)", path)
	assert.Equal(t, "env-key", cfg.ASR.APIKey)
	assert.Equal(t, "siliconflow", cfg.ASR.Provider)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	t.Setenv("VOICER_API_KEY", "env-key")

	_, _, err := probeConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestLoadConfigFileAndLogLevel(t *testing.T) {
	t.Setenv("VOICER_API_KEY", "")
	t.Setenv("DASHSCOPE_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
asr:
  provider: dashscope
  api_key: file-key
  model: qwen3-asr-flash
`), 0644))

	cfg, got, err := probeConfig(t, "-c", path, "--log-level", "debug")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "dashscope", cfg.ASR.Provider)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, _, err = probeConfig(t, "-c", path, "--log-level", "loud")
	assert.Error(t, err)
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	t.Setenv("VOICER_API_KEY", "env-key")

	root := newRootCmd()
	root.SetArgs([]string{"run", "--format", "vtt", "meeting.wav"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--format")
}

func TestApplyRunOverrides(t *testing.T) {
	c := newRunCmd()
	require.NoError(t, c.ParseFlags([]string{
		"--vad-threshold", "0.7",
		"--min-speech-duration", "0",
		"--min-silence-duration", "1.5",
		"--max-segment-duration", "120",
		"--max-context-tokens", "4000",
		"--model", "qwen3-asr-flash",
		"--enable-itn=false",
		"--enable-lid",
		"--language", "en",
	}))

	cfg := config.Default()
	require.NoError(t, applyRunOverrides(c, cfg))

	assert.Equal(t, 0.7, cfg.VAD.Threshold)
	assert.Equal(t, 0.0, cfg.VAD.MinSpeechDuration)
	assert.Equal(t, 1.5, cfg.Segment.MinSilenceForSplit)
	assert.Equal(t, 120.0, cfg.Segment.MaxDuration)
	assert.Equal(t, 4000, cfg.Context.MaxTokens)
	assert.Equal(t, "qwen3-asr-flash", cfg.ASR.Model)
	assert.False(t, cfg.ASR.EnableITN)
	assert.True(t, cfg.ASR.EnableLID)
	assert.Equal(t, "en", cfg.ASR.Language)
}

func TestApplyRunOverridesKeepsConfigWhenUnset(t *testing.T) {
	c := newRunCmd()
	require.NoError(t, c.ParseFlags(nil))

	cfg := config.Default()
	cfg.VAD.Threshold = 0.6
	cfg.ASR.EnableITN = true
	require.NoError(t, applyRunOverrides(c, cfg))

	assert.Equal(t, 0.6, cfg.VAD.Threshold)
	assert.Equal(t, config.Default().Segment.MaxDuration, cfg.Segment.MaxDuration)
	assert.Equal(t, config.Default().ASR.Model, cfg.ASR.Model)
	assert.True(t, cfg.ASR.EnableITN)
}

func TestRunRejectsInvalidTuningFlag(t *testing.T) {
	t.Setenv("VOICER_API_KEY", "env-key")

	root := newRootCmd()
	root.SetArgs([]string{"run", "--vad-threshold", "2", "meeting.wav"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "threshold")
}

func TestRunRequiresFiles(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run"})
	assert.Error(t, root.Execute())
}

func TestInitLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "voicer.log")

	logger, closer := initLogger(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	require.NotNil(t, closer)

	logger.Debug("hidden")
	logger.Info("Run completed", "segments", 3)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Run completed"`)
	assert.Contains(t, string(data), `"segments":3`)
	assert.NotContains(t, string(data), "hidden")
}

func TestInitLoggerStreams(t *testing.T) {
	_, closer := initLogger(config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"})
	assert.Nil(t, closer)
}

func TestPrintSummary(t *testing.T) {
	results := map[string]*pipeline.Result{
		"b.wav": {
			State:        pipeline.StateSucceeded,
			Text:         "hello world",
			SegmentCount: 2,
			SuccessRate:  0.5,
			TotalTokens:  42,
			Elapsed:      1500 * time.Millisecond,
			Outcomes:     []pipeline.Outcome{{Success: true}, {Success: false}},
			OutputFiles:  map[string]string{"txt": "b.txt", "json": "b.json"},
		},
		"a.wav": {
			State: pipeline.StateFailed,
		},
	}
	errs := map[string]error{"a.wav": errors.New("[NO_SPEECH] vad stage: no speech detected")}

	var out bytes.Buffer
	printSummary(&out, []string{"b.wav", "a.wav", "c.wav"}, results, errs, true)

	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, "a.wav: failed, 0/0 segments ok (0%), 0 tokens, 0s", lines[0])
	assert.Equal(t, "  error: [NO_SPEECH] vad stage: no speech detected", lines[1])
	assert.Equal(t, "b.wav: succeeded, 1/2 segments ok (50%), 42 tokens, 1.5s", lines[2])
	assert.Equal(t, "  json: b.json", lines[3])
	assert.Equal(t, "  txt: b.txt", lines[4])
	assert.Contains(t, out.String(), "hello world")
	assert.Contains(t, out.String(), "c.wav: not processed")
}
