package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Segment SegmentConfig `yaml:"segment"`
	Context ContextConfig `yaml:"context"`
	ASR     ASRConfig     `yaml:"asr"`
	Output  OutputConfig  `yaml:"output"`
	Server  ServerConfig  `yaml:"server"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

// AudioConfig contains conversion and extraction parameters
type AudioConfig struct {
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	WorkDir        string `yaml:"work_dir"`
	SegmentCodec   string `yaml:"segment_codec"`
	SegmentBitrate string `yaml:"segment_bitrate"`
	SegmentFormat  string `yaml:"segment_format"`
	CommandTimeout int    `yaml:"command_timeout"` // seconds
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	WindowDuration    float64 `yaml:"window_duration"` // seconds
	HopDuration       float64 `yaml:"hop_duration"`    // seconds
	EnergyThreshold   float64 `yaml:"energy_threshold"`
	Threshold         float64 `yaml:"threshold"`
	MinSpeechDuration float64 `yaml:"min_speech_duration"` // seconds
}

// SegmentConfig contains grouping and segment limits
type SegmentConfig struct {
	MaxDuration        float64 `yaml:"max_duration"`          // seconds
	MinSilenceForSplit float64 `yaml:"min_silence_for_split"` // seconds
	SplitTrigger       float64 `yaml:"split_trigger"`         // fraction of max_duration
	MaxSize            int64   `yaml:"max_size"`              // bytes
	DurationTolerance  float64 `yaml:"duration_tolerance"`    // seconds
}

// ContextConfig contains prompt assembly parameters
type ContextConfig struct {
	MaxTokens    int    `yaml:"max_tokens"`
	TokenCounter string `yaml:"token_counter"`
	Scenario     string `yaml:"scenario"`
}

// ASRConfig contains recognition service configuration
type ASRConfig struct {
	Provider      string         `yaml:"provider"`
	BaseURL       string         `yaml:"base_url"`
	APIKey        string         `yaml:"api_key"`
	Model         string         `yaml:"model"`
	Language      string         `yaml:"language"`
	Timeout       int            `yaml:"timeout"` // seconds
	MaxRetries    int            `yaml:"max_retries"`
	RetryDelay    float64        `yaml:"retry_delay"` // seconds
	Backoff       bool           `yaml:"backoff"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	EnableITN     bool           `yaml:"enable_itn"`
	EnableLID     bool           `yaml:"enable_lid"`
	Fallback      FallbackConfig `yaml:"fallback"`
}

// FallbackConfig names a second provider used when the primary one fails
type FallbackConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// OutputConfig contains result file configuration
type OutputConfig struct {
	Dir     string   `yaml:"dir"` // empty writes next to the input
	Formats []string `yaml:"formats"`
	Save    bool     `yaml:"save"`
}

// ServerConfig contains HTTP API server configuration
type ServerConfig struct {
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// JobsConfig contains background job configuration
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueued     int `yaml:"max_queued"`
	Retention     int `yaml:"retention"`        // seconds a finished job is kept
	CleanupPeriod int `yaml:"cleanup_interval"` // seconds
}

// WatchConfig contains folder watcher configuration
type WatchConfig struct {
	Dir         string   `yaml:"dir"`
	Extensions  []string `yaml:"extensions"`
	SettleDelay float64  `yaml:"settle_delay"` // seconds without writes before a file is submitted
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			SampleRate:     16000,
			Channels:       1,
			WorkDir:        filepath.Join(os.TempDir(), "voicer"),
			SegmentCodec:   "libopus",
			SegmentBitrate: "64k",
			SegmentFormat:  "opus",
			CommandTimeout: 300,
		},
		VAD: VADConfig{
			WindowDuration:    0.5,
			HopDuration:       0.1,
			EnergyThreshold:   0.001,
			Threshold:         0.5,
			MinSpeechDuration: 0.3,
		},
		Segment: SegmentConfig{
			MaxDuration:        180,
			MinSilenceForSplit: 0.5,
			SplitTrigger:       0.8,
			MaxSize:            10 * 1024 * 1024,
			DurationTolerance:  0.5,
		},
		Context: ContextConfig{
			MaxTokens:    9000,
			TokenCounter: "qwen",
		},
		ASR: ASRConfig{
			Provider:      "siliconflow",
			Model:         "FunAudioLLM/SenseVoiceSmall",
			Language:      "zh",
			Timeout:       180,
			MaxRetries:    3,
			RetryDelay:    1.0,
			MaxConcurrent: 4,
			EnableITN:     true,
		},
		Output: OutputConfig{
			Formats: []string{"txt"},
			Save:    true,
		},
		Server: ServerConfig{
			Address:         "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 30,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			MaxQueued:     100,
			Retention:     3600,
			CleanupPeriod: 60,
		},
		Watch: WatchConfig{
			Extensions:  []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".opus", ".aac", ".mp4", ".webm"},
			SettleDelay: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the
// file keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse parses YAML on top of the defaults, fills API keys from the
// environment and validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills empty API keys from VOICER_API_KEY or the provider
// specific variable (DASHSCOPE_API_KEY, SILICONFLOW_API_KEY, OPENAI_API_KEY)
func (c *Config) ApplyEnv() {
	if c.ASR.APIKey == "" {
		c.ASR.APIKey = apiKeyFromEnv(c.ASR.Provider)
	}
	if c.ASR.Fallback.Provider != "" && c.ASR.Fallback.APIKey == "" {
		c.ASR.Fallback.APIKey = apiKeyFromEnv(c.ASR.Fallback.Provider)
	}
}

func apiKeyFromEnv(provider string) string {
	if key := os.Getenv("VOICER_API_KEY"); key != "" {
		return key
	}
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("segment config: %w", err)
	}

	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context config: %w", err)
	}

	if err := c.ASR.Validate(); err != nil {
		return fmt.Errorf("asr config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.FFmpegPath == "" || a.FFprobePath == "" {
		return fmt.Errorf("ffmpeg_path and ffprobe_path cannot be empty")
	}

	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for voice activity detection, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}

	if a.SegmentCodec == "" || a.SegmentFormat == "" {
		return fmt.Errorf("segment_codec and segment_format cannot be empty")
	}

	if a.CommandTimeout < 1 {
		return fmt.Errorf("command_timeout must be at least 1 second, got %d", a.CommandTimeout)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.WindowDuration <= 0 {
		return fmt.Errorf("window_duration must be positive, got %f", v.WindowDuration)
	}

	if v.HopDuration <= 0 || v.HopDuration > v.WindowDuration {
		return fmt.Errorf("hop_duration must be in (0, window_duration], got %f", v.HopDuration)
	}

	if v.EnergyThreshold <= 0 {
		return fmt.Errorf("energy_threshold must be positive, got %f", v.EnergyThreshold)
	}

	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", v.MinSpeechDuration)
	}

	return nil
}

// Validate validates segment configuration
func (s *SegmentConfig) Validate() error {
	if s.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %f", s.MaxDuration)
	}

	if s.MinSilenceForSplit < 0 {
		return fmt.Errorf("min_silence_for_split cannot be negative, got %f", s.MinSilenceForSplit)
	}

	if s.SplitTrigger <= 0 || s.SplitTrigger > 1 {
		return fmt.Errorf("split_trigger must be in (0, 1], got %f", s.SplitTrigger)
	}

	if s.MaxSize < 1024 {
		return fmt.Errorf("max_size must be at least 1024 bytes, got %d", s.MaxSize)
	}

	if s.DurationTolerance < 0 {
		return fmt.Errorf("duration_tolerance cannot be negative, got %f", s.DurationTolerance)
	}

	return nil
}

// Validate validates context configuration
func (c *ContextConfig) Validate() error {
	if c.MaxTokens < 200 {
		return fmt.Errorf("max_tokens must be at least 200, got %d", c.MaxTokens)
	}

	validCounters := map[string]bool{
		"qwen": true, "openai": true, "claude": true, "simple": true, "chars": true,
	}
	if !validCounters[c.TokenCounter] {
		return fmt.Errorf("token_counter must be one of [qwen, openai, claude, simple, chars], got '%s'", c.TokenCounter)
	}

	return nil
}

var validProviders = map[string]bool{"openai": true, "siliconflow": true, "dashscope": true}

// Validate validates ASR configuration
func (a *ASRConfig) Validate() error {
	if !validProviders[a.Provider] {
		return fmt.Errorf("provider must be one of [openai, siliconflow, dashscope], got '%s'", a.Provider)
	}

	if a.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or via VOICER_API_KEY)")
	}

	if a.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", a.MaxRetries)
	}

	if a.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %f", a.RetryDelay)
	}

	if a.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", a.MaxConcurrent)
	}

	if a.Fallback.Provider != "" {
		if !validProviders[a.Fallback.Provider] {
			return fmt.Errorf("fallback provider must be one of [openai, siliconflow, dashscope], got '%s'", a.Fallback.Provider)
		}
		if a.Fallback.APIKey == "" {
			return fmt.Errorf("fallback api_key cannot be empty")
		}
		if a.Fallback.Model == "" {
			return fmt.Errorf("fallback model cannot be empty")
		}
	}

	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	validFormats := map[string]bool{"txt": true, "srt": true, "json": true}
	for _, f := range o.Formats {
		if !validFormats[f] {
			return fmt.Errorf("formats must be a subset of [txt, srt, json], got '%s'", f)
		}
	}
	return nil
}

// Validate validates HTTP server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates jobs configuration
func (j *JobsConfig) Validate() error {
	if j.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", j.MaxConcurrent)
	}

	if j.MaxQueued < 1 {
		return fmt.Errorf("max_queued must be at least 1, got %d", j.MaxQueued)
	}

	if j.Retention < 1 {
		return fmt.Errorf("retention must be at least 1 second, got %d", j.Retention)
	}

	if j.CleanupPeriod < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", j.CleanupPeriod)
	}

	return nil
}

// Validate validates watcher configuration. The directory is only checked
// when the watch command runs.
func (w *WatchConfig) Validate() error {
	if len(w.Extensions) == 0 {
		return fmt.Errorf("extensions cannot be empty")
	}

	for _, ext := range w.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension must start with a dot, got '%s'", ext)
		}
	}

	if w.SettleDelay < 0 {
		return fmt.Errorf("settle_delay cannot be negative, got %f", w.SettleDelay)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}

	return nil
}

// IsFile reports whether logs go to a file rather than a standard stream
func (l *LoggingConfig) IsFile() bool {
	return l.Output != "stdout" && l.Output != "stderr"
}

// GetCommandTimeout returns the ffmpeg command timeout as a time.Duration
func (a *AudioConfig) GetCommandTimeout() time.Duration {
	return time.Duration(a.CommandTimeout) * time.Second
}

// GetTimeoutDuration returns the recognition timeout as a time.Duration
func (a *ASRConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetRetryDelay returns the retry delay as a time.Duration
func (a *ASRConfig) GetRetryDelay() time.Duration {
	return time.Duration(a.RetryDelay * float64(time.Second))
}

// GetShutdownTimeout returns the server shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetRetention returns how long finished jobs are kept
func (j *JobsConfig) GetRetention() time.Duration {
	return time.Duration(j.Retention) * time.Second
}

// GetCleanupInterval returns the job cleanup interval
func (j *JobsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(j.CleanupPeriod) * time.Second
}

// GetSettleDelay returns the watcher settle delay as a time.Duration
func (w *WatchConfig) GetSettleDelay() time.Duration {
	return time.Duration(w.SettleDelay * float64(time.Second))
}
