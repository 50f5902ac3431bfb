package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General     GeneralSettings     `yaml:"general"`
	Connections ConnectionSettings  `yaml:"connections"`
	Chunks      ChunkSettings       `yaml:"chunks"`
	Performance PerformanceSettings `yaml:"performance"`
	Server      ServerSettings      `yaml:"server"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `yaml:"default_download_dir"`
	StagingDir         string `yaml:"staging_dir"` // empty means <app dir>/staging
	Resumable          bool   `yaml:"resumable"`
	AutoResume         bool   `yaml:"auto_resume"`
	LogLevel           string `yaml:"log_level"`
}

// ConnectionSettings contains network connection parameters.
type ConnectionSettings struct {
	MaxConnectionsPerHost int    `yaml:"max_connections_per_host"`
	MaxConcurrentChunks   int    `yaml:"max_concurrent_chunks"`
	UserAgent             string `yaml:"user_agent"`
	ProxyURL              string `yaml:"proxy_url"`
	SkipTLSVerification   bool   `yaml:"skip_tls_verification"`
	RateLimit             int64  `yaml:"rate_limit"` // bytes/s per transfer, 0 = unlimited
}

// ChunkSettings contains download chunk configuration.
type ChunkSettings struct {
	MinChunkSize     int64 `yaml:"min_chunk_size"`
	WorkerBufferSize int   `yaml:"worker_buffer_size"`
}

// PerformanceSettings contains retry and progress tuning.
type PerformanceSettings struct {
	MaxTaskRetries        int           `yaml:"max_task_retries"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay         time.Duration `yaml:"retry_max_delay"`
	ProgressInterval      time.Duration `yaml:"progress_interval"`
	ProgressByteThreshold int64         `yaml:"progress_byte_threshold"`
	SpeedEmaAlpha         float64       `yaml:"speed_ema_alpha"`
}

// ServerSettings configures the control API started by `filetransfer server start`.
type ServerSettings struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"` // empty means a generated token
	// MaxBackground caps how many background transfers run at once.
	MaxBackground int `yaml:"max_background"`
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: defaultDir,
			Resumable:          true,
			AutoResume:         false,
			LogLevel:           "info",
		},
		Connections: ConnectionSettings{
			MaxConnectionsPerHost: 32,
			MaxConcurrentChunks:   4,
			UserAgent:             "", // Empty means use default UA
		},
		Chunks: ChunkSettings{
			MinChunkSize:     1 * MB,
			WorkerBufferSize: 256 * KB,
		},
		Performance: PerformanceSettings{
			MaxTaskRetries:        3,
			RetryBaseDelay:        200 * time.Millisecond,
			RetryMaxDelay:         10 * time.Second,
			ProgressInterval:      200 * time.Millisecond,
			ProgressByteThreshold: 1 * MB,
			SpeedEmaAlpha:         0.3,
		},
		Server: ServerSettings{
			ListenAddr:    "127.0.0.1:7878",
			MaxBackground: 4,
		},
	}
}

// GetSettingsPath returns the path to the settings YAML file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.yaml")
}

// LoadSettings loads settings from the default path. Returns defaults if the
// file doesn't exist.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads settings from path, overlaying defaults so missing
// keys keep their default value.
func LoadSettingsFrom(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return settings, nil
}

// SaveSettings saves settings to the default path atomically.
func SaveSettings(s *Settings) error {
	return SaveSettingsTo(s, GetSettingsPath())
}

// SaveSettingsTo writes settings to path atomically.
func SaveSettingsTo(s *Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// ResolveStagingDir returns the configured staging root or the default one.
func (s *Settings) ResolveStagingDir() string {
	if s.General.StagingDir != "" {
		return s.General.StagingDir
	}
	return GetStagingDir()
}

// RuntimeConfig is the subset of Settings the transfer engine consumes.
type RuntimeConfig struct {
	MaxConnectionsPerHost int
	UserAgent             string
	ProxyURL              string
	MinChunkSize          int64
	WorkerBufferSize      int
	MaxTaskRetries        int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	ProgressInterval      time.Duration
	ProgressByteThreshold int64
	SpeedEmaAlpha         float64
	SkipTLSVerification   bool
}

// ToRuntimeConfig creates a RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConnectionsPerHost: s.Connections.MaxConnectionsPerHost,
		UserAgent:             s.Connections.UserAgent,
		ProxyURL:              s.Connections.ProxyURL,
		MinChunkSize:          s.Chunks.MinChunkSize,
		WorkerBufferSize:      s.Chunks.WorkerBufferSize,
		MaxTaskRetries:        s.Performance.MaxTaskRetries,
		RetryBaseDelay:        s.Performance.RetryBaseDelay,
		RetryMaxDelay:         s.Performance.RetryMaxDelay,
		ProgressInterval:      s.Performance.ProgressInterval,
		ProgressByteThreshold: s.Performance.ProgressByteThreshold,
		SpeedEmaAlpha:         s.Performance.SpeedEmaAlpha,
		SkipTLSVerification:   s.Connections.SkipTLSVerification,
	}
}
