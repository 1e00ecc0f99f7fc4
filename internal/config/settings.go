package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	KB = 1024
	MB = 1024 * KB
)

// Settings holds all user-configurable settings organized by category.
type Settings struct {
	General     GeneralSettings     `json:"general"`
	Connections ConnectionSettings  `json:"connections"`
	Chunks      ChunkSettings       `json:"chunks"`
	Performance PerformanceSettings `json:"performance"`
	Installer   InstallerSettings   `json:"installer"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `json:"default_download_dir"`
	AutoResume         bool   `json:"auto_resume"`
}

// ConnectionSettings contains network connection parameters.
type ConnectionSettings struct {
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	ChunksPerTask          int    `json:"chunks_per_task"`
	UserAgent              string `json:"user_agent"`
}

// ChunkSettings contains download chunk configuration.
type ChunkSettings struct {
	MinChunkSize     int64 `json:"min_chunk_size"`
	WorkerBufferSize int   `json:"worker_buffer_size"`
}

// PerformanceSettings contains retry and persistence tuning.
type PerformanceSettings struct {
	MaxChunkRetries int           `json:"max_chunk_retries"`
	MaxTaskRetries  int           `json:"max_task_retries"`
	RetryBaseDelay  time.Duration `json:"retry_base_delay"`
	SaveInterval    time.Duration `json:"save_interval"`
	ProbeTimeout    time.Duration `json:"probe_timeout"`
}

// InstallerSettings describes the fixed artifact layout of the privileged
// installer and the orchestrator's timing knobs.
type InstallerSettings struct {
	BinaryPath          string        `json:"binary_path"`
	LogPath             string        `json:"log_path"`
	DescriptorName      string        `json:"descriptor_name"`
	RemediationManifest string        `json:"remediation_manifest"`
	StallTimeout        time.Duration `json:"stall_timeout"`
	SettleDelay         time.Duration `json:"settle_delay"`
	KillWait            time.Duration `json:"kill_wait"`
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: defaultDir,
			AutoResume:         true,
		},
		Connections: ConnectionSettings{
			MaxConcurrentDownloads: 4,
			ChunksPerTask:          4,
			UserAgent:              "", // Empty means use default UA
		},
		Chunks: ChunkSettings{
			MinChunkSize:     2 * MB,
			WorkerBufferSize: 512 * KB,
		},
		Performance: PerformanceSettings{
			MaxChunkRetries: 3,
			MaxTaskRetries:  2,
			RetryBaseDelay:  500 * time.Millisecond,
			SaveInterval:    2 * time.Second,
			ProbeTimeout:    10 * time.Second,
		},
		Installer: InstallerSettings{
			BinaryPath:          "/usr/local/sbin/vendor-installer",
			LogPath:             "/var/log/vendor-installer.log",
			DescriptorName:      "driver.manifest",
			RemediationManifest: "remediation.yaml",
			StallTimeout:        5 * time.Minute,
			SettleDelay:         2 * time.Second,
			KillWait:            5 * time.Second,
		},
	}
}

// GetStateDir returns the directory holding the task registry and settings.
func GetStateDir() string {
	if dir := os.Getenv("PKGDROP_STATE_DIR"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".pkgdrop")
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetStateDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // Start with defaults to fill any missing fields
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
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
