package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. MEDIA_COMPRESSOR_SERVER_PORT for server.port.
const EnvPrefix = "MEDIA_COMPRESSOR"

// Config represents the main configuration structure
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Compression CompressionConfig `mapstructure:"compression"`
	Image       ImageConfig       `mapstructure:"image"`
	Video       VideoConfig       `mapstructure:"video"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	v *viper.Viper
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	MaxUploadMB int64    `mapstructure:"max_upload_mb"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig names the storage root and the directory of each storage role below it
type StorageConfig struct {
	Root          string `mapstructure:"root"`
	UploadsDir    string `mapstructure:"uploads_dir"`
	CompressedDir string `mapstructure:"compressed_dir"`
	ArchivesDir   string `mapstructure:"archives_dir"`
	ScratchDir    string `mapstructure:"scratch_dir"`
}

// CompressionConfig contains batch processing settings
type CompressionConfig struct {
	DefaultQuality  int      `mapstructure:"default_quality"`
	ImageExtensions []string `mapstructure:"image_extensions"`
	VideoExtensions []string `mapstructure:"video_extensions"`
	Workers         int      `mapstructure:"workers"`
	VideoWorkers    int      `mapstructure:"video_workers"`
}

// ImageConfig contains still image codec settings
type ImageConfig struct {
	PreserveMetadata bool   `mapstructure:"preserve_metadata"`
	Background       string `mapstructure:"background"` // hex colour used to flatten transparency
}

// VideoConfig contains ffmpeg settings
type VideoConfig struct {
	FFmpegPath   string  `mapstructure:"ffmpeg_path"`
	Preset       string  `mapstructure:"preset"`
	CRFFactor    float64 `mapstructure:"crf_factor"`
	AudioCodec   string  `mapstructure:"audio_codec"`
	AudioBitrate string  `mapstructure:"audio_bitrate"`
}

// RetentionConfig contains artifact expiry settings
type RetentionConfig struct {
	WindowSeconds        int `mapstructure:"window_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			MaxUploadMB: 2048,
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Root:          "data",
			UploadsDir:    "uploads",
			CompressedDir: "compressed",
			ArchivesDir:   "zips",
			ScratchDir:    "tmp",
		},
		Compression: CompressionConfig{
			DefaultQuality:  85,
			ImageExtensions: []string{".jpg", ".jpeg", ".png"},
			VideoExtensions: []string{".mp4", ".mov", ".avi"},
			Workers:         4,
			VideoWorkers:    1,
		},
		Image: ImageConfig{
			PreserveMetadata: false,
			Background:       "#ffffff",
		},
		Video: VideoConfig{
			FFmpegPath:   "ffmpeg",
			Preset:       "medium",
			CRFFactor:    0.51,
			AudioCodec:   "aac",
			AudioBitrate: "128k",
		},
		Retention: RetentionConfig{
			WindowSeconds:        3600,
			SweepIntervalSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "media-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.media-compressor")
		v.AddConfigPath("/etc/media-compressor")
	}

	// Environment overrides only apply to keys viper knows about.
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.v = v
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.uploads_dir", d.Storage.UploadsDir)
	v.SetDefault("storage.compressed_dir", d.Storage.CompressedDir)
	v.SetDefault("storage.archives_dir", d.Storage.ArchivesDir)
	v.SetDefault("storage.scratch_dir", d.Storage.ScratchDir)

	v.SetDefault("compression.default_quality", d.Compression.DefaultQuality)
	v.SetDefault("compression.image_extensions", d.Compression.ImageExtensions)
	v.SetDefault("compression.video_extensions", d.Compression.VideoExtensions)
	v.SetDefault("compression.workers", d.Compression.Workers)
	v.SetDefault("compression.video_workers", d.Compression.VideoWorkers)

	v.SetDefault("image.preserve_metadata", d.Image.PreserveMetadata)
	v.SetDefault("image.background", d.Image.Background)

	v.SetDefault("video.ffmpeg_path", d.Video.FFmpegPath)
	v.SetDefault("video.preset", d.Video.Preset)
	v.SetDefault("video.crf_factor", d.Video.CRFFactor)
	v.SetDefault("video.audio_codec", d.Video.AudioCodec)
	v.SetDefault("video.audio_bitrate", d.Video.AudioBitrate)

	v.SetDefault("retention.window_seconds", d.Retention.WindowSeconds)
	v.SetDefault("retention.sweep_interval_seconds", d.Retention.SweepIntervalSeconds)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 2048
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	dirs := []string{c.Storage.UploadsDir, c.Storage.CompressedDir, c.Storage.ArchivesDir, c.Storage.ScratchDir}
	seen := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		if d == "" || strings.ContainsAny(d, `/\`) || d == "." || d == ".." {
			return fmt.Errorf("invalid storage directory name: %q", d)
		}
		if seen[d] {
			return fmt.Errorf("storage directories must be distinct: %q used twice", d)
		}
		seen[d] = true
	}

	if c.Compression.DefaultQuality < 1 || c.Compression.DefaultQuality > 100 {
		return fmt.Errorf("compression.default_quality must be within 1..100, got %d", c.Compression.DefaultQuality)
	}
	c.Compression.ImageExtensions = normalizeExtensions(c.Compression.ImageExtensions)
	c.Compression.VideoExtensions = normalizeExtensions(c.Compression.VideoExtensions)
	for _, ext := range c.Compression.ImageExtensions {
		if c.IsVideoExtension(ext) {
			return fmt.Errorf("extension %s is configured as both image and video", ext)
		}
	}
	if c.Compression.Workers <= 0 {
		c.Compression.Workers = 4
	}
	if c.Compression.VideoWorkers <= 0 {
		c.Compression.VideoWorkers = 1
	}

	if c.Video.FFmpegPath == "" {
		c.Video.FFmpegPath = "ffmpeg"
	}
	if c.Video.Preset == "" {
		c.Video.Preset = "medium"
	}
	if c.Video.CRFFactor < 0 {
		return fmt.Errorf("video.crf_factor must not be negative")
	}

	if c.Retention.WindowSeconds <= 0 {
		return fmt.Errorf("retention.window_seconds must be positive")
	}
	if c.Retention.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("retention.sweep_interval_seconds must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// RetentionWindow returns the maximum age of stored artifacts and job records.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.WindowSeconds) * time.Second
}

// SweepInterval returns the time between two retention sweeps.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalSeconds) * time.Second
}

// IsVideoExtension checks if the extension is for a video file
func (c *Config) IsVideoExtension(ext string) bool {
	return containsExt(c.Compression.VideoExtensions, ext)
}

// ConfigFileUsed returns the path of the file the config was read from, if any.
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

var watchMu sync.Mutex

// OnChange watches the config file and calls fn with the re-read configuration
// every time it changes. Invalid edits are reported through onErr and ignored.
// It is a no-op when the config did not come from a file.
func (c *Config) OnChange(fn func(*Config), onErr func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	v := c.v
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		watchMu.Lock()
		defer watchMu.Unlock()
		next, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		fn(next)
	})
	v.WatchConfig()
}

func containsExt(list []string, ext string) bool {
	ext = strings.ToLower(ext)
	for _, supported := range list {
		if ext == supported {
			return true
		}
	}
	return false
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
